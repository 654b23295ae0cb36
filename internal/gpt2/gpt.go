package gpt2

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/joshcarp/llmtrain/internal/model"
)

var ErrNoTargets = errors.New("must forward with labels before backward")

type GPT2 struct {
	config Config
	// Params has the actual weights of the model. Replicas share it.
	Params ParameterTensors
	// Grads accumulates until ZeroGradients.
	Grads     ParameterTensors
	Acts      ActivationTensors
	GradsActs ActivationTensors
	B, T      int
	Inputs    []int32
	Labels    []int32
	MeanLoss  float32
}

var _ model.Model = (*GPT2)(nil)

// New builds a freshly initialised model: weights ~ N(0, initializer_range),
// residual projections scaled down by sqrt(2*n_layer), layer norms at
// identity.
func New(cfg Config, seed uint64) (*GPT2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &GPT2{
		config:   cfg,
		Params:   newParameterTensors(cfg.VocabSize, cfg.NEmbd, cfg.NPositions, cfg.NLayer),
		Grads:    newParameterTensors(cfg.VocabSize, cfg.NEmbd, cfg.NPositions, cfg.NLayer),
		MeanLoss: -1,
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	std := cfg.InitializerRange
	if std == 0 {
		std = 0.02
	}
	projStd := std / math.Sqrt(2*float64(cfg.NLayer))
	normal := func(t tensor, std float64) {
		for i := range t.data {
			t.data[i] = float32(rng.NormFloat64() * std)
		}
	}
	ones := func(t tensor) {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	p := m.Params
	normal(p.WordTokEmbed, std)
	normal(p.WordPosEmbed, std)
	normal(p.QueryKeyValW, std)
	normal(p.AttProjW, projStd)
	normal(p.FeedFwdW, std)
	normal(p.FeedFwdProjW, projStd)
	ones(p.LayerNorm1W)
	ones(p.Layer2NormW)
	ones(p.LayerFinNormW)
	return m, nil
}

func (m *GPT2) String() string {
	var s string
	s += "[GPT-2]\n"
	s += fmt.Sprintf("n_ctx: %d\n", m.config.NCtx)
	s += fmt.Sprintf("n_positions: %d\n", m.config.NPositions)
	s += fmt.Sprintf("vocab_size: %d\n", m.config.VocabSize)
	s += fmt.Sprintf("n_layer: %d\n", m.config.NLayer)
	s += fmt.Sprintf("n_head: %d\n", m.config.NHead)
	s += fmt.Sprintf("n_embd: %d\n", m.config.NEmbd)
	s += fmt.Sprintf("num_parameters: %d\n", m.Params.Len())
	return s
}

func (m *GPT2) Config() any           { return m.config }
func (m *GPT2) ContextLength() int    { return m.config.NCtx }
func (m *GPT2) Parameters() []float32 { return m.Params.Memory }
func (m *GPT2) Gradients() []float32  { return m.Grads.Memory }

func (m *GPT2) ZeroGradients() {
	clear(m.Grads.Memory)
}

func (m *GPT2) Replicate() (model.Model, error) {
	cfg := m.config
	return &GPT2{
		config:   cfg,
		Params:   m.Params,
		Grads:    newParameterTensors(cfg.VocabSize, cfg.NEmbd, cfg.NPositions, cfg.NLayer),
		MeanLoss: -1,
	}, nil
}

// Forward runs the model over B rows of T tokens. With labels, position t of
// each row is scored against labels[t+1] and the mean over the B*(T-1)
// predicted positions is returned.
func (m *GPT2) Forward(inputs, labels []int32, B, T int) (float32, error) {
	V, L, NH, C := m.config.VocabSize, m.config.NLayer, m.config.NHead, m.config.NEmbd
	if B <= 0 || T <= 0 || T > m.config.NPositions {
		return 0, fmt.Errorf("batch %dx%d does not fit n_positions %d", B, T, m.config.NPositions)
	}
	if len(inputs) != B*T {
		return 0, fmt.Errorf("got %d inputs for a %dx%d batch", len(inputs), B, T)
	}
	if labels != nil && len(labels) != B*T {
		return 0, fmt.Errorf("got %d labels for a %dx%d batch", len(labels), B, T)
	}
	if labels != nil && T < 2 {
		return 0, errors.New("need at least two positions per row to predict a next token")
	}
	for _, id := range inputs {
		if id < 0 || int(id) >= V {
			return 0, fmt.Errorf("token %d outside vocabulary of %d", id, V)
		}
	}
	for _, id := range labels {
		if id < 0 || int(id) >= V {
			return 0, fmt.Errorf("label %d outside vocabulary of %d", id, V)
		}
	}
	if m.Acts.Memory == nil || m.B != B || m.T != T {
		m.B, m.T = B, T
		m.Acts = newActivationTensors(B, C, T, L, NH, V)
		m.GradsActs = ActivationTensors{}
		m.Inputs = make([]int32, B*T)
		m.Labels = make([]int32, B*T)
	}
	copy(m.Inputs, inputs)
	params, acts := m.Params, m.Acts
	N := B * T

	encoderForward(acts.Encoded.data, inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*N*C:]
		}
		l_ln1 := acts.Layer1Act.data[l*N*C:]
		l_qkv := acts.QueryKeyVal.data[l*N*3*C:]
		l_atty := acts.AttentionInter.data[l*N*C:]
		l_attproj := acts.AttentionProj.data[l*N*C:]
		l_residual2 := acts.Residual2.data[l*N*C : (l+1)*N*C]
		l_ln2 := acts.LayerNorm2Act.data[l*N*C:]
		l_fch := acts.FeedForward.data[l*N*4*C : (l+1)*N*4*C]
		l_fch_gelu := acts.FeedForwardGelu.data[l*N*4*C : (l+1)*N*4*C]
		l_fcproj := acts.FeedForwardProj.data[l*N*C:]
		l_residual3 := acts.Residual3.data[l*N*C : (l+1)*N*C]

		layernormForward(l_ln1, acts.LayerNorm1Mean.data[l*N:], acts.LayerNorm1Rstd.data[l*N:], residual,
			params.LayerNorm1W.data[l*C:], params.LayerNorm1B.data[l*C:], N, C)
		matmulForward(l_qkv, l_ln1, params.QueryKeyValW.data[l*3*C*C:], params.QueryKeyValB.data[l*3*C:], N, C, 3*C)
		attentionForward(l_atty, acts.PreAttention.data[l*B*NH*T*T:], acts.Attention.data[l*B*NH*T*T:], l_qkv, B, T, C, NH)
		matmulForward(l_attproj, l_atty, params.AttProjW.data[l*C*C:], params.AttProjB.data[l*C:], N, C, C)
		residualForward(l_residual2, residual, l_attproj)
		layernormForward(l_ln2, acts.LayerNorm2Mean.data[l*N:], acts.LayerNorm2Rstd.data[l*N:], l_residual2,
			params.Layer2NormW.data[l*C:], params.Layer2NormB.data[l*C:], N, C)
		matmulForward(l_fch, l_ln2, params.FeedFwdW.data[l*4*C*C:], params.FeedFwdB.data[l*4*C:], N, C, 4*C)
		geluForward(l_fch_gelu, l_fch)
		matmulForward(l_fcproj, l_fch_gelu, params.FeedFwdProjW.data[l*C*4*C:], params.FeedFwdProjB.data[l*C:], N, 4*C, C)
		residualForward(l_residual3, l_residual2, l_fcproj)
	}
	residual = acts.Residual3.data[(L-1)*N*C:]
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, residual,
		params.LayerFinNormW.data, params.LayerFinNormB.data, N, C)
	// the output head is tied to the token embedding
	matmulForward(acts.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, nil, N, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, N, V)

	if labels == nil {
		m.MeanLoss = -1
		return 0, nil
	}
	copy(m.Labels, labels)
	crossEntropyForward(acts.Losses.data, acts.Probabilities.data, labels, B, T, V)
	var meanLoss float32
	for _, l := range acts.Losses.data {
		meanLoss += l
	}
	meanLoss /= float32(B * (T - 1))
	m.MeanLoss = meanLoss
	return meanLoss, nil
}

// Backward adds the gradient of scale*MeanLoss to Grads.
func (m *GPT2) Backward(scale float32) error {
	if m.MeanLoss == -1 {
		return ErrNoTargets
	}
	B, T, V, L, NH, C := m.B, m.T, m.config.VocabSize, m.config.NLayer, m.config.NHead, m.config.NEmbd
	N := B * T
	if m.GradsActs.Memory == nil {
		m.GradsActs = newActivationTensors(B, C, T, L, NH, V)
	} else {
		clear(m.GradsActs.Memory)
	}
	params, grads, acts, gradsActs := m.Params, m.Grads, m.Acts, m.GradsActs

	dloss := scale / float32(B*(T-1))
	for b := 0; b < B; b++ {
		for t := 0; t < T-1; t++ {
			gradsActs.Losses.data[b*T+t] = dloss
		}
	}
	crossEntropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, m.Labels, B, T, V)
	matmulBackward(gradsActs.LayerNormFinal.data, grads.WordTokEmbed.data, nil, gradsActs.Logits.data,
		acts.LayerNormFinal.data, params.WordTokEmbed.data, N, C, V)
	residual := acts.Residual3.data[(L-1)*N*C:]
	dresidual := gradsActs.Residual3.data[(L-1)*N*C:]
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data,
		residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, N, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*N*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*N*C:]
		}
		l_ln1 := acts.Layer1Act.data[l*N*C:]
		l_qkv := acts.QueryKeyVal.data[l*N*3*C:]
		l_atty := acts.AttentionInter.data[l*N*C:]
		l_residual2 := acts.Residual2.data[l*N*C:]
		l_ln2 := acts.LayerNorm2Act.data[l*N*C:]
		l_fch := acts.FeedForward.data[l*N*4*C : (l+1)*N*4*C]
		l_fch_gelu := acts.FeedForwardGelu.data[l*N*4*C:]

		dl_ln1 := gradsActs.Layer1Act.data[l*N*C:]
		dl_qkv := gradsActs.QueryKeyVal.data[l*N*3*C:]
		dl_atty := gradsActs.AttentionInter.data[l*N*C:]
		dl_attproj := gradsActs.AttentionProj.data[l*N*C : (l+1)*N*C]
		dl_residual2 := gradsActs.Residual2.data[l*N*C : (l+1)*N*C]
		dl_ln2 := gradsActs.LayerNorm2Act.data[l*N*C:]
		dl_fch := gradsActs.FeedForward.data[l*N*4*C:]
		dl_fch_gelu := gradsActs.FeedForwardGelu.data[l*N*4*C : (l+1)*N*4*C]
		dl_fcproj := gradsActs.FeedForwardProj.data[l*N*C : (l+1)*N*C]
		dl_residual3 := gradsActs.Residual3.data[l*N*C : (l+1)*N*C]

		residualBackward(dl_residual2, dl_fcproj, dl_residual3)
		matmulBackward(dl_fch_gelu, grads.FeedFwdProjW.data[l*C*4*C:], grads.FeedFwdProjB.data[l*C:], dl_fcproj,
			l_fch_gelu, params.FeedFwdProjW.data[l*C*4*C:], N, 4*C, C)
		geluBackward(dl_fch, l_fch, dl_fch_gelu)
		matmulBackward(dl_ln2, grads.FeedFwdW.data[l*4*C*C:], grads.FeedFwdB.data[l*4*C:], dl_fch,
			l_ln2, params.FeedFwdW.data[l*4*C*C:], N, C, 4*C)
		layernormBackward(dl_residual2, grads.Layer2NormW.data[l*C:], grads.Layer2NormB.data[l*C:], dl_ln2,
			l_residual2, params.Layer2NormW.data[l*C:], acts.LayerNorm2Mean.data[l*N:], acts.LayerNorm2Rstd.data[l*N:], N, C)
		residualBackward(dresidual, dl_attproj, dl_residual2)
		matmulBackward(dl_atty, grads.AttProjW.data[l*C*C:], grads.AttProjB.data[l*C:], dl_attproj,
			l_atty, params.AttProjW.data[l*C*C:], N, C, C)
		attentionBackward(dl_qkv, gradsActs.PreAttention.data[l*B*NH*T*T:], gradsActs.Attention.data[l*B*NH*T*T:], dl_atty,
			l_qkv, acts.Attention.data[l*B*NH*T*T:], B, T, C, NH)
		matmulBackward(dl_ln1, grads.QueryKeyValW.data[l*3*C*C:], grads.QueryKeyValB.data[l*3*C:], dl_qkv,
			l_ln1, params.QueryKeyValW.data[l*3*C*C:], N, C, 3*C)
		layernormBackward(dresidual, grads.LayerNorm1W.data[l*C:], grads.LayerNorm1B.data[l*C:], dl_ln1,
			residual, params.LayerNorm1W.data[l*C:], acts.LayerNorm1Mean.data[l*N:], acts.LayerNorm1Rstd.data[l*N:], N, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, m.Inputs, B, T, C)
	return nil
}

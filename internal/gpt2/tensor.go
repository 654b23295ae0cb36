package gpt2

type tensor struct {
	data []float32
	dims []int
}

func (t tensor) Data() []float32 {
	return t.data
}

func (t tensor) size() int {
	return product(t.dims)
}

func product(dims []int) int {
	s := 1
	for _, d := range dims {
		s *= d
	}
	return s
}

type slot struct {
	t    *tensor
	dims []int
}

// carve allocates one flat buffer for every slot and points each tensor at
// its own region of it.
func carve(slots []slot) []float32 {
	total := 0
	for _, s := range slots {
		total += product(s.dims)
	}
	memory := make([]float32, total)
	rest := memory
	for _, s := range slots {
		n := product(s.dims)
		*s.t = tensor{data: rest[:n:n], dims: s.dims}
		rest = rest[n:]
	}
	return memory
}

// ParameterTensors are the weights of the model. Memory backs every field.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C)
	WordPosEmbed  tensor // (maxT, C)
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C)
	FeedFwdW      tensor // (L, 4*C, C)
	FeedFwdB      tensor // (L, 4*C)
	FeedFwdProjW  tensor // (L, C, 4*C)
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C)
}

func newParameterTensors(V, C, maxT, L int) ParameterTensors {
	var p ParameterTensors
	p.Memory = carve([]slot{
		{&p.WordTokEmbed, []int{V, C}},
		{&p.WordPosEmbed, []int{maxT, C}},
		{&p.LayerNorm1W, []int{L, C}},
		{&p.LayerNorm1B, []int{L, C}},
		{&p.QueryKeyValW, []int{L, 3 * C, C}},
		{&p.QueryKeyValB, []int{L, 3 * C}},
		{&p.AttProjW, []int{L, C, C}},
		{&p.AttProjB, []int{L, C}},
		{&p.Layer2NormW, []int{L, C}},
		{&p.Layer2NormB, []int{L, C}},
		{&p.FeedFwdW, []int{L, 4 * C, C}},
		{&p.FeedFwdB, []int{L, 4 * C}},
		{&p.FeedFwdProjW, []int{L, C, 4 * C}},
		{&p.FeedFwdProjB, []int{L, C}},
		{&p.LayerFinNormW, []int{C}},
		{&p.LayerFinNormB, []int{C}},
	})
	return p
}

func (p ParameterTensors) Len() int {
	return len(p.Memory)
}

// ActivationTensors hold everything the forward pass keeps for backward.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C)
	Layer1Act          tensor // (L, B, T, C)
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3*C)
	AttentionInter     tensor // (L, B, T, C)
	PreAttention       tensor // (L, B, NH, T, T)
	Attention          tensor // (L, B, NH, T, T)
	AttentionProj      tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C)
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4*C)
	FeedForwardGelu    tensor // (L, B, T, 4*C)
	FeedForwardProj    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C)
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V)
	Losses             tensor // (B, T)
}

func newActivationTensors(B, C, T, L, NH, V int) ActivationTensors {
	var a ActivationTensors
	a.Memory = carve([]slot{
		{&a.Encoded, []int{B, T, C}},
		{&a.Layer1Act, []int{L, B, T, C}},
		{&a.LayerNorm1Mean, []int{L, B, T}},
		{&a.LayerNorm1Rstd, []int{L, B, T}},
		{&a.QueryKeyVal, []int{L, B, T, 3 * C}},
		{&a.AttentionInter, []int{L, B, T, C}},
		{&a.PreAttention, []int{L, B, NH, T, T}},
		{&a.Attention, []int{L, B, NH, T, T}},
		{&a.AttentionProj, []int{L, B, T, C}},
		{&a.Residual2, []int{L, B, T, C}},
		{&a.LayerNorm2Act, []int{L, B, T, C}},
		{&a.LayerNorm2Mean, []int{L, B, T}},
		{&a.LayerNorm2Rstd, []int{L, B, T}},
		{&a.FeedForward, []int{L, B, T, 4 * C}},
		{&a.FeedForwardGelu, []int{L, B, T, 4 * C}},
		{&a.FeedForwardProj, []int{L, B, T, C}},
		{&a.Residual3, []int{L, B, T, C}},
		{&a.LayerNormFinal, []int{B, T, C}},
		{&a.LayerNormFinalMean, []int{B, T}},
		{&a.LayerNormFinalStd, []int{B, T}},
		{&a.Logits, []int{B, T, V}},
		{&a.Probabilities, []int{B, T, V}},
		{&a.Losses, []int{B, T}},
	})
	return a
}

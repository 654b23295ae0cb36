package gpt2

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{
		NCtx:       4,
		NPositions: 4,
		VocabSize:  7,
		NLayer:     2,
		NHead:      2,
		NEmbd:      8,
	}
}

func TestParameterTensorsLayout(t *testing.T) {
	V, C, maxT, L := 7, 8, 4, 2
	p := newParameterTensors(V, C, maxT, L)
	want := V*C + maxT*C + L*C*2 + L*3*C*C + L*3*C + L*C*C + L*C + L*C*2 + L*4*C*C + L*4*C + L*C*4*C + L*C + 2*C
	assert.Equal(t, want, p.Len())
	assert.Equal(t, V*C, p.WordTokEmbed.size())
	assert.Equal(t, []int{L, 3 * C, C}, p.QueryKeyValW.dims)

	// views alias the flat memory
	p.LayerFinNormB.data[C-1] = 42
	assert.Equal(t, float32(42), p.Memory[len(p.Memory)-1])
}

func TestForwardLossStartsNearUniform(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	require.NoError(t, err)
	tokens := []int32{1, 2, 3, 4, 5, 6, 0, 1}
	loss, err := m.Forward(tokens, tokens, 2, 4)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(7), loss, 0.1)
}

func TestForwardRejectsBadBatches(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	require.NoError(t, err)
	_, err = m.Forward([]int32{1, 2, 3}, nil, 1, 4)
	assert.Error(t, err, "length mismatch")
	_, err = m.Forward([]int32{1, 2, 3, 4, 5}, nil, 1, 5)
	assert.Error(t, err, "longer than n_positions")
	_, err = m.Forward([]int32{1, 2, 3, 9}, nil, 1, 4)
	assert.Error(t, err, "token outside vocabulary")
	_, err = m.Forward([]int32{1}, []int32{1}, 1, 1)
	assert.Error(t, err, "nothing to predict")
}

func TestBackwardWithoutLabels(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Backward(1), ErrNoTargets)
	_, err = m.Forward([]int32{1, 2, 3, 4}, nil, 1, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Backward(1), ErrNoTargets)
}

func TestTrainingReducesLoss(t *testing.T) {
	m, err := New(tinyConfig(), 3)
	require.NoError(t, err)
	tokens := []int32{1, 2, 3, 4, 1, 2, 3, 4}
	first, err := m.Forward(tokens, tokens, 2, 4)
	require.NoError(t, err)
	var last float32
	for i := 0; i < 60; i++ {
		m.ZeroGradients()
		require.NoError(t, m.Backward(1))
		params, grads := m.Parameters(), m.Gradients()
		for j := range params {
			params[j] -= 0.5 * grads[j]
		}
		last, err = m.Forward(tokens, tokens, 2, 4)
		require.NoError(t, err)
	}
	assert.Less(t, last, first/2)
}

func TestBackwardScaleIsLinear(t *testing.T) {
	m, err := New(tinyConfig(), 5)
	require.NoError(t, err)
	tokens := []int32{3, 1, 4, 1}
	_, err = m.Forward(tokens, tokens, 1, 4)
	require.NoError(t, err)
	require.NoError(t, m.Backward(1))
	full := append([]float32(nil), m.Gradients()...)

	m.ZeroGradients()
	require.NoError(t, m.Backward(0.25))
	require.NoError(t, m.Backward(0.25))
	for i := range full {
		assert.InDelta(t, full[i]/2, m.Gradients()[i], 1e-6)
	}
}

func TestReplicateSharesParameters(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	require.NoError(t, err)
	r, err := m.Replicate()
	require.NoError(t, err)
	m.Parameters()[0] = 123
	assert.Equal(t, float32(123), r.Parameters()[0])

	tokens := []int32{1, 2, 3, 4}
	_, err = r.Forward(tokens, tokens, 1, 4)
	require.NoError(t, err)
	require.NoError(t, r.Backward(1))
	for _, g := range m.Gradients() {
		require.Zero(t, g, "replica gradients must not leak into the primary")
	}
}

func TestStateRoundTrip(t *testing.T) {
	m, err := New(tinyConfig(), 7)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, m.SaveState(&buf))
	assert.Equal(t, 4*(headerLen+m.Params.Len()), buf.Len())

	other, err := New(tinyConfig(), 8)
	require.NoError(t, err)
	replica, err := other.Replicate()
	require.NoError(t, err)
	require.NoError(t, other.LoadState(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, m.Parameters(), other.Parameters())
	assert.Equal(t, m.Parameters(), replica.Parameters())

	wrong := tinyConfig()
	wrong.NEmbd = 4
	small, err := New(wrong, 1)
	require.NoError(t, err)
	assert.Error(t, small.LoadState(bytes.NewReader(buf.Bytes())))
}

func TestString(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	require.NoError(t, err)
	s := m.String()
	assert.True(t, strings.HasPrefix(s, "[GPT-2]\n"))
	assert.Contains(t, s, "n_layer: 2\n")
	assert.Contains(t, s, fmt.Sprintf("num_parameters: %d\n", m.Params.Len()))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "initializer_range": 0.02,
  "layer_norm_epsilon": 1e-05,
  "n_ctx": 1024,
  "n_embd": 768,
  "n_head": 12,
  "n_layer": 10,
  "n_positions": 1024,
  "vocab_size": 13317
}`), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Config{NCtx: 1024, NPositions: 1024, VocabSize: 13317, NLayer: 10, NHead: 12, NEmbd: 768, InitializerRange: 0.02}, cfg)

	require.NoError(t, os.WriteFile(path, []byte(`{"n_ctx": 8, "n_embd": 10, "n_head": 3, "n_layer": 1, "vocab_size": 5}`), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

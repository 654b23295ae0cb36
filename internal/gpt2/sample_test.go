package gpt2

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_sampleMult(t *testing.T) {
	type args struct {
		probabilities []float32
		coin          float32
	}
	tests := []struct {
		name string
		args args
		want int
	}{
		{name: "first bucket", args: args{[]float32{0.25, 0.25, 0.5}, 0.1}, want: 0},
		{name: "boundary goes right", args: args{[]float32{0.25, 0.25, 0.5}, 0.25}, want: 1},
		{name: "last bucket", args: args{[]float32{0.25, 0.25, 0.5}, 0.9}, want: 2},
		{name: "rounding short of one", args: args{[]float32{0.3, 0.3, 0.3}, 0.95}, want: 2},
		{name: "certain", args: args{[]float32{0, 1, 0}, 0.5}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, sampleMult(tt.args.probabilities, tt.args.coin), "sampleMult(%v, %v)", tt.args.probabilities, tt.args.coin)
		})
	}
}

func TestGenerate(t *testing.T) {
	m, err := New(tinyConfig(), 5)
	require.NoError(t, err)

	// longer than n_ctx, so the window has to slide
	out, err := m.Generate([]int32{1, 2, 3}, 6, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, out, 9)
	assert.Equal(t, []int32{1, 2, 3}, out[:3])
	for _, id := range out {
		assert.True(t, id >= 0 && int(id) < tinyConfig().VocabSize)
	}

	again, err := m.Generate([]int32{1, 2, 3}, 6, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, out, again, "same seed, same tokens")

	_, err = m.Generate(nil, 1, rand.New(rand.NewPCG(1, 2)))
	assert.Error(t, err)
}

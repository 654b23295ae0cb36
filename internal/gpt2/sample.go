package gpt2

import (
	"errors"
	"math/rand/v2"
	"slices"
)

func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

// Generate appends n tokens sampled from the model to prompt. Every step
// recomputes the activations of the last n_ctx tokens.
func (m *GPT2) Generate(prompt []int32, n int, rng *rand.Rand) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, errors.New("generate needs at least one prompt token")
	}
	V := m.config.VocabSize
	out := slices.Clone(prompt)
	for i := 0; i < n; i++ {
		window := out[max(0, len(out)-m.config.NCtx):]
		T := len(window)
		if _, err := m.Forward(window, nil, 1, T); err != nil {
			return out, err
		}
		probs := m.Acts.Probabilities.data[(T-1)*V : T*V]
		out = append(out, int32(sampleMult(probs, rng.Float32())))
	}
	return out, nil
}

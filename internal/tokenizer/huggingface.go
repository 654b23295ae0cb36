package tokenizer

import (
	"fmt"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// pipeline adapts a sugarme tokenizer to Tokenizer.
type pipeline struct {
	tk *tk.Tokenizer
}

func (p pipeline) Encode(text string) ([]int32, error) {
	if text == "" {
		return nil, nil
	}
	enc, err := p.tk.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	return toInt32(enc.Ids), nil
}

func (p pipeline) TokenID(token string) (int32, error) {
	id, ok := p.tk.TokenToId(token)
	if !ok {
		return 0, fmt.Errorf("token %q not in vocabulary", token)
	}
	return int32(id), nil
}

// Decode fails on ids outside the vocabulary; sugarme drops them silently.
func (p pipeline) Decode(ids []int32) (string, error) {
	for _, id := range ids {
		if _, ok := p.tk.IdToToken(int(id)); !ok {
			return "", fmt.Errorf("token id %d not in vocabulary", id)
		}
	}
	return p.tk.Decode(toInt(ids), false), nil
}

// HuggingFace loads a tokenizer.json produced by the Hugging Face tokenizers
// library.
type HuggingFace struct {
	pipeline
}

func NewHuggingFace(path string) (*HuggingFace, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &HuggingFace{pipeline{tk: t}}, nil
}

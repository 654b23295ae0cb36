// Package tokenizer turns text into vocabulary ids. The corpus builder only
// depends on the Tokenizer interface; New picks a backend from config.
package tokenizer

import (
	"fmt"

	"github.com/joshcarp/llmtrain/internal/config"
)

type Tokenizer interface {
	// Encode maps text to ids. Special tokens present in the vocabulary, such
	// as a paragraph marker, are kept whole.
	Encode(text string) ([]int32, error)
	// TokenID resolves a single vocabulary entry.
	TokenID(token string) (int32, error)
	Decode(ids []int32) (string, error)
}

func New(cfg config.Tokenizer) (Tokenizer, error) {
	switch cfg.Kind {
	case "vocab":
		return LoadVocab(cfg.VocabPath, cfg.LowerCase)
	case "tiktoken":
		return NewTikToken(cfg.Encoding)
	case "huggingface":
		return NewHuggingFace(cfg.VocabPath)
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q", cfg.Kind)
	}
}

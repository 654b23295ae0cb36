package tokenizer

import (
	"fmt"
	"slices"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"golang.org/x/exp/maps"
)

const (
	unknownToken = "[UNK]"
	continuation = "##"
)

// Vocab is a BERT WordPiece tokenizer over a plain vocab.txt: one token per
// line, the id being the line number. Bracketed entries such as [SEP] and
// [CLS] are special tokens, matched on the raw text and never split.
type Vocab struct {
	pipeline
}

// LoadVocab builds the same pipeline as a pretrained BERT tokenizer. With
// lowerCase the normalizer also drops combining accent marks.
func LoadVocab(path string, lowerCase bool) (*Vocab, error) {
	model, err := wordpiece.NewWordPieceFromFile(path, unknownToken)
	if err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	if model.GetVocabSize() == 0 {
		return nil, fmt.Errorf("read vocab %s: empty vocabulary", path)
	}

	t := tk.NewTokenizer(model)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, lowerCase, true, lowerCase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	if specials := specialTokens(model.GetVocab()); len(specials) > 0 {
		t.AddSpecialTokens(specials)
	}
	return &Vocab{pipeline{tk: t}}, nil
}

// specialTokens returns the bracketed entries in vocabulary order.
func specialTokens(vocab map[string]int) []tk.AddedToken {
	names := slices.DeleteFunc(maps.Keys(vocab), func(token string) bool {
		return len(token) < 3 || token[0] != '[' || token[len(token)-1] != ']'
	})
	slices.SortFunc(names, func(a, b string) int { return vocab[a] - vocab[b] })
	out := make([]tk.AddedToken, len(names))
	for i, name := range names {
		out[i] = tk.NewAddedToken(name, true)
	}
	return out
}

func (v *Vocab) Size() int {
	return v.tk.GetVocabSize(false)
}

// Decode glues continuation pieces back onto the word before them.
func (v *Vocab) Decode(ids []int32) (string, error) {
	text, err := v.pipeline.Decode(ids)
	if err != nil {
		return "", err
	}
	text = strings.ReplaceAll(text, " "+continuation, "")
	return strings.TrimPrefix(text, continuation), nil
}

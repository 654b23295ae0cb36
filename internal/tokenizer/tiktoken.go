package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TikToken wraps an OpenAI BPE encoding such as cl100k_base or r50k_base.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

func NewTikToken(encoding string) (*TikToken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TikToken{enc: enc}, nil
}

func (t *TikToken) Encode(text string) ([]int32, error) {
	return toInt32(t.enc.Encode(text, []string{"all"}, nil)), nil
}

func (t *TikToken) TokenID(token string) (int32, error) {
	ids := t.enc.Encode(token, []string{"all"}, nil)
	if len(ids) != 1 {
		return 0, fmt.Errorf("%q is not a single token in this encoding", token)
	}
	return int32(ids[0]), nil
}

func (t *TikToken) Decode(ids []int32) (string, error) {
	return t.enc.Decode(toInt(ids)), nil
}

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func toInt(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

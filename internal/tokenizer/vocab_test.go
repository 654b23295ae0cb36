package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = strings.Join([]string{
	"[PAD]",
	"[UNK]",
	"[CLS]",
	"[SEP]",
	"hello",
	"world",
	"##s",
	"play",
	"##ing",
	",",
	"!",
	"un",
	"##believ",
	"##able",
}, "\n")

func writeVocab(t testing.TB, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestVocabEncode(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		lowerCase bool
		want      []int32
	}{
		{name: "words", input: "hello world", want: []int32{4, 5}},
		{name: "word pieces", input: "playing worlds", want: []int32{7, 8, 5, 6}},
		{name: "punctuation", input: "hello, world!", want: []int32{4, 9, 5, 10}},
		{name: "paragraph marker", input: "hello [SEP] world", want: []int32{4, 3, 5}},
		{name: "marker without spaces", input: "hello[SEP]world", want: []int32{4, 3, 5}},
		{name: "longest match first", input: "unbelievable", want: []int32{11, 12, 13}},
		{name: "unknown word", input: "xyz", want: []int32{1}},
		{name: "unknown suffix", input: "helloz", want: []int32{1}},
		{name: "lower case", input: "Hello WORLD", lowerCase: true, want: []int32{4, 5}},
		{name: "case kept", input: "Hello", want: []int32{1}},
		{name: "chinese characters split", input: "hello世界", want: []int32{4, 1, 1}},
		{name: "empty", input: "", want: nil},
	}
	path := writeVocab(t, testVocab)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := LoadVocab(path, tt.lowerCase)
			require.NoError(t, err)
			got, err := v.Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVocabTokenID(t *testing.T) {
	v, err := LoadVocab(writeVocab(t, testVocab), false)
	require.NoError(t, err)
	assert.Equal(t, 14, v.Size())

	id, err := v.TokenID("[CLS]")
	require.NoError(t, err)
	assert.Equal(t, int32(2), id)

	_, err = v.TokenID("[MASK]")
	assert.Error(t, err)
}

func TestVocabDecode(t *testing.T) {
	v, err := LoadVocab(writeVocab(t, testVocab), false)
	require.NoError(t, err)
	got, err := v.Decode([]int32{7, 8, 5, 6, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, "playing worlds [SEP] hello", got)

	_, err = v.Decode([]int32{99})
	assert.Error(t, err)
}

func TestVocabWithoutUnknown(t *testing.T) {
	v, err := LoadVocab(writeVocab(t, "a\nb"), false)
	require.NoError(t, err)
	_, err = v.Encode("c")
	assert.Error(t, err)
}

func TestLoadVocabErrors(t *testing.T) {
	_, err := LoadVocab(writeVocab(t, ""), false)
	assert.ErrorContains(t, err, "empty vocabulary")

	_, err = LoadVocab(filepath.Join(t.TempDir(), "missing.txt"), false)
	assert.Error(t, err)
}

func FuzzVocabEncode(f *testing.F) {
	v, err := LoadVocab(writeVocab(f, testVocab), false)
	require.NoError(f, err)
	f.Add("hello, worlds! [SEP] unbelievable")
	f.Fuzz(func(t *testing.T, text string) {
		ids, err := v.Encode(text)
		require.NoError(t, err)
		for _, id := range ids {
			assert.Less(t, int(id), v.Size())
		}
	})
}

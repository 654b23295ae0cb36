// Package window cuts a flat token stream into fixed-length overlapping
// windows and groups them into shuffled batches.
package window

import (
	"math/rand/v2"

	"golang.org/x/exp/constraints"
)

// Window is the half-open range [Start, End) of a Stream.
type Window struct {
	Start, End int
}

func (w Window) Len() int { return w.End - w.Start }

// Stream is the immutable token sequence produced by the corpus builder.
type Stream []int32

// Slice returns the window's tokens without copying.
func (s Stream) Slice(w Window) []int32 {
	return s[w.Start:w.End:w.End]
}

// Windows returns windows of nCtx tokens starting every stride tokens. A
// window may only start strictly before length-nCtx, so a window ending
// exactly at the end of the stream is never produced and a stream no longer
// than nCtx yields none.
func Windows(length, nCtx, stride int) []Window {
	n := Count(length, nCtx, stride)
	if n == 0 {
		return nil
	}
	out := make([]Window, 0, n)
	for start := 0; start < length-nCtx; start += stride {
		out = append(out, Window{Start: start, End: start + nCtx})
	}
	return out
}

// Count is len(Windows(length, nCtx, stride)).
func Count(length, nCtx, stride int) int {
	if length <= nCtx || stride <= 0 {
		return 0
	}
	return ceilDiv(length-nCtx, stride)
}

func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// Windower reorders windows between epochs. The zero value shuffles with the
// global unseeded source.
type Windower struct {
	shuffle func(n int, swap func(i, j int))
}

// NewWindower returns a Windower drawing permutations from r. It is meant for
// tests; training uses the zero value.
func NewWindower(r *rand.Rand) *Windower {
	return &Windower{shuffle: r.Shuffle}
}

// Shuffle permutes ws in place.
func (w *Windower) Shuffle(ws []Window) {
	swap := func(i, j int) { ws[i], ws[j] = ws[j], ws[i] }
	if w == nil || w.shuffle == nil {
		rand.Shuffle(len(ws), swap)
		return
	}
	w.shuffle(len(ws), swap)
}

// Batches groups ws into consecutive batches of batchSize. A trailing partial
// batch is dropped.
func Batches(ws []Window, batchSize int) [][]Window {
	if batchSize <= 0 {
		return nil
	}
	n := len(ws) / batchSize
	out := make([][]Window, n)
	for i := range out {
		out[i] = ws[i*batchSize : (i+1)*batchSize : (i+1)*batchSize]
	}
	return out
}

// Rows flattens the tokens of a batch into one B*T slice.
func (s Stream) Rows(batch []Window) []int32 {
	if len(batch) == 0 {
		return nil
	}
	T := batch[0].Len()
	out := make([]int32, 0, len(batch)*T)
	for _, w := range batch {
		out = append(out, s.Slice(w)...)
	}
	return out
}

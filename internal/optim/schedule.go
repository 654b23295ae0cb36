package optim

import (
	"encoding/json"
	"fmt"
	"io"
)

// WarmupLinear ramps the learning rate linearly from 0 to Base over Warmup
// steps, then decays it linearly to 0 at Total.
type WarmupLinear struct {
	Base   float64 `json:"base_lr"`
	Warmup int     `json:"warmup_steps"`
	Total  int     `json:"total_steps"`
	Last   int     `json:"last_step"`
}

func NewWarmupLinear(base float64, warmup, total int) *WarmupLinear {
	return &WarmupLinear{Base: base, Warmup: warmup, Total: total}
}

// At returns the learning rate after step optimizer steps.
func (s *WarmupLinear) At(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(max(1, s.Warmup))
	}
	return s.Base * max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}

func (s *WarmupLinear) Step() { s.Last++ }

// LR is the rate for the current step.
func (s *WarmupLinear) LR() float64 { return s.At(s.Last) }

func (s *WarmupLinear) SaveState(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	return nil
}

func (s *WarmupLinear) LoadState(r io.Reader) error {
	var st WarmupLinear
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("read scheduler state: %w", err)
	}
	*s = st
	return nil
}

package optim

import (
	"errors"
	"fmt"
	"math"
)

var ErrPrecisionUnavailable = errors.New("mixed precision level unavailable")

const (
	initialLossScale = 1 << 16
	growthInterval   = 2000
	// largest finite float16
	halfMax = 65504
)

// Scaler applies dynamic loss scaling around a backward pass. Gradients are
// computed against loss*scale, checked against the float16 range, and added
// back unscaled. A contribution that overflows is dropped and the scale is
// halved; after growthInterval clean steps the scale doubles.
type Scaler struct {
	enabled   bool
	scale     float64
	clean     int
	overflows int
	stash     []float32
}

// NewScaler returns a scaler for the given apex style opt level. A disabled
// scaler passes backward calls straight through.
func NewScaler(fp16 bool, level string) (*Scaler, error) {
	if !fp16 {
		return &Scaler{}, nil
	}
	switch level {
	case "O0":
		return &Scaler{}, nil
	case "O1":
		return &Scaler{enabled: true, scale: initialLossScale}, nil
	case "O2", "O3":
		return nil, fmt.Errorf("%w: fp16_opt_level %s needs half precision kernels, which this build does not have; set training.fp16_opt_level to O1 or turn training.fp16 off", ErrPrecisionUnavailable, level)
	default:
		return nil, fmt.Errorf("unknown fp16_opt_level %q", level)
	}
}

func (s *Scaler) Enabled() bool { return s.enabled }

// Scale is the current loss scale, 1 when disabled.
func (s *Scaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

func (s *Scaler) Overflows() int { return s.overflows }

// Backward runs backward with the loss scaled by scale and accumulates the
// result into grads. It reports whether the contribution was dropped.
func (s *Scaler) Backward(grads []float32, scale float32, backward func(scale float32) error) (bool, error) {
	if !s.enabled {
		return false, backward(scale)
	}
	if len(s.stash) != len(grads) {
		s.stash = make([]float32, len(grads))
	}
	copy(s.stash, grads)
	clear(grads)
	if err := backward(scale * float32(s.scale)); err != nil {
		copy(grads, s.stash)
		return false, err
	}

	overflow := false
	for _, g := range grads {
		if g != g || math.Abs(float64(g)) > halfMax {
			overflow = true
			break
		}
	}
	if overflow {
		copy(grads, s.stash)
		s.scale /= 2
		s.clean = 0
		s.overflows++
		return true, nil
	}

	inv := float32(1 / s.scale)
	for i, g := range grads {
		grads[i] = s.stash[i] + g*inv
	}
	s.clean++
	if s.clean == growthInterval {
		s.scale *= 2
		s.clean = 0
	}
	return false, nil
}

// Package optim holds the parameter update rule, the learning-rate schedule,
// gradient clipping and dynamic loss scaling used by the trainer.
package optim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const adamMagic = 20240327

// AdamW is Adam with decoupled weight decay and bias correction. Decay is
// applied to the parameter after the Adam update.
type AdamW struct {
	Beta1, Beta2 float32
	Eps          float32
	WeightDecay  float32

	t    int
	m, v []float32
}

func NewAdamW(numParams int, eps, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         float32(eps),
		WeightDecay: float32(weightDecay),
		m:           make([]float32, numParams),
		v:           make([]float32, numParams),
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

func (o *AdamW) Step(params, grads []float32, lr float64) error {
	if len(params) != len(o.m) || len(grads) != len(o.m) {
		return fmt.Errorf("optimizer built for %d parameters, got %d params and %d grads", len(o.m), len(params), len(grads))
	}
	o.t++
	learningRate := float32(lr)
	beta1, beta2 := o.Beta1, o.Beta2
	c1 := 1 - math.Pow(float64(beta1), float64(o.t))
	c2 := 1 - math.Pow(float64(beta2), float64(o.t))
	// bias correction folded into the step size, eps added to sqrt(v)
	stepSize := learningRate * float32(math.Sqrt(c2)/c1)
	for i, gradient := range grads {
		m := beta1*o.m[i] + (1.0-beta1)*gradient
		v := beta2*o.v[i] + (1.0-beta2)*gradient*gradient
		o.m[i] = m
		o.v[i] = v
		params[i] -= stepSize * m / (float32(math.Sqrt(float64(v))) + o.Eps)
		params[i] -= learningRate * o.WeightDecay * params[i]
	}
	return nil
}

// SaveState writes the step count and both moment buffers.
func (o *AdamW) SaveState(w io.Writer) error {
	header := []int64{adamMagic, int64(o.t), int64(len(o.m))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write optimizer header: %w", err)
	}
	for _, buf := range [][]float32{o.m, o.v} {
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("write optimizer moments: %w", err)
		}
	}
	return nil
}

func (o *AdamW) LoadState(r io.Reader) error {
	header := make([]int64, 3)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("read optimizer header: %w", err)
	}
	if header[0] != adamMagic {
		return errors.New("bad optimizer file format")
	}
	if int(header[2]) != len(o.m) {
		return fmt.Errorf("optimizer state has %d parameters, want %d", header[2], len(o.m))
	}
	for _, buf := range [][]float32{o.m, o.v} {
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("read optimizer moments: %w", err)
		}
	}
	o.t = int(header[1])
	return nil
}

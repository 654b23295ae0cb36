// Package executor runs one batch step, forward and backward, on one model or
// on a set of replicas that share its parameters.
package executor

import (
	"fmt"

	"github.com/joshcarp/llmtrain/internal/model"
)

// Executor is chosen once at startup. Model always returns the single logical
// model whose gradients hold the result of every Step.
type Executor interface {
	// Step runs B rows of T tokens (inputs and labels alike), accumulates
	// d(scale*loss)/dparams into Model().Gradients() and returns the mean
	// loss.
	Step(rows []int32, B, T int, scale float32) (float32, error)
	Model() model.Model
	Devices() int
}

// New returns a single-device executor for devices <= 1 and a replicated one
// otherwise.
func New(m model.Model, devices int) (Executor, error) {
	if devices <= 1 {
		return &Single{model: m}, nil
	}
	return NewReplicated(m, devices)
}

type Single struct {
	model model.Model
}

func (s *Single) Step(rows []int32, B, T int, scale float32) (float32, error) {
	loss, err := s.model.Forward(rows, rows, B, T)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if err := s.model.Backward(scale); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	return loss, nil
}

func (s *Single) Model() model.Model { return s.model }
func (s *Single) Devices() int       { return 1 }

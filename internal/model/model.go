// Package model declares the capability the trainer needs from a language
// model. The architecture behind it is opaque to the training loop.
package model

import "io"

// Model is a trainable autoregressive language model.
//
// Forward receives the same rows as inputs and labels; predicting the next
// token from the labels is the model's own business. Gradients accumulate
// across Backward calls until ZeroGradients.
type Model interface {
	// Forward runs the batch (B rows of T tokens, flattened) and returns the
	// mean loss.
	Forward(inputs, labels []int32, B, T int) (float32, error)
	// Backward accumulates d(scale*loss)/dparams for the last Forward.
	Backward(scale float32) error
	Parameters() []float32
	Gradients() []float32
	ZeroGradients()
	// Replicate returns a model that shares this model's parameters but owns
	// its gradient and activation buffers.
	Replicate() (Model, error)
	ContextLength() int
	// SaveState and LoadState persist the parameters.
	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
	// Config is serialised next to the parameters in a checkpoint.
	Config() any
}

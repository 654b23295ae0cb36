package executor

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/joshcarp/llmtrain/internal/model"
)

// Replicated scatters the rows of a batch over replicas in contiguous chunks
// and runs them concurrently. Replicas read the shared parameters; each owns
// its gradients, which are summed into the primary model after every step.
type Replicated struct {
	primary  model.Model
	replicas []model.Model
}

func NewReplicated(m model.Model, devices int) (*Replicated, error) {
	r := &Replicated{primary: m, replicas: make([]model.Model, devices)}
	for i := range r.replicas {
		replica, err := m.Replicate()
		if err != nil {
			return nil, fmt.Errorf("replicate model for device %d: %w", i, err)
		}
		r.replicas[i] = replica
	}
	return r, nil
}

func (r *Replicated) Model() model.Model { return r.primary }
func (r *Replicated) Devices() int       { return len(r.replicas) }

// Step gives every active replica the gradient of the averaged loss, so the
// reduced gradients match a single-device step over the whole batch when the
// rows split evenly.
func (r *Replicated) Step(rows []int32, B, T int, scale float32) (float32, error) {
	if len(rows) != B*T {
		return 0, fmt.Errorf("got %d tokens for a %dx%d batch", len(rows), B, T)
	}
	chunks := split(B, len(r.replicas))
	losses := make([]float32, len(chunks))
	errs := make([]error, len(chunks))
	replicaScale := scale / float32(len(chunks))

	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c chunk) {
			defer wg.Done()
			replica := r.replicas[i]
			replica.ZeroGradients()
			part := rows[c.start*T : c.end*T]
			loss, err := replica.Forward(part, part, c.end-c.start, T)
			if err != nil {
				errs[i] = fmt.Errorf("device %d forward: %w", i, err)
				return
			}
			if err := replica.Backward(replicaScale); err != nil {
				errs[i] = fmt.Errorf("device %d backward: %w", i, err)
				return
			}
			losses[i] = loss
		}(i, c)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	grads := r.primary.Gradients()
	dst := blas32.Vector{N: len(grads), Inc: 1, Data: grads}
	var sum float32
	for i := range chunks {
		g := r.replicas[i].Gradients()
		blas32.Axpy(1, blas32.Vector{N: len(g), Inc: 1, Data: g}, dst)
		sum += losses[i]
	}
	return sum / float32(len(chunks)), nil
}

type chunk struct{ start, end int }

// split divides B rows into at most n contiguous non-empty chunks, the first
// B%n of them one row longer.
func split(B, n int) []chunk {
	n = min(n, B)
	out := make([]chunk, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := B / n
		if i < B%n {
			size++
		}
		out = append(out, chunk{start: start, end: start + size})
		start += size
	}
	return out
}

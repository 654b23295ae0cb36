package optim

import "gonum.org/v1/gonum/blas/blas32"

// ClipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(grads []float32, maxNorm float64) float64 {
	if len(grads) == 0 {
		return 0
	}
	vec := blas32.Vector{N: len(grads), Inc: 1, Data: grads}
	norm := float64(blas32.Nrm2(vec))
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		blas32.Scal(float32(coef), vec)
	}
	return norm
}

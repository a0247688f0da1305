package training

import (
	"math"

	"github.com/vishalbelsare/ptgnn/tensor"
)

// ClipGradNorm rescales the gradients of params so their global L2 norm does
// not exceed maxNorm, and returns the norm measured before clipping.
// Gradients must already be unscaled.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	var sumSquares float64
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, g := range p.Grad {
			sumSquares += float64(g) * float64(g)
		}
	}
	totalNorm := math.Sqrt(sumSquares)

	if totalNorm > maxNorm {
		factor := float32(maxNorm / (totalNorm + 1e-6))
		for _, p := range params {
			if p.Grad == nil {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= factor
			}
		}
	}
	return totalNorm
}

package training

import (
	"github.com/vishalbelsare/ptgnn/optimizer"
	"github.com/vishalbelsare/ptgnn/tensor"
)

const (
	defaultInitScale      = 65536.0
	defaultGrowthFactor   = 2.0
	defaultBackoffFactor  = 0.5
	defaultGrowthInterval = 2000
)

// GradScaler implements dynamic loss scaling for mixed precision training.
// The loss is scaled up before the backward pass so small gradients survive
// reduced precision, gradients are unscaled before the optimizer step, and
// steps that produced non-finite gradients are skipped while the scale backs
// off. When disabled the scaler is a transparent passthrough.
//
// In data-parallel training gradients are averaged across processes before
// the overflow check, so every process observes the same gradients and makes
// the same skip decision.
type GradScaler struct {
	enabled       bool
	scale         float64
	growthFactor  float64
	backoffFactor float64
	growthWindow  int
	goodSteps     int
	foundOverflow bool
	unscaled      bool
}

// NewGradScaler returns a scaler with the standard dynamic scaling schedule.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:       enabled,
		scale:         defaultInitScale,
		growthFactor:  defaultGrowthFactor,
		backoffFactor: defaultBackoffFactor,
		growthWindow:  defaultGrowthInterval,
	}
}

// Enabled reports whether dynamic scaling is active.
func (gs *GradScaler) Enabled() bool {
	return gs.enabled
}

// Scale returns the factor the backward pass should multiply the loss by.
func (gs *GradScaler) Scale() float32 {
	if !gs.enabled {
		return 1
	}
	return float32(gs.scale)
}

// Unscale divides the accumulated gradients by the current scale. It is
// idempotent within a step: gradient clipping calls it explicitly, and Step
// calls it for steps that do not clip.
func (gs *GradScaler) Unscale(params []*tensor.Tensor) {
	if !gs.enabled || gs.unscaled {
		return
	}
	inv := float32(1 / gs.scale)
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
	}
	gs.unscaled = true
}

// Step unscales gradients if needed, then applies the optimizer step unless
// any gradient is non-finite. It returns true when the step was skipped due
// to overflow.
func (gs *GradScaler) Step(opt optimizer.Optimizer, params []*tensor.Tensor) (bool, error) {
	gs.Unscale(params)
	if gs.enabled {
		for _, p := range params {
			if !p.HasFiniteGrad() {
				gs.foundOverflow = true
				return true, nil
			}
		}
	}
	if err := opt.Step(params); err != nil {
		return false, err
	}
	return false, nil
}

// Update adjusts the scale after a step: backoff on overflow, growth after a
// window of clean steps. It also rearms Unscale for the next step.
func (gs *GradScaler) Update() {
	if gs.enabled {
		if gs.foundOverflow {
			gs.scale *= gs.backoffFactor
			gs.goodSteps = 0
		} else {
			gs.goodSteps++
			if gs.goodSteps >= gs.growthWindow {
				gs.scale *= gs.growthFactor
				gs.goodSteps = 0
			}
		}
	}
	gs.foundOverflow = false
	gs.unscaled = false
}

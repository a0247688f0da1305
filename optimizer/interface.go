package optimizer

import (
	"fmt"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// Optimizer defines the common interface for all optimizers. The numerical
// update rule is a pluggable strategy behind a uniform step contract; state
// save/restore exists for checkpoint functionality.
type Optimizer interface {
	// Step applies one optimization step using the gradients accumulated on
	// the given parameters.
	Step(params []*tensor.Tensor) error

	// ZeroGrad clears accumulated gradients on the given parameters.
	ZeroGrad(params []*tensor.Tensor)

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate updates the learning rate (used by schedulers).
	SetLearningRate(lr float64)

	// StepCount returns the number of optimization steps applied so far.
	StepCount() uint64

	// State extracts optimizer state for checkpointing.
	State() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error
}

// validateStateType ensures a restored state matches the optimizer kind.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

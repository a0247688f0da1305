package optimizer

import (
	"fmt"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// weight decay and Nesterov acceleration.
type SGD struct {
	config    SGDConfig
	momentum  map[int][]float32 // per parameter index
	stepCount uint64
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a non-zero momentum coefficient")
	}
	return &SGD{
		config:   config,
		momentum: make(map[int][]float32),
	}, nil
}

// Step applies one SGD update to every parameter with accumulated gradients.
func (s *SGD) Step(params []*tensor.Tensor) error {
	lr := float32(s.config.LearningRate)
	mu := float32(s.config.Momentum)
	wd := float32(s.config.WeightDecay)

	for i, param := range params {
		if !param.RequiresGrad() {
			continue
		}
		if len(param.Grad) != len(param.Data) {
			return fmt.Errorf("parameter %d has gradient length %d, expected %d", i, len(param.Grad), len(param.Data))
		}

		var buf []float32
		if mu > 0 {
			buf = s.momentum[i]
			if buf == nil {
				buf = make([]float32, len(param.Data))
				s.momentum[i] = buf
			}
		}

		for j := range param.Data {
			grad := param.Grad[j]
			if wd > 0 {
				grad += wd * param.Data[j]
			}
			if mu > 0 {
				buf[j] = mu*buf[j] + grad
				if s.config.Nesterov {
					grad += mu * buf[j]
				} else {
					grad = buf[j]
				}
			}
			param.Data[j] -= lr * grad
		}
	}

	s.stepCount++
	return nil
}

// ZeroGrad clears the gradients of every trainable parameter.
func (s *SGD) ZeroGrad(params []*tensor.Tensor) {
	for _, param := range params {
		param.ZeroGrad()
	}
}

func (s *SGD) LearningRate() float64 {
	return s.config.LearningRate
}

func (s *SGD) SetLearningRate(lr float64) {
	s.config.LearningRate = lr
}

func (s *SGD) StepCount() uint64 {
	return s.stepCount
}

// State extracts SGD state for checkpointing.
func (s *SGD) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
			"step_count":    s.stepCount,
		},
	}
	for i, buf := range s.momentum {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     []int{len(buf)},
			Data:      append([]float32(nil), buf...),
			StateType: "momentum",
		})
	}
	return state, nil
}

// LoadState restores SGD state from a checkpoint.
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	s.momentum = make(map[int][]float32)
	for _, st := range state.StateData {
		var idx int
		if _, err := fmt.Sscanf(st.Name, "momentum_%d", &idx); err != nil {
			return fmt.Errorf("unexpected SGD state tensor %q", st.Name)
		}
		s.momentum[idx] = append([]float32(nil), st.Data...)
	}
	if raw, ok := state.Parameters["step_count"]; ok {
		switch v := raw.(type) {
		case uint64:
			s.stepCount = v
		case float64: // JSON round-trip
			s.stepCount = uint64(v)
		}
	}
	return nil
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	config    AdamConfig
	m         map[int][]float32 // first moment, per parameter index
	v         map[int][]float32 // second moment, per parameter index
	stepCount uint64
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in (0, 1), got %f", config.Beta1)
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in (0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %f", config.WeightDecay)
	}
	return &Adam{
		config: config,
		m:      make(map[int][]float32),
		v:      make(map[int][]float32),
	}, nil
}

// Step applies one Adam update to every parameter with accumulated gradients.
func (a *Adam) Step(params []*tensor.Tensor) error {
	a.stepCount++
	step := float64(a.stepCount)
	biasCorrection1 := 1.0 - math.Pow(a.config.Beta1, step)
	biasCorrection2 := 1.0 - math.Pow(a.config.Beta2, step)

	beta1 := float32(a.config.Beta1)
	beta2 := float32(a.config.Beta2)
	wd := float32(a.config.WeightDecay)

	for i, param := range params {
		if !param.RequiresGrad() {
			continue
		}
		if len(param.Grad) != len(param.Data) {
			return fmt.Errorf("parameter %d has gradient length %d, expected %d", i, len(param.Grad), len(param.Data))
		}

		m := a.m[i]
		v := a.v[i]
		if m == nil {
			m = make([]float32, len(param.Data))
			v = make([]float32, len(param.Data))
			a.m[i] = m
			a.v[i] = v
		}

		for j := range param.Data {
			grad := param.Grad[j]
			if wd > 0 {
				grad += wd * param.Data[j]
			}
			m[j] = beta1*m[j] + (1-beta1)*grad
			v[j] = beta2*v[j] + (1-beta2)*grad*grad

			mHat := float64(m[j]) / biasCorrection1
			vHat := float64(v[j]) / biasCorrection2
			param.Data[j] -= float32(a.config.LearningRate * mHat / (math.Sqrt(vHat) + a.config.Epsilon))
		}
	}
	return nil
}

// ZeroGrad clears the gradients of every trainable parameter.
func (a *Adam) ZeroGrad(params []*tensor.Tensor) {
	for _, param := range params {
		param.ZeroGrad()
	}
}

func (a *Adam) LearningRate() float64 {
	return a.config.LearningRate
}

func (a *Adam) SetLearningRate(lr float64) {
	a.config.LearningRate = lr
}

func (a *Adam) StepCount() uint64 {
	return a.stepCount
}

// State extracts Adam state for checkpointing.
func (a *Adam) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
	}
	for i, buf := range a.m {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("m_%d", i),
			Shape:     []int{len(buf)},
			Data:      append([]float32(nil), buf...),
			StateType: "m",
		})
	}
	for i, buf := range a.v {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("v_%d", i),
			Shape:     []int{len(buf)},
			Data:      append([]float32(nil), buf...),
			StateType: "v",
		})
	}
	return state, nil
}

// LoadState restores Adam state from a checkpoint.
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	a.m = make(map[int][]float32)
	a.v = make(map[int][]float32)
	for _, st := range state.StateData {
		var idx int
		switch st.StateType {
		case "m":
			if _, err := fmt.Sscanf(st.Name, "m_%d", &idx); err != nil {
				return fmt.Errorf("unexpected Adam state tensor %q", st.Name)
			}
			a.m[idx] = append([]float32(nil), st.Data...)
		case "v":
			if _, err := fmt.Sscanf(st.Name, "v_%d", &idx); err != nil {
				return fmt.Errorf("unexpected Adam state tensor %q", st.Name)
			}
			a.v[idx] = append([]float32(nil), st.Data...)
		default:
			return fmt.Errorf("unexpected Adam state type %q", st.StateType)
		}
	}
	if raw, ok := state.Parameters["step_count"]; ok {
		switch v := raw.(type) {
		case uint64:
			a.stepCount = v
		case float64: // JSON round-trip
			a.stepCount = uint64(v)
		}
	}
	return nil
}

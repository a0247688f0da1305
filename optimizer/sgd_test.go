package optimizer

import (
	"math"
	"testing"

	"github.com/vishalbelsare/ptgnn/tensor"
)

func newParam(t *testing.T, data []float32, grad []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{len(data)}, data)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)
	copy(p.Grad, grad)
	return p
}

func TestNewSGDValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    SGDConfig
		expectErr bool
	}{
		{"default", DefaultSGDConfig(), false},
		{"vanilla", SGDConfig{LearningRate: 0.1}, false},
		{"zero learning rate", SGDConfig{LearningRate: 0}, true},
		{"negative learning rate", SGDConfig{LearningRate: -0.1}, true},
		{"momentum too large", SGDConfig{LearningRate: 0.1, Momentum: 1.0}, true},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}, true},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}, true},
	}

	for _, tt := range tests {
		_, err := NewSGD(tt.config)
		if tt.expectErr && err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
		if !tt.expectErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
	}
}

func TestSGDVanillaStep(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("failed to create SGD: %v", err)
	}

	param := newParam(t, []float32{1.0, -2.0}, []float32{0.5, -1.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	expected := []float32{0.95, -1.9}
	for i, want := range expected {
		if math.Abs(float64(param.Data[i]-want)) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, want, param.Data[i])
		}
	}
	if sgd.StepCount() != 1 {
		t.Errorf("expected step count 1, got %d", sgd.StepCount())
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("failed to create SGD: %v", err)
	}

	param := newParam(t, []float32{0.0}, []float32{1.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	// buf = 1.0, update = -0.1
	if math.Abs(float64(param.Data[0]+0.1)) > 1e-6 {
		t.Fatalf("after first step expected -0.1, got %f", param.Data[0])
	}

	copy(param.Grad, []float32{1.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	// buf = 0.9*1.0 + 1.0 = 1.9, update = -0.19
	if math.Abs(float64(param.Data[0]+0.29)) > 1e-6 {
		t.Errorf("after second step expected -0.29, got %f", param.Data[0])
	}
}

func TestSGDWeightDecay(t *testing.T) {
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5})
	if err != nil {
		t.Fatalf("failed to create SGD: %v", err)
	}

	param := newParam(t, []float32{2.0}, []float32{0.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	// grad = 0 + 0.5*2.0 = 1.0, update = -0.1
	if math.Abs(float64(param.Data[0]-1.9)) > 1e-6 {
		t.Errorf("expected 1.9, got %f", param.Data[0])
	}
}

func TestSGDSkipsFrozenParams(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1})
	frozen, err := tensor.New([]int{1}, []float32{5.0})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}

	if err := sgd.Step([]*tensor.Tensor{frozen}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if frozen.Data[0] != 5.0 {
		t.Errorf("frozen parameter changed: %f", frozen.Data[0])
	}
}

func TestSGDZeroGrad(t *testing.T) {
	sgd, _ := NewSGD(DefaultSGDConfig())
	param := newParam(t, []float32{1.0}, []float32{3.0})

	sgd.ZeroGrad([]*tensor.Tensor{param})
	if param.Grad[0] != 0 {
		t.Errorf("gradient not cleared: %f", param.Grad[0])
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	param := newParam(t, []float32{0.0}, []float32{1.0})
	if err := sgd.Step([]*tensor.Tensor{param}); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	state, err := sgd.State()
	if err != nil {
		t.Fatalf("failed to extract state: %v", err)
	}

	restored, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("failed to load state: %v", err)
	}

	// Both optimizers must now produce the same update.
	original := newParam(t, []float32{0.5}, []float32{1.0})
	copied := newParam(t, []float32{0.5}, []float32{1.0})
	if err := sgd.Step([]*tensor.Tensor{original}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if err := restored.Step([]*tensor.Tensor{copied}); err != nil {
		t.Fatalf("restored step failed: %v", err)
	}
	if math.Abs(float64(original.Data[0]-copied.Data[0])) > 1e-7 {
		t.Errorf("restored optimizer diverged: %f vs %f", original.Data[0], copied.Data[0])
	}

	// Loading mismatched state must fail.
	state.Type = "Adam"
	if err := restored.LoadState(state); err == nil {
		t.Error("expected state type mismatch error")
	}
}

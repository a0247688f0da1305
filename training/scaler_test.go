package training

import (
	"math"
	"testing"

	"github.com/vishalbelsare/ptgnn/optimizer"
	"github.com/vishalbelsare/ptgnn/tensor"
)

func TestGradScalerDisabledIsPassthrough(t *testing.T) {
	gs := NewGradScaler(false)
	if gs.Scale() != 1 {
		t.Errorf("disabled scale = %v, want 1", gs.Scale())
	}

	p := gradTensor(t, 2.0)
	gs.Unscale([]*tensor.Tensor{p})
	if p.Grad[0] != 2.0 {
		t.Errorf("disabled Unscale changed gradient to %v", p.Grad[0])
	}
}

func TestGradScalerUnscaleDividesOnce(t *testing.T) {
	gs := NewGradScaler(true)
	scale := gs.Scale()
	p := gradTensor(t, scale*3)

	params := []*tensor.Tensor{p}
	gs.Unscale(params)
	if math.Abs(float64(p.Grad[0])-3) > 1e-4 {
		t.Fatalf("unscaled gradient = %v, want 3", p.Grad[0])
	}

	// A second call within the same step must not divide again.
	gs.Unscale(params)
	if math.Abs(float64(p.Grad[0])-3) > 1e-4 {
		t.Errorf("repeated Unscale changed gradient to %v", p.Grad[0])
	}
}

func TestGradScalerSkipsOverflowAndBacksOff(t *testing.T) {
	gs := NewGradScaler(true)
	before := gs.Scale()

	p := gradTensor(t, float32(math.Inf(1)))
	opt, err := optimizer.NewSGD(optimizer.DefaultSGDConfig())
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}

	weight := p.Data[0]
	skipped, err := gs.Step(opt, []*tensor.Tensor{p})
	if err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if !skipped {
		t.Fatal("expected the step to be skipped on overflow")
	}
	if p.Data[0] != weight {
		t.Errorf("weight changed on a skipped step: %v -> %v", weight, p.Data[0])
	}

	gs.Update()
	if gs.Scale() >= before {
		t.Errorf("scale did not back off after overflow: %v -> %v", before, gs.Scale())
	}
}

func TestGradScalerGrowsAfterCleanWindow(t *testing.T) {
	gs := NewGradScaler(true)
	before := gs.Scale()

	for i := 0; i < defaultGrowthInterval; i++ {
		gs.Update()
	}
	if math.Abs(float64(gs.Scale())-float64(before)*defaultGrowthFactor) > 1 {
		t.Errorf("scale after clean window = %v, want %v", gs.Scale(), float64(before)*defaultGrowthFactor)
	}
}

func TestGradScalerStepAppliesOptimizer(t *testing.T) {
	gs := NewGradScaler(true)
	scale := gs.Scale()

	p := gradTensor(t, scale*1.0)
	p.Data[0] = 1.0

	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}

	skipped, err := gs.Step(opt, []*tensor.Tensor{p})
	if err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if skipped {
		t.Fatal("finite gradients must not be skipped")
	}
	// Unscaled gradient is 1.0, so SGD moves the weight by -0.1.
	if math.Abs(float64(p.Data[0])-0.9) > 1e-4 {
		t.Errorf("weight after step = %v, want 0.9", p.Data[0])
	}
}

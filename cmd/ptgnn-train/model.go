package main

import (
	"fmt"
	"math/rand"

	"github.com/vishalbelsare/ptgnn/tensor"
	"github.com/vishalbelsare/ptgnn/training"
)

// regressionModule is a linear model y = w.x + b trained with mean squared
// error. It exists to exercise the training loop end to end.
type regressionModule struct {
	w *tensor.Tensor
	b *tensor.Tensor

	lastBatch *training.Batch
	lastDiffs []float32
	training  bool

	sumLoss   float64
	numLosses int
}

func newRegressionModule(features int, seed int64) *regressionModule {
	rng := rand.New(rand.NewSource(seed + 1))
	wData := make([]float32, features)
	for i := range wData {
		wData[i] = float32(rng.NormFloat64()) * 0.01
	}
	w, _ := tensor.New([]int{features}, wData)
	w.Name = "weight"
	w.SetRequiresGrad(true)

	b, _ := tensor.New([]int{1}, []float32{0})
	b.Name = "bias"
	b.SetRequiresGrad(true)

	return &regressionModule{w: w, b: b, training: true}
}

func (m *regressionModule) Forward(batch *training.Batch) (float32, error) {
	features := m.w.NumElements()
	if batch.Data.NumElements() != batch.Size*features {
		return 0, fmt.Errorf("batch has %d feature values, want %d", batch.Data.NumElements(), batch.Size*features)
	}

	diffs := make([]float32, batch.Size)
	var loss float32
	n := float32(batch.Size)
	for i := 0; i < batch.Size; i++ {
		pred := m.b.Data[0]
		row := batch.Data.Data[i*features : (i+1)*features]
		for j, x := range row {
			pred += m.w.Data[j] * x
		}
		diff := pred - batch.Labels.Data[i]
		diffs[i] = diff
		loss += diff * diff / n
	}

	if m.training {
		m.lastBatch = batch
		m.lastDiffs = diffs
	}
	m.sumLoss += float64(loss)
	m.numLosses++
	return loss, nil
}

func (m *regressionModule) Backward(gradScale float32) error {
	if m.lastBatch == nil {
		return fmt.Errorf("backward called before forward")
	}
	features := m.w.NumElements()
	n := float32(m.lastBatch.Size)
	for i, diff := range m.lastDiffs {
		row := m.lastBatch.Data.Data[i*features : (i+1)*features]
		g := gradScale * 2 * diff / n
		for j, x := range row {
			m.w.Grad[j] += g * x
		}
		m.b.Grad[0] += g
	}
	m.lastBatch = nil
	return nil
}

func (m *regressionModule) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.w, m.b}
}

func (m *regressionModule) ReportMetrics() map[string]float64 {
	metrics := map[string]float64{}
	if m.numLosses > 0 {
		metrics["mse"] = m.sumLoss / float64(m.numLosses)
	}
	m.sumLoss = 0
	m.numLosses = 0
	return metrics
}

func (m *regressionModule) Train()           { m.training = true }
func (m *regressionModule) Eval()            { m.training = false }
func (m *regressionModule) IsTraining() bool { return m.training }

// syntheticData draws a random ground-truth linear model and samples noisy
// observations from it, split 80/20 into training and validation.
func syntheticData(samples, features int, seed int64) (training.Dataset, training.Dataset, error) {
	rng := rand.New(rand.NewSource(seed))

	trueW := make([]float32, features)
	for i := range trueW {
		trueW[i] = float32(rng.NormFloat64())
	}
	trueB := float32(rng.NormFloat64())

	makeSplit := func(n int) ([]*tensor.Tensor, []*tensor.Tensor, error) {
		feats := make([]*tensor.Tensor, n)
		targets := make([]*tensor.Tensor, n)
		for i := 0; i < n; i++ {
			row := make([]float32, features)
			y := trueB
			for j := range row {
				row[j] = float32(rng.NormFloat64())
				y += trueW[j] * row[j]
			}
			y += float32(rng.NormFloat64()) * 0.01

			f, err := tensor.New([]int{features}, row)
			if err != nil {
				return nil, nil, err
			}
			l, err := tensor.New([]int{1}, []float32{y})
			if err != nil {
				return nil, nil, err
			}
			feats[i] = f
			targets[i] = l
		}
		return feats, targets, nil
	}

	trainN := samples * 4 / 5
	trainF, trainT, err := makeSplit(trainN)
	if err != nil {
		return nil, nil, err
	}
	validF, validT, err := makeSplit(samples - trainN)
	if err != nil {
		return nil, nil, err
	}

	trainDS, err := training.NewTensorDataset(trainF, trainT)
	if err != nil {
		return nil, nil, err
	}
	validDS, err := training.NewTensorDataset(validF, validT)
	if err != nil {
		return nil, nil, err
	}
	return trainDS, validDS, nil
}

package training

import (
	"context"
	"fmt"

	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// Communicator is the collective surface the training loop depends on. It is
// satisfied by *distributed.ProcessGroup; single-process runs use
// LocalCommunicator.
type Communicator interface {
	Rank() int
	WorldSize() int
	AllReduce(ctx context.Context, values []float64, op distributed.Op) error
}

// LocalCommunicator is the degenerate single-process communicator: rank 0 in
// a world of one, with collectives as no-ops.
type LocalCommunicator struct{}

func (LocalCommunicator) Rank() int      { return 0 }
func (LocalCommunicator) WorldSize() int { return 1 }
func (LocalCommunicator) AllReduce(ctx context.Context, values []float64, op distributed.Op) error {
	return nil
}

// DataParallel wraps a Module so each backward pass averages gradients
// across all processes. Forward and state methods delegate to the wrapped
// module; Backward additionally synchronizes gradients, so the subsequent
// optimizer step sees identical gradients on every rank.
type DataParallel struct {
	module Module
	comm   Communicator
}

// NewDataParallel wraps module for gradient-synchronized training over comm.
func NewDataParallel(module Module, comm Communicator) (*DataParallel, error) {
	if module == nil {
		return nil, fmt.Errorf("%w: module is nil", ErrConfiguration)
	}
	if comm == nil {
		return nil, fmt.Errorf("%w: communicator is nil", ErrConfiguration)
	}
	return &DataParallel{module: module, comm: comm}, nil
}

// Module returns the wrapped module.
func (dp *DataParallel) Module() Module {
	return dp.module
}

func (dp *DataParallel) Forward(batch *Batch) (float32, error) {
	return dp.module.Forward(batch)
}

// Backward runs the wrapped backward pass, then all-reduces the gradients
// and divides by the world size.
func (dp *DataParallel) Backward(gradScale float32) error {
	return dp.BackwardContext(context.Background(), gradScale)
}

// BackwardContext is Backward with the caller's context governing the
// gradient synchronization collective.
func (dp *DataParallel) BackwardContext(ctx context.Context, gradScale float32) error {
	if err := dp.module.Backward(gradScale); err != nil {
		return err
	}
	return dp.syncGradients(ctx)
}

// syncGradients flattens every gradient into one buffer, sums it across the
// group with a single collective, and writes back the per-rank average.
func (dp *DataParallel) syncGradients(ctx context.Context) error {
	world := dp.comm.WorldSize()
	if world <= 1 {
		return nil
	}

	params := dp.module.Parameters()
	total := 0
	for _, p := range params {
		if p.Grad != nil {
			total += len(p.Grad)
		}
	}
	if total == 0 {
		return nil
	}

	flat := make([]float64, total)
	off := 0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, g := range p.Grad {
			flat[off] = float64(g)
			off++
		}
	}

	if err := dp.comm.AllReduce(ctx, flat, distributed.OpSum); err != nil {
		return fmt.Errorf("%w: failed to synchronize gradients: %v", ErrCollective, err)
	}

	inv := 1 / float64(world)
	off = 0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] = float32(flat[off] * inv)
			off++
		}
	}
	return nil
}

func (dp *DataParallel) Parameters() []*tensor.Tensor {
	return dp.module.Parameters()
}

func (dp *DataParallel) ReportMetrics() map[string]float64 {
	return dp.module.ReportMetrics()
}

func (dp *DataParallel) Train() { dp.module.Train() }

func (dp *DataParallel) Eval() { dp.module.Eval() }

func (dp *DataParallel) IsTraining() bool { return dp.module.IsTraining() }

package optimizer

import (
	"context"
	"fmt"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// ZeroRedundancy shards optimizer state across the ranks of a process group.
// Each rank owns the parameters whose index is congruent to its rank modulo
// the world size, steps only those, and then broadcasts the updated values so
// every replica applies the identical global update. Combined with gradient
// averaging this reproduces a full-state optimizer while each rank holds only
// 1/world_size of the optimizer state.
type ZeroRedundancy struct {
	inner Optimizer
	pg    *distributed.ProcessGroup
}

// NewZeroRedundancy wraps an optimizer with state sharding over pg.
func NewZeroRedundancy(inner Optimizer, pg *distributed.ProcessGroup) (*ZeroRedundancy, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner optimizer must not be nil")
	}
	if pg == nil {
		return nil, fmt.Errorf("process group must not be nil")
	}
	return &ZeroRedundancy{inner: inner, pg: pg}, nil
}

// owned reports whether this rank's shard contains parameter index i.
func (z *ZeroRedundancy) owned(i int) bool {
	return i%z.pg.WorldSize() == z.pg.Rank()
}

// Step updates this rank's owned parameters and broadcasts every trainable
// parameter from its owning rank. All ranks must call Step with identically
// ordered parameter lists; the broadcasts are collective operations.
func (z *ZeroRedundancy) Step(params []*tensor.Tensor) error {
	ownedParams := make([]*tensor.Tensor, 0, (len(params)+z.pg.WorldSize()-1)/z.pg.WorldSize())
	for i, param := range params {
		if z.owned(i) {
			ownedParams = append(ownedParams, param)
		}
	}
	if err := z.inner.Step(ownedParams); err != nil {
		return fmt.Errorf("sharded optimizer step failed: %v", err)
	}

	ctx := context.Background()
	buf := make([]float64, 0)
	for i, param := range params {
		if !param.RequiresGrad() {
			continue
		}
		root := i % z.pg.WorldSize()

		buf = buf[:0]
		for _, v := range param.Data {
			buf = append(buf, float64(v))
		}
		if err := z.pg.Broadcast(ctx, root, buf); err != nil {
			return fmt.Errorf("failed to broadcast parameter %d from rank %d: %v", i, root, err)
		}
		for j, v := range buf {
			param.Data[j] = float32(v)
		}
	}
	return nil
}

// ZeroGrad clears the gradients of every trainable parameter on this rank.
func (z *ZeroRedundancy) ZeroGrad(params []*tensor.Tensor) {
	z.inner.ZeroGrad(params)
}

func (z *ZeroRedundancy) LearningRate() float64 {
	return z.inner.LearningRate()
}

func (z *ZeroRedundancy) SetLearningRate(lr float64) {
	z.inner.SetLearningRate(lr)
}

func (z *ZeroRedundancy) StepCount() uint64 {
	return z.inner.StepCount()
}

// State extracts this rank's shard of the optimizer state.
func (z *ZeroRedundancy) State() (*checkpoints.OptimizerState, error) {
	return z.inner.State()
}

// LoadState restores this rank's shard of the optimizer state.
func (z *ZeroRedundancy) LoadState(state *checkpoints.OptimizerState) error {
	return z.inner.LoadState(state)
}

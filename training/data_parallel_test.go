package training

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vishalbelsare/ptgnn/distributed"
)

// failingComm reports a multi-rank world but fails every collective.
type failingComm struct{}

func (failingComm) Rank() int      { return 0 }
func (failingComm) WorldSize() int { return 2 }
func (failingComm) AllReduce(ctx context.Context, values []float64, op distributed.Op) error {
	return fmt.Errorf("connection reset")
}

func TestNewDataParallelValidation(t *testing.T) {
	if _, err := NewDataParallel(nil, LocalCommunicator{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil module: got %v", err)
	}
	module := newScriptedModule(t, 1.0, 1)
	if _, err := NewDataParallel(module, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil communicator: got %v", err)
	}
}

func TestDataParallelSingleProcessSkipsSync(t *testing.T) {
	module := newLinearModule(t, 1.0)
	dp, err := NewDataParallel(module, LocalCommunicator{})
	if err != nil {
		t.Fatal(err)
	}

	data := lineDataset(t, 2, 1.0)
	loader, err := NewDataLoader(data, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	loader.Reset(0)
	batch, err := loader.Next()
	if err != nil || batch == nil {
		t.Fatalf("failed to get a batch: %v", err)
	}

	if _, err := dp.Forward(batch); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := dp.Backward(1); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

// recordingComm captures the context handed to its collectives.
type recordingComm struct {
	ctx context.Context
}

func (*recordingComm) Rank() int      { return 0 }
func (*recordingComm) WorldSize() int { return 2 }
func (c *recordingComm) AllReduce(ctx context.Context, values []float64, op distributed.Op) error {
	c.ctx = ctx
	return nil
}

func TestDataParallelBackwardUsesCallerContext(t *testing.T) {
	module := newLinearModule(t, 1.0)
	comm := &recordingComm{}
	dp, err := NewDataParallel(module, comm)
	if err != nil {
		t.Fatal(err)
	}

	data := lineDataset(t, 2, 1.0)
	loader, err := NewDataLoader(data, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	loader.Reset(0)
	batch, err := loader.Next()
	if err != nil || batch == nil {
		t.Fatalf("failed to get a batch: %v", err)
	}
	if _, err := dp.Forward(batch); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "run")
	if err := backward(ctx, dp, 1); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if comm.ctx != ctx {
		t.Error("gradient sync did not receive the caller's context")
	}
}

func TestDataParallelBackwardSurfacesCollectiveFailure(t *testing.T) {
	module := newLinearModule(t, 1.0)
	dp, err := NewDataParallel(module, failingComm{})
	if err != nil {
		t.Fatal(err)
	}

	data := lineDataset(t, 2, 1.0)
	loader, err := NewDataLoader(data, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	loader.Reset(0)
	batch, err := loader.Next()
	if err != nil || batch == nil {
		t.Fatalf("failed to get a batch: %v", err)
	}

	if _, err := dp.Forward(batch); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := dp.Backward(1); !errors.Is(err, ErrCollective) {
		t.Errorf("expected collective error, got %v", err)
	}
}

package training

import (
	"github.com/vishalbelsare/ptgnn/tensor"
)

// Batch is one tensorized minibatch. Size records how many raw samples the
// batch carries, which may be smaller than the configured minibatch size for
// a trailing partial batch.
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
	Size   int
}

// Module is a trainable model replica. Forward computes the minibatch loss,
// Backward accumulates gradients for the preceding forward pass scaled by
// gradScale, and Parameters exposes the learnable tensors in a stable order
// that is identical across processes.
type Module interface {
	// Forward runs the model on a minibatch and returns the scalar loss.
	// In evaluation mode implementations must not record state needed for
	// a subsequent Backward call.
	Forward(batch *Batch) (float32, error)

	// Backward accumulates gradients of gradScale*loss into the Grad
	// buffers of the parameters. gradScale is 1 when mixed precision is
	// disabled.
	Backward(gradScale float32) error

	// Parameters returns the learnable tensors. The order must be
	// deterministic: gradient synchronization and optimizer state
	// sharding both key parameters by position.
	Parameters() []*tensor.Tensor

	// ReportMetrics returns metrics accumulated since the last call and
	// resets the accumulators.
	ReportMetrics() map[string]float64

	Train()
	Eval()
	IsTraining() bool
}

// MetadataInitializer is implemented by modules that derive vocabulary or
// other dataset-dependent metadata before training starts. The orchestrator
// invokes it exactly once, before worker processes are spawned, over a
// single-shard view of the training data.
type MetadataInitializer interface {
	InitializeMetadata(training Dataset) error
}

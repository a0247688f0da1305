package training

import (
	"fmt"
	"math/rand"

	"github.com/vishalbelsare/ptgnn/tensor"
)

// Dataset provides random access to tensorized samples. Implementations must
// be safe for concurrent reads.
type Dataset interface {
	Len() int
	// Get returns the feature and label tensors for one sample. All
	// samples must share the same feature shape and label shape.
	Get(idx int) (data, label *tensor.Tensor, err error)
}

// DataLoaderConfig controls batching and sharding behavior.
type DataLoaderConfig struct {
	BatchSize int
	// Shuffle reorders the shard's samples each epoch using a seed
	// derived from Seed and the epoch index, so reshuffles are
	// reproducible across runs.
	Shuffle bool
	// AllowPartial emits a final batch smaller than BatchSize instead of
	// dropping the trailing samples. Validation loaders enable this so
	// every sample is scored; training loaders typically drop the
	// remainder to keep step counts aligned across processes.
	AllowPartial bool
	Seed         int64
	// Rank and WorldSize select a strided shard of the dataset: this
	// loader yields samples whose index modulo WorldSize equals Rank.
	// A WorldSize of 0 or 1 disables sharding.
	Rank      int
	WorldSize int
}

// DataLoader iterates a (possibly sharded) dataset in minibatches.
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	indices []int
	cursor  int
}

// NewDataLoader validates the configuration and builds the shard index.
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("%w: dataset is nil", ErrConfiguration)
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, config.BatchSize)
	}
	if config.WorldSize < 0 || (config.WorldSize > 0 && (config.Rank < 0 || config.Rank >= config.WorldSize)) {
		return nil, fmt.Errorf("%w: rank %d is out of range for world size %d", ErrConfiguration, config.Rank, config.WorldSize)
	}

	world := config.WorldSize
	if world == 0 {
		world = 1
	}
	var indices []int
	for i := config.Rank % world; i < dataset.Len(); i += world {
		indices = append(indices, i)
	}

	return &DataLoader{
		dataset: dataset,
		config:  config,
		indices: indices,
	}, nil
}

// NumSamples returns the number of samples in this loader's shard.
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// NumBatches returns how many batches one full pass yields.
func (dl *DataLoader) NumBatches() int {
	if dl.config.AllowPartial {
		return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
	}
	return len(dl.indices) / dl.config.BatchSize
}

// Reset rewinds the loader for a new pass, reshuffling if configured. The
// epoch index feeds the shuffle seed so every epoch sees a distinct but
// reproducible order.
func (dl *DataLoader) Reset(epoch int) {
	dl.cursor = 0
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(epoch)))
		rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch, or (nil, nil) when the pass is exhausted.
func (dl *DataLoader) Next() (*Batch, error) {
	remaining := len(dl.indices) - dl.cursor
	if remaining <= 0 {
		return nil, nil
	}
	size := dl.config.BatchSize
	if remaining < size {
		if !dl.config.AllowPartial {
			return nil, nil
		}
		size = remaining
	}

	batchIdx := dl.indices[dl.cursor : dl.cursor+size]
	dl.cursor += size
	return dl.assemble(batchIdx)
}

// assemble stacks the selected samples along a new leading batch axis.
func (dl *DataLoader) assemble(indices []int) (*Batch, error) {
	var data, labels *tensor.Tensor
	var dataElems, labelElems int

	for pos, idx := range indices {
		d, l, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if pos == 0 {
			dataElems = d.NumElements()
			labelElems = l.NumElements()
			var err error
			data, err = tensor.New(append([]int{len(indices)}, d.Shape...), make([]float32, len(indices)*dataElems))
			if err != nil {
				return nil, err
			}
			labels, err = tensor.New(append([]int{len(indices)}, l.Shape...), make([]float32, len(indices)*labelElems))
			if err != nil {
				return nil, err
			}
		}
		if d.NumElements() != dataElems || l.NumElements() != labelElems {
			return nil, fmt.Errorf("sample %d has inconsistent shape", idx)
		}
		copy(data.Data[pos*dataElems:(pos+1)*dataElems], d.Data)
		copy(labels.Data[pos*labelElems:(pos+1)*labelElems], l.Data)
	}

	return &Batch{Data: data, Labels: labels, Size: len(indices)}, nil
}

// TensorDataset is an in-memory Dataset backed by parallel slices of
// feature and label tensors.
type TensorDataset struct {
	Features []*tensor.Tensor
	Targets  []*tensor.Tensor
}

// NewTensorDataset pairs features with targets, failing on length mismatch.
func NewTensorDataset(features, targets []*tensor.Tensor) (*TensorDataset, error) {
	if len(features) != len(targets) {
		return nil, fmt.Errorf("feature count %d does not match target count %d", len(features), len(targets))
	}
	return &TensorDataset{Features: features, Targets: targets}, nil
}

func (d *TensorDataset) Len() int {
	return len(d.Features)
}

func (d *TensorDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.Features) {
		return nil, nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d.Features))
	}
	return d.Features[idx], d.Targets[idx], nil
}

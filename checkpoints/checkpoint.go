// Package checkpoints persists and restores model and optimizer state.
// During a distributed run only the coordinating rank writes checkpoints;
// the orchestrator reads the latest one back after all workers have exited.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vishalbelsare/ptgnn/tensor"
)

// Checkpoint represents a complete model state including weights, optimizer
// state, and training progress.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures training progress at save time.
type TrainingState struct {
	Epoch            int     `json:"epoch"`
	Step             uint64  `json:"step"`
	BestTargetMetric float64 `json:"best_target_metric"`
	TargetMetric     string  `json:"target_metric,omitempty"`
	WorldSize        int     `json:"world_size"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.).
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	Rank        int       `json:"rank"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving and restoring model checkpoints.
type CheckpointSaver struct {
	path string
}

// NewCheckpointSaver creates a checkpoint saver bound to a file path.
func NewCheckpointSaver(path string) *CheckpointSaver {
	return &CheckpointSaver{path: path}
}

// Path returns the file path the saver writes to.
func (cs *CheckpointSaver) Path() string {
	return cs.path
}

// Save writes the checkpoint as JSON. The write goes through a temp file and
// rename so the orchestrator never observes a torn checkpoint.
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "ptgnn"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}
	checkpoint.Metadata.CreatedAt = time.Now()

	dir := filepath.Dir(cs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(cs.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %v", err)
	}
	if err := os.Rename(tmp.Name(), cs.path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint back from disk.
func (cs *CheckpointSaver) Load() (*Checkpoint, error) {
	file, err := os.Open(cs.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights snapshots parameter tensors into serializable weights.
func ExtractWeights(params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		name := param.Name
		if name == "" {
			name = fmt.Sprintf("param_%d", i)
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), param.Shape...),
			Data:  append([]float32(nil), param.Data...),
		})
	}
	return weights
}

// LoadWeights copies saved weights back into parameter tensors. Tensors are
// matched by position; shapes must agree.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}
	for i, param := range params {
		weight := weights[i]
		if param.NumElements() != len(weight.Data) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, param.Shape, weight.Shape)
		}
		copy(param.Data, weight.Data)
	}
	return nil
}

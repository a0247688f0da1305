// Package config loads run configuration from YAML files and the
// environment. Values resolve in layers: built-in defaults, then the config
// file, then PTGNN_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PTGNN_"

// TrainingConfig mirrors the trainer hyperparameters.
type TrainingConfig struct {
	MaxEpochs                  int     `koanf:"max_epochs"`
	MinibatchSize              int     `koanf:"minibatch_size"`
	Patience                   int     `koanf:"patience"`
	EnableAMP                  bool    `koanf:"enable_amp"`
	ClipGradientNorm           float64 `koanf:"clip_gradient_norm"`
	TargetMetric               string  `koanf:"target_metric"`
	TargetMetricHigherIsBetter bool    `koanf:"target_metric_higher_is_better"`
	RunningAverageFactor       float64 `koanf:"running_average_factor"`
	Seed                       int64   `koanf:"seed"`
	ValidateOnStart            bool    `koanf:"validate_on_start"`
	InitializeMetadata         bool    `koanf:"initialize_metadata"`
	ShuffleTrainingData        bool    `koanf:"shuffle_training_data"`
}

// OptimizerConfig selects and tunes the per-process optimizer.
type OptimizerConfig struct {
	Type           string  `koanf:"type"`
	LearningRate   float64 `koanf:"learning_rate"`
	Momentum       float64 `koanf:"momentum"`
	WeightDecay    float64 `koanf:"weight_decay"`
	Nesterov       bool    `koanf:"nesterov"`
	ZeroRedundancy bool    `koanf:"zero_redundancy"`
}

// SchedulerConfig selects an optional learning rate schedule.
type SchedulerConfig struct {
	Type     string  `koanf:"type"`
	StepSize int     `koanf:"step_size"`
	Gamma    float64 `koanf:"gamma"`
	MinLR    float64 `koanf:"min_lr"`
}

// DistributedConfig describes the process group rendezvous.
type DistributedConfig struct {
	WorldSize      int    `koanf:"world_size"`
	MasterAddr     string `koanf:"master_addr"`
	MasterPort     int    `koanf:"master_port"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

// RunConfig is the root of the configuration tree.
type RunConfig struct {
	CheckpointPath string            `koanf:"checkpoint_path"`
	Training       TrainingConfig    `koanf:"training"`
	Optimizer      OptimizerConfig   `koanf:"optimizer"`
	Scheduler      SchedulerConfig   `koanf:"scheduler"`
	Distributed    DistributedConfig `koanf:"distributed"`
}

// Default returns the built-in configuration.
func Default() RunConfig {
	return RunConfig{
		CheckpointPath: "model.ckpt.json",
		Training: TrainingConfig{
			MaxEpochs:            100,
			MinibatchSize:        32,
			Patience:             5,
			RunningAverageFactor: 0.98,
			Seed:                 0,
			ShuffleTrainingData:  true,
		},
		Optimizer: OptimizerConfig{
			Type:         "adam",
			LearningRate: 0.001,
		},
		Distributed: DistributedConfig{
			WorldSize:      1,
			MasterAddr:     "127.0.0.1",
			MasterPort:     29500,
			TimeoutSeconds: 180,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path if
// path is non-empty, then PTGNN_* environment variables. Nested keys use
// a double underscore in the environment, e.g. PTGNN_TRAINING__MAX_EPOCHS.
func Load(path string) (RunConfig, error) {
	cfg := Default()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %v", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return cfg, fmt.Errorf("failed to load environment config: %v", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envKey maps PTGNN_TRAINING__MAX_EPOCHS to training.max_epochs.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// Validate rejects configurations that cannot start a run.
func (c RunConfig) Validate() error {
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint_path must not be empty")
	}
	if c.Training.MaxEpochs <= 0 {
		return fmt.Errorf("training.max_epochs must be positive, got %d", c.Training.MaxEpochs)
	}
	if c.Training.MinibatchSize <= 0 {
		return fmt.Errorf("training.minibatch_size must be positive, got %d", c.Training.MinibatchSize)
	}
	if c.Training.Patience < 0 {
		return fmt.Errorf("training.patience must be non-negative, got %d", c.Training.Patience)
	}
	if c.Training.ClipGradientNorm < 0 {
		return fmt.Errorf("training.clip_gradient_norm must be non-negative, got %v", c.Training.ClipGradientNorm)
	}
	if c.Training.RunningAverageFactor < 0 || c.Training.RunningAverageFactor >= 1 {
		return fmt.Errorf("training.running_average_factor must be in [0, 1), got %v", c.Training.RunningAverageFactor)
	}
	switch c.Optimizer.Type {
	case "sgd", "adam":
	default:
		return fmt.Errorf("optimizer.type must be sgd or adam, got %q", c.Optimizer.Type)
	}
	if c.Optimizer.LearningRate <= 0 {
		return fmt.Errorf("optimizer.learning_rate must be positive, got %v", c.Optimizer.LearningRate)
	}
	switch c.Scheduler.Type {
	case "", "step", "exponential", "cosine":
	default:
		return fmt.Errorf("scheduler.type must be step, exponential, or cosine, got %q", c.Scheduler.Type)
	}
	if c.Distributed.WorldSize <= 0 {
		return fmt.Errorf("distributed.world_size must be positive, got %d", c.Distributed.WorldSize)
	}
	if c.Distributed.MasterPort <= 0 || c.Distributed.MasterPort > 65535 {
		return fmt.Errorf("distributed.master_port must be a valid port, got %d", c.Distributed.MasterPort)
	}
	if c.Distributed.TimeoutSeconds <= 0 {
		return fmt.Errorf("distributed.timeout_seconds must be positive, got %d", c.Distributed.TimeoutSeconds)
	}
	return nil
}

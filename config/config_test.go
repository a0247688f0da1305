package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Training.MaxEpochs)
	assert.Equal(t, 32, cfg.Training.MinibatchSize)
	assert.Equal(t, "adam", cfg.Optimizer.Type)
	assert.Equal(t, 1, cfg.Distributed.WorldSize)
	assert.Equal(t, 29500, cfg.Distributed.MasterPort)
	assert.True(t, cfg.Training.ShuffleTrainingData)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
checkpoint_path: /tmp/run/best.json
training:
  max_epochs: 7
  minibatch_size: 16
  target_metric: accuracy
  target_metric_higher_is_better: true
optimizer:
  type: sgd
  learning_rate: 0.05
  momentum: 0.9
scheduler:
  type: exponential
  gamma: 0.95
distributed:
  world_size: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/run/best.json", cfg.CheckpointPath)
	assert.Equal(t, 7, cfg.Training.MaxEpochs)
	assert.Equal(t, 16, cfg.Training.MinibatchSize)
	assert.Equal(t, "accuracy", cfg.Training.TargetMetric)
	assert.True(t, cfg.Training.TargetMetricHigherIsBetter)
	assert.Equal(t, "sgd", cfg.Optimizer.Type)
	assert.Equal(t, 0.05, cfg.Optimizer.LearningRate)
	assert.Equal(t, 4, cfg.Distributed.WorldSize)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Training.Patience)
	assert.Equal(t, "127.0.0.1", cfg.Distributed.MasterAddr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
training:
  max_epochs: 7
`)
	t.Setenv("PTGNN_TRAINING__MAX_EPOCHS", "11")
	t.Setenv("PTGNN_DISTRIBUTED__WORLD_SIZE", "2")
	t.Setenv("PTGNN_OPTIMIZER__LEARNING_RATE", "0.123")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 11, cfg.Training.MaxEpochs)
	assert.Equal(t, 2, cfg.Distributed.WorldSize)
	assert.Equal(t, 0.123, cfg.Optimizer.LearningRate)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero epochs", "training:\n  max_epochs: 0\n"},
		{"bad optimizer", "optimizer:\n  type: rmsprop\n"},
		{"bad scheduler", "scheduler:\n  type: polynomial\n"},
		{"bad port", "distributed:\n  master_port: 99999\n"},
		{"zero world", "distributed:\n  world_size: 0\n"},
		{"negative clip", "training:\n  clip_gradient_norm: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTrainerConfigTranslation(t *testing.T) {
	cfg := Default()
	cfg.Training.ClipGradientNorm = 1.5
	cfg.Optimizer.Type = "sgd"
	cfg.Optimizer.LearningRate = 0.05
	cfg.Optimizer.ZeroRedundancy = true
	cfg.Scheduler.Type = "step"
	cfg.Scheduler.StepSize = 10
	cfg.Scheduler.Gamma = 0.5

	tc := cfg.TrainerConfig()
	assert.Equal(t, cfg.Training.MaxEpochs, tc.MaxEpochs)
	require.NotNil(t, tc.ClipGradientNorm)
	assert.Equal(t, 1.5, *tc.ClipGradientNorm)
	assert.True(t, tc.UseZeroRedundancy)
	require.NotNil(t, tc.Scheduler)
	assert.Equal(t, "step", tc.Scheduler.GetName())

	opt, err := tc.NewOptimizer()
	require.NoError(t, err)
	assert.Equal(t, 0.05, opt.LearningRate())
}

func TestTrainerConfigOmitsDisabledClip(t *testing.T) {
	tc := Default().TrainerConfig()
	assert.Nil(t, tc.ClipGradientNorm)
	assert.Nil(t, tc.Scheduler)
}

package training

import (
	"context"
	"fmt"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/logging"
	"github.com/vishalbelsare/ptgnn/optimizer"
)

// TrainerConfig holds the hyperparameters shared by single-process and
// distributed training.
type TrainerConfig struct {
	// MaxEpochs bounds the number of training epochs.
	MaxEpochs int
	// MinibatchSize is the per-process batch size.
	MinibatchSize int
	// Patience is the number of consecutive non-improving validation
	// epochs tolerated beyond the last improvement before stopping.
	Patience int
	// EnableAMP turns on dynamic loss scaling for mixed precision.
	EnableAMP bool
	// ClipGradientNorm, when set, clips the global gradient norm to this
	// value before each optimizer step.
	ClipGradientNorm *float64
	// TargetMetric names the reported metric that drives early stopping
	// and checkpointing. Empty or "loss" selects the validation loss.
	TargetMetric string
	// TargetMetricHigherIsBetter sets the improvement direction for
	// TargetMetric. Leave false for losses.
	TargetMetricHigherIsBetter bool
	// ExponentialRunningAverageFactor smooths the training loss reported
	// in logs: ema = factor*ema + (1-factor)*loss. Zero disables the
	// running average. Must be below 1.
	ExponentialRunningAverageFactor float64
	// Seed feeds the data shuffling RNG.
	Seed int64
	// NewOptimizer builds the per-process optimizer. Defaults to Adam
	// with its standard hyperparameters.
	NewOptimizer func() (optimizer.Optimizer, error)
	// UseZeroRedundancy shards optimizer state across ranks in
	// distributed runs. Ignored for single-process training.
	UseZeroRedundancy bool
	// Scheduler, when set, adjusts the learning rate after every step.
	Scheduler LRScheduler
}

// DefaultTrainerConfig returns a config suitable for small experiments.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MaxEpochs:                       100,
		MinibatchSize:                   32,
		Patience:                        5,
		ExponentialRunningAverageFactor: 0.98,
	}
}

// Validate checks the configuration before a run starts.
func (c *TrainerConfig) Validate() error {
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("%w: max epochs must be positive, got %d", ErrConfiguration, c.MaxEpochs)
	}
	if c.MinibatchSize <= 0 {
		return fmt.Errorf("%w: minibatch size must be positive, got %d", ErrConfiguration, c.MinibatchSize)
	}
	if c.Patience < 0 {
		return fmt.Errorf("%w: patience must be non-negative, got %d", ErrConfiguration, c.Patience)
	}
	if c.ClipGradientNorm != nil && *c.ClipGradientNorm <= 0 {
		return fmt.Errorf("%w: clip gradient norm must be positive, got %v", ErrConfiguration, *c.ClipGradientNorm)
	}
	if c.ExponentialRunningAverageFactor < 0 || c.ExponentialRunningAverageFactor >= 1 {
		return fmt.Errorf("%w: running average factor must be in [0, 1), got %v",
			ErrConfiguration, c.ExponentialRunningAverageFactor)
	}
	return nil
}

// buildOptimizer constructs the configured optimizer, defaulting to Adam.
func (c *TrainerConfig) buildOptimizer() (optimizer.Optimizer, error) {
	if c.NewOptimizer != nil {
		return c.NewOptimizer()
	}
	return optimizer.NewAdam(optimizer.DefaultAdamConfig())
}

// Trainer runs single-process training with the same epoch loop, early
// stopping, and checkpointing as distributed runs.
type Trainer struct {
	module Module
	config TrainerConfig
	saver  *checkpoints.CheckpointSaver

	startHooks []TrainingStartHook
	trainHooks []EpochHook
	validHooks []EpochHook
}

// NewTrainer validates the config and builds a trainer. saver may be nil to
// disable checkpointing.
func NewTrainer(module Module, config TrainerConfig, saver *checkpoints.CheckpointSaver) (*Trainer, error) {
	if module == nil {
		return nil, fmt.Errorf("%w: module is nil", ErrConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{module: module, config: config, saver: saver}, nil
}

// AddTrainingStartHook registers a hook invoked once before the first epoch.
func (t *Trainer) AddTrainingStartHook(h TrainingStartHook) {
	t.startHooks = append(t.startHooks, h)
}

// AddTrainEpochEndHook registers a hook invoked after every training pass.
func (t *Trainer) AddTrainEpochEndHook(h EpochHook) {
	t.trainHooks = append(t.trainHooks, h)
}

// AddValidationEpochEndHook registers a hook invoked after every validation
// pass.
func (t *Trainer) AddValidationEpochEndHook(h EpochHook) {
	t.validHooks = append(t.validHooks, h)
}

// Train runs the full loop over the given datasets and returns the run
// summary.
func (t *Trainer) Train(ctx context.Context, training, validation Dataset, opts TrainOptions) (*LoopResult, error) {
	if opts.InitializeMetadata {
		if mi, ok := t.module.(MetadataInitializer); ok {
			if err := mi.InitializeMetadata(training); err != nil {
				return nil, fmt.Errorf("failed to initialize metadata: %v", err)
			}
		}
	}

	trainLoader, validLoader, err := buildLoaders(training, validation, t.config, 0, 1, opts.ShuffleTrainingData)
	if err != nil {
		return nil, err
	}

	opt, err := t.config.buildOptimizer()
	if err != nil {
		return nil, err
	}

	logging.Info("starting training", "trainable_parameters", countTrainable(t.module.Parameters()),
		"max_epochs", t.config.MaxEpochs, "minibatch_size", t.config.MinibatchSize)

	l := &loop{
		model:      t.module,
		underlying: t.module,
		comm:       LocalCommunicator{},
		config:     t.config,
		opt:        opt,
		scaler:     NewGradScaler(t.config.EnableAMP),
		saver:      t.saver,
		startHooks: t.startHooks,
		trainHooks: t.trainHooks,
		validHooks: t.validHooks,
	}
	return l.run(ctx, trainLoader, validLoader, opts)
}

// buildLoaders constructs the sharded training and validation loaders. The
// validation loader keeps partial batches so every sample is scored.
func buildLoaders(training, validation Dataset, config TrainerConfig, rank, world int, shuffle bool) (*DataLoader, *DataLoader, error) {
	trainLoader, err := NewDataLoader(training, DataLoaderConfig{
		BatchSize:    config.MinibatchSize,
		Shuffle:      shuffle,
		AllowPartial: false,
		Seed:         config.Seed,
		Rank:         rank,
		WorldSize:    world,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build training loader: %w", err)
	}
	validLoader, err := NewDataLoader(validation, DataLoaderConfig{
		BatchSize:    config.MinibatchSize,
		AllowPartial: true,
		Rank:         rank,
		WorldSize:    world,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build validation loader: %w", err)
	}
	return trainLoader, validLoader, nil
}

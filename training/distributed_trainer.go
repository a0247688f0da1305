package training

import (
	"context"
	"fmt"
	"os"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/logging"
	"github.com/vishalbelsare/ptgnn/optimizer"
)

// DistributedTrainer coordinates data-parallel training across worker
// processes. The same trainer value serves two roles: the orchestrator
// process calls DistributedTrain, which prepares metadata, spawns one worker
// process per rank, and restores the best checkpoint after they finish; each
// worker process calls RunWorker, which joins the process group and runs the
// epoch loop over its shard.
type DistributedTrainer struct {
	module Module
	config TrainerConfig
	saver  *checkpoints.CheckpointSaver

	startHooks []TrainingStartHook
	trainHooks []EpochHook
	validHooks []EpochHook
}

// NewDistributedTrainer validates the config and builds a trainer. saver is
// required: rank 0 persists improvements there and the orchestrator reads
// the result back.
func NewDistributedTrainer(module Module, config TrainerConfig, saver *checkpoints.CheckpointSaver) (*DistributedTrainer, error) {
	if module == nil {
		return nil, fmt.Errorf("%w: module is nil", ErrConfiguration)
	}
	if saver == nil {
		return nil, fmt.Errorf("%w: checkpoint saver is nil", ErrConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &DistributedTrainer{module: module, config: config, saver: saver}, nil
}

// AddTrainingStartHook registers a hook invoked in every worker before its
// first epoch.
func (dt *DistributedTrainer) AddTrainingStartHook(h TrainingStartHook) {
	dt.startHooks = append(dt.startHooks, h)
}

// AddTrainEpochEndHook registers a hook invoked after every training pass.
func (dt *DistributedTrainer) AddTrainEpochEndHook(h EpochHook) {
	dt.trainHooks = append(dt.trainHooks, h)
}

// AddValidationEpochEndHook registers a hook invoked after every validation
// pass.
func (dt *DistributedTrainer) AddValidationEpochEndHook(h EpochHook) {
	dt.validHooks = append(dt.validHooks, h)
}

// DistributedTrain is the orchestrator entry point. Metadata is initialized
// exactly once here, over an unsharded view of the training data, before any
// worker exists; workers must never recompute metadata from their shards.
// The module state is then persisted as an initial checkpoint, which every
// spawned worker restores on startup, so the workers start from exactly the
// orchestrator's post-initialization parameters. After all workers exit, the
// best checkpoint is loaded back into the module.
func (dt *DistributedTrainer) DistributedTrain(ctx context.Context, launcher *distributed.Launcher, training Dataset, opts TrainOptions) error {
	if launcher == nil {
		return fmt.Errorf("%w: launcher is nil", ErrConfiguration)
	}

	if opts.InitializeMetadata {
		if mi, ok := dt.module.(MetadataInitializer); ok {
			logging.Info("initializing model metadata", "samples", training.Len())
			if err := mi.InitializeMetadata(training); err != nil {
				return fmt.Errorf("failed to initialize metadata: %v", err)
			}
		}
	}

	if err := dt.saveInitialState(launcher.WorldSize); err != nil {
		return err
	}

	logging.Info("spawning training workers",
		"world_size", launcher.WorldSize,
		"trainable_parameters", countTrainable(dt.module.Parameters()))

	if err := launcher.Launch(ctx); err != nil {
		return fmt.Errorf("distributed training failed: %w", err)
	}

	ckpt, err := dt.saver.Load()
	if err != nil {
		return fmt.Errorf("training finished but no checkpoint could be read: %v", err)
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, dt.module.Parameters()); err != nil {
		return fmt.Errorf("failed to restore best weights: %v", err)
	}
	logging.Info("restored best weights",
		"epoch", ckpt.TrainingState.Epoch, "metric", ckpt.TrainingState.BestTargetMetric)
	return nil
}

// RunWorker is the per-rank entry point. It joins the process group at cfg's
// rendezvous, trains over this rank's shard, and leaves the group on the way
// out. The returned result describes this worker's view of the run.
func (dt *DistributedTrainer) RunWorker(ctx context.Context, cfg distributed.Config, training, validation Dataset, opts TrainOptions) (*LoopResult, error) {
	logging.Setup(cfg.Rank)

	pg, err := distributed.Init(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to join process group: %v", err)
	}
	defer pg.Destroy()

	if err := dt.restore(); err != nil {
		return nil, err
	}

	trainLoader, validLoader, err := buildLoaders(training, validation, dt.config,
		pg.Rank(), pg.WorldSize(), opts.ShuffleTrainingData)
	if err != nil {
		return nil, err
	}

	dp, err := NewDataParallel(dt.module, pg)
	if err != nil {
		return nil, err
	}

	opt, err := dt.config.buildOptimizer()
	if err != nil {
		return nil, err
	}
	if dt.config.UseZeroRedundancy {
		opt, err = optimizer.NewZeroRedundancy(opt, pg)
		if err != nil {
			return nil, err
		}
	}

	logging.Info("worker joined process group",
		"world_size", pg.WorldSize(),
		"training_samples", trainLoader.NumSamples(),
		"validation_samples", validLoader.NumSamples())

	l := &loop{
		model:      dp,
		underlying: dt.module,
		comm:       pg,
		config:     dt.config,
		opt:        opt,
		scaler:     NewGradScaler(dt.config.EnableAMP),
		saver:      dt.saver,
		startHooks: dt.startHooks,
		trainHooks: dt.trainHooks,
		validHooks: dt.validHooks,
	}
	return l.run(ctx, trainLoader, validLoader, opts)
}

// saveInitialState persists the orchestrator module's parameters before any
// worker is spawned. Workers are fresh processes, so this checkpoint is the
// only channel carrying metadata-initialized (or warm-started) state to them.
func (dt *DistributedTrainer) saveInitialState(worldSize int) error {
	ckpt := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(dt.module.Parameters()),
		TrainingState: checkpoints.TrainingState{
			TargetMetric: dt.config.TargetMetric,
			WorldSize:    worldSize,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: "initial state before training",
		},
	}
	if err := dt.saver.Save(ckpt); err != nil {
		return fmt.Errorf("failed to save initial state: %v", err)
	}
	return nil
}

// restore loads previously saved weights into the module. Every worker calls
// this after joining the group, picking up the orchestrator's pre-spawn state
// (and, under ValidateOnStart, the weights the initial validation pass should
// score). A missing checkpoint is not an error: the run simply starts from
// the module's current state.
func (dt *DistributedTrainer) restore() error {
	if _, err := os.Stat(dt.saver.Path()); err != nil {
		return nil
	}
	ckpt, err := dt.saver.Load()
	if err != nil {
		return fmt.Errorf("failed to load starting checkpoint: %v", err)
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, dt.module.Parameters()); err != nil {
		return fmt.Errorf("failed to restore starting weights: %v", err)
	}
	logging.Info("restored module state from checkpoint", "epoch", ckpt.TrainingState.Epoch)
	return nil
}

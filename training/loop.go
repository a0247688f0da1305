package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/logging"
	"github.com/vishalbelsare/ptgnn/optimizer"
	"github.com/vishalbelsare/ptgnn/tensor"
)

// TrainOptions tunes a single training run without changing the trainer's
// long-lived configuration.
type TrainOptions struct {
	// ValidateOnStart runs one validation pass before the first epoch,
	// typically after restoring a checkpoint, to seed the best metric.
	ValidateOnStart bool
	// InitializeMetadata asks the orchestrator to run the module's
	// metadata pass over the full training data before spawning workers.
	InitializeMetadata bool
	// ShuffleTrainingData reshuffles each rank's training shard every
	// epoch.
	ShuffleTrainingData bool
}

// LoopResult summarizes a finished training run.
type LoopResult struct {
	EpochsRun    int
	BestEpoch    int
	BestMetric   float64
	EarlyStopped bool
}

// loop carries the per-process state of one training run. The same loop
// drives single-process training (with LocalCommunicator) and each worker of
// a distributed run (with a ProcessGroup and a DataParallel model).
type loop struct {
	model      Module
	underlying Module
	comm       Communicator
	config     TrainerConfig
	opt        optimizer.Optimizer
	scaler     *GradScaler
	saver      *checkpoints.CheckpointSaver

	startHooks []TrainingStartHook
	trainHooks []EpochHook
	validHooks []EpochHook

	globalStep uint64
	baseLR     float64
}

type passStats struct {
	sumLoss        float64
	numMinibatches int
	numSamples     int
	skippedSteps   int
	elapsed        time.Duration
}

func (s passStats) meanLoss() float64 {
	if s.numMinibatches == 0 {
		return math.NaN()
	}
	return s.sumLoss / float64(s.numMinibatches)
}

func (s passStats) samplesPerSecond() float64 {
	secs := s.elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.numSamples) / secs
}

// run executes the full training loop: optional initial validation, then
// epochs of training and validation with early stopping on the target
// metric.
func (l *loop) run(ctx context.Context, trainLoader, validLoader *DataLoader, opts TrainOptions) (*LoopResult, error) {
	l.baseLR = l.opt.LearningRate()

	for _, hook := range l.startHooks {
		hook(l.underlying, l.opt)
	}

	best := initialBest(l.config.TargetMetricHigherIsBetter)
	bestEpoch := -1

	if opts.ValidateOnStart {
		metric, _, err := l.validationPass(ctx, validLoader, -1)
		if err != nil {
			return nil, err
		}
		if !metricImproved(metric, best, l.config.TargetMetricHigherIsBetter) {
			return nil, fmt.Errorf("%w: initial validation metric %v cannot seed the best value", ErrNumerical, metric)
		}
		logging.Info("initial validation complete", "metric", metric)
		best = metric
	}

	result := &LoopResult{BestMetric: best, BestEpoch: -1}
	notImproved := 0

	for epoch := 0; epoch < l.config.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := l.trainingPass(ctx, trainLoader, epoch); err != nil {
			return nil, err
		}

		metric, _, err := l.validationPass(ctx, validLoader, epoch)
		if err != nil {
			return nil, err
		}
		result.EpochsRun = epoch + 1

		if metricImproved(metric, best, l.config.TargetMetricHigherIsBetter) {
			logging.Info("target metric improved", "epoch", epoch, "metric", metric, "previous_best", best)
			best = metric
			bestEpoch = epoch
			notImproved = 0
			if err := l.saveCheckpoint(epoch, best, metric); err != nil {
				return nil, err
			}
		} else {
			notImproved++
			logging.Info("target metric did not improve", "epoch", epoch,
				"metric", metric, "best", best, "epochs_without_improvement", notImproved)
			if notImproved >= l.config.Patience {
				logging.Info("early stopping", "epoch", epoch, "patience", l.config.Patience)
				result.EarlyStopped = true
				break
			}
		}
	}

	result.BestMetric = best
	result.BestEpoch = bestEpoch
	return result, nil
}

// trainingPass runs one epoch over the training shard: forward, scaled
// backward with gradient averaging, optional clipping, optimizer step, and
// scheduler update.
func (l *loop) trainingPass(ctx context.Context, loader *DataLoader, epoch int) error {
	l.model.Train()
	loader.Reset(epoch)
	params := l.model.Parameters()

	var stats passStats
	runningLoss := math.NaN()
	emaFactor := l.config.ExponentialRunningAverageFactor
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := loader.Next()
		if err != nil {
			return fmt.Errorf("failed to load training batch: %v", err)
		}
		if batch == nil {
			break
		}

		l.opt.ZeroGrad(params)
		loss, err := l.model.Forward(batch)
		if err != nil {
			return fmt.Errorf("training forward pass failed at epoch %d: %v", epoch, err)
		}
		if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
			return fmt.Errorf("%w: training loss is %v at epoch %d minibatch %d",
				ErrNumerical, loss, epoch, stats.numMinibatches)
		}

		if err := backward(ctx, l.model, l.scaler.Scale()); err != nil {
			return fmt.Errorf("training backward pass failed at epoch %d: %v", epoch, err)
		}

		if l.config.ClipGradientNorm != nil {
			l.scaler.Unscale(params)
			ClipGradNorm(params, *l.config.ClipGradientNorm)
		}

		skipped, err := l.scaler.Step(l.opt, params)
		if err != nil {
			return fmt.Errorf("optimizer step failed at epoch %d: %v", epoch, err)
		}
		l.scaler.Update()
		if skipped {
			stats.skippedSteps++
		}

		l.globalStep++
		if l.config.Scheduler != nil {
			l.opt.SetLearningRate(l.config.Scheduler.GetLR(epoch, l.globalStep, l.baseLR))
		}

		stats.sumLoss += float64(loss)
		stats.numMinibatches++
		stats.numSamples += batch.Size
		if emaFactor > 0 {
			if math.IsNaN(runningLoss) {
				runningLoss = float64(loss)
			} else {
				runningLoss = emaFactor*runningLoss + (1-emaFactor)*float64(loss)
			}
		}
	}
	stats.elapsed = time.Since(start)

	if stats.numMinibatches == 0 {
		return fmt.Errorf("%w: no training minibatches were created; "+
			"the minibatch size may be larger than this rank's shard", ErrConfiguration)
	}

	metrics := l.model.ReportMetrics()
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metrics["loss"] = stats.meanLoss()

	fields := []interface{}{
		"epoch", epoch, "loss", stats.meanLoss(),
		"minibatches", stats.numMinibatches,
		"samples_per_sec", stats.samplesPerSecond(),
		"skipped_steps", stats.skippedSteps,
		"lr", l.opt.LearningRate(),
	}
	if emaFactor > 0 {
		fields = append(fields, "running_loss", runningLoss)
	}
	logging.Info("training epoch complete", fields...)

	for _, hook := range l.trainHooks {
		hook(l.model, l.underlying, epoch, metrics)
	}
	return nil
}

// validationPass scores the validation shard and reduces the result across
// the group, so every rank returns the same metric value. The returned
// metric is either the group-mean validation loss or the group-mean of the
// configured target metric.
func (l *loop) validationPass(ctx context.Context, loader *DataLoader, epoch int) (float64, map[string]float64, error) {
	l.model.Eval()
	defer l.model.Train()
	loader.Reset(0)

	var stats passStats
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load validation batch: %v", err)
		}
		if batch == nil {
			break
		}
		loss, err := l.model.Forward(batch)
		if err != nil {
			return 0, nil, fmt.Errorf("validation forward pass failed at epoch %d: %v", epoch, err)
		}
		stats.sumLoss += float64(loss)
		stats.numMinibatches++
		stats.numSamples += batch.Size
	}
	stats.elapsed = time.Since(start)

	if stats.numSamples == 0 {
		return 0, nil, fmt.Errorf("%w: no validation data was found", ErrConfiguration)
	}

	// Each rank contributes the mean loss of its shard; the group mean
	// weighs every rank equally, matching shards of near-equal size.
	reduced := []float64{stats.meanLoss()}
	if err := l.comm.AllReduce(ctx, reduced, distributed.OpSum); err != nil {
		return 0, nil, fmt.Errorf("%w: failed to reduce validation loss: %v", ErrCollective, err)
	}
	globalLoss := reduced[0] / float64(l.comm.WorldSize())

	metrics := l.model.ReportMetrics()
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metrics["loss"] = globalLoss

	metric := globalLoss
	if l.config.TargetMetric != "" && l.config.TargetMetric != "loss" {
		local, ok := metrics[l.config.TargetMetric]
		if !ok {
			return 0, nil, fmt.Errorf("%w: target metric %q was not reported by the module",
				ErrConfiguration, l.config.TargetMetric)
		}
		// Average the target metric too, so the early-stopping and
		// checkpointing decisions agree on every rank.
		reduced[0] = local
		if err := l.comm.AllReduce(ctx, reduced, distributed.OpSum); err != nil {
			return 0, nil, fmt.Errorf("%w: failed to reduce target metric: %v", ErrCollective, err)
		}
		metric = reduced[0] / float64(l.comm.WorldSize())
		metrics[l.config.TargetMetric] = metric
	}

	logging.Info("validation epoch complete", "epoch", epoch,
		"loss", globalLoss, "metric", metric,
		"minibatches", stats.numMinibatches, "samples_per_sec", stats.samplesPerSecond())

	for _, hook := range l.validHooks {
		hook(l.model, l.underlying, epoch, metrics)
	}
	return metric, metrics, nil
}

// saveCheckpoint persists weights, optimizer state, and run progress. Only
// rank 0 writes; other ranks hold identical state after gradient averaging.
func (l *loop) saveCheckpoint(epoch int, best, metric float64) error {
	if l.saver == nil || l.comm.Rank() != 0 {
		return nil
	}
	optState, err := l.opt.State()
	if err != nil {
		return fmt.Errorf("failed to capture optimizer state: %v", err)
	}
	ckpt := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(l.underlying.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:            epoch,
			Step:             l.globalStep,
			BestTargetMetric: best,
			TargetMetric:     l.config.TargetMetric,
			WorldSize:        l.comm.WorldSize(),
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			Rank: l.comm.Rank(),
		},
	}
	if err := l.saver.Save(ckpt); err != nil {
		return fmt.Errorf("failed to save checkpoint at epoch %d: %v", epoch, err)
	}
	logging.Info("checkpoint saved", "epoch", epoch, "metric", metric)
	return nil
}

// contextBackwarder is implemented by modules whose backward pass performs
// collective communication and should honor the run's context.
type contextBackwarder interface {
	BackwardContext(ctx context.Context, gradScale float32) error
}

// backward dispatches to BackwardContext when the module supports it.
func backward(ctx context.Context, model Module, gradScale float32) error {
	if cb, ok := model.(contextBackwarder); ok {
		return cb.BackwardContext(ctx, gradScale)
	}
	return model.Backward(gradScale)
}

// countTrainable sums the elements of parameters that require gradients.
func countTrainable(params []*tensor.Tensor) int {
	total := 0
	for _, p := range params {
		if p.RequiresGrad() {
			total += p.NumElements()
		}
	}
	return total
}

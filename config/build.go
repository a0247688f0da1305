package config

import (
	"time"

	"github.com/vishalbelsare/ptgnn/optimizer"
	"github.com/vishalbelsare/ptgnn/training"
)

// TrainerConfig translates the loaded configuration into the trainer's
// hyperparameters, including the optimizer factory and scheduler.
func (c RunConfig) TrainerConfig() training.TrainerConfig {
	tc := training.TrainerConfig{
		MaxEpochs:                       c.Training.MaxEpochs,
		MinibatchSize:                   c.Training.MinibatchSize,
		Patience:                        c.Training.Patience,
		EnableAMP:                       c.Training.EnableAMP,
		TargetMetric:                    c.Training.TargetMetric,
		TargetMetricHigherIsBetter:      c.Training.TargetMetricHigherIsBetter,
		ExponentialRunningAverageFactor: c.Training.RunningAverageFactor,
		Seed:                            c.Training.Seed,
		UseZeroRedundancy:               c.Optimizer.ZeroRedundancy,
		NewOptimizer:                    c.Optimizer.factory(),
		Scheduler:                       c.Scheduler.build(c.Training.MaxEpochs),
	}
	if c.Training.ClipGradientNorm > 0 {
		clip := c.Training.ClipGradientNorm
		tc.ClipGradientNorm = &clip
	}
	return tc
}

// TrainOptions translates the per-run switches.
func (c RunConfig) TrainOptions() training.TrainOptions {
	return training.TrainOptions{
		ValidateOnStart:     c.Training.ValidateOnStart,
		InitializeMetadata:  c.Training.InitializeMetadata,
		ShuffleTrainingData: c.Training.ShuffleTrainingData,
	}
}

// Timeout returns the rendezvous and collective deadline.
func (c DistributedConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c OptimizerConfig) factory() func() (optimizer.Optimizer, error) {
	switch c.Type {
	case "sgd":
		return func() (optimizer.Optimizer, error) {
			return optimizer.NewSGD(optimizer.SGDConfig{
				LearningRate: c.LearningRate,
				Momentum:     c.Momentum,
				WeightDecay:  c.WeightDecay,
				Nesterov:     c.Nesterov,
			})
		}
	default:
		return func() (optimizer.Optimizer, error) {
			cfg := optimizer.DefaultAdamConfig()
			cfg.LearningRate = c.LearningRate
			cfg.WeightDecay = c.WeightDecay
			return optimizer.NewAdam(cfg)
		}
	}
}

func (c SchedulerConfig) build(maxEpochs int) training.LRScheduler {
	switch c.Type {
	case "step":
		return training.NewStepLRScheduler(c.StepSize, c.Gamma)
	case "exponential":
		return training.NewExponentialLRScheduler(c.Gamma)
	case "cosine":
		return training.NewCosineAnnealingLRScheduler(maxEpochs, c.MinLR)
	default:
		return nil
	}
}

// Command ptgnn-train trains a demo linear regression model, single-process
// or data-parallel. With distributed.world_size > 1 the process acts as the
// orchestrator and re-executes itself once per rank; spawned workers detect
// the RANK environment variable and run the worker program instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/config"
	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/logging"
	"github.com/vishalbelsare/ptgnn/training"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	samples := flag.Int("samples", 4096, "number of synthetic training samples")
	features := flag.Int("features", 16, "number of input features")
	flag.Parse()

	if err := run(*configPath, *samples, *features); err != nil {
		logging.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, samples, features int) error {
	logging.Setup(-1)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The same seed on every process keeps the synthetic data identical
	// between the orchestrator and its workers.
	module := newRegressionModule(features, cfg.Training.Seed)
	trainingData, validationData, err := syntheticData(samples, features, cfg.Training.Seed)
	if err != nil {
		return fmt.Errorf("failed to generate data: %v", err)
	}

	saver := checkpoints.NewCheckpointSaver(cfg.CheckpointPath)

	if _, isWorker := os.LookupEnv(distributed.RankEnv); isWorker {
		workerCfg, err := distributed.FromEnv()
		if err != nil {
			return err
		}
		workerCfg.Timeout = cfg.Distributed.Timeout()
		trainer, err := training.NewDistributedTrainer(module, cfg.TrainerConfig(), saver)
		if err != nil {
			return err
		}
		result, err := trainer.RunWorker(ctx, workerCfg, trainingData, validationData, cfg.TrainOptions())
		if err != nil {
			return err
		}
		logging.Info("worker finished", "epochs", result.EpochsRun,
			"best_metric", result.BestMetric, "early_stopped", result.EarlyStopped)
		return nil
	}

	if cfg.Distributed.WorldSize > 1 {
		trainer, err := training.NewDistributedTrainer(module, cfg.TrainerConfig(), saver)
		if err != nil {
			return err
		}
		launcher := &distributed.Launcher{
			MasterAddr: cfg.Distributed.MasterAddr,
			MasterPort: cfg.Distributed.MasterPort,
			WorldSize:  cfg.Distributed.WorldSize,
		}
		return trainer.DistributedTrain(ctx, launcher, trainingData, cfg.TrainOptions())
	}

	trainer, err := training.NewTrainer(module, cfg.TrainerConfig(), saver)
	if err != nil {
		return err
	}
	result, err := trainer.Train(ctx, trainingData, validationData, cfg.TrainOptions())
	if err != nil {
		return err
	}
	logging.Info("training finished", "epochs", result.EpochsRun,
		"best_metric", result.BestMetric, "best_epoch", result.BestEpoch)
	return nil
}

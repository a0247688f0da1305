package training

import "github.com/vishalbelsare/ptgnn/optimizer"

// TrainingStartHook runs once per process after the optimizer is built and
// before the first epoch.
type TrainingStartHook func(module Module, opt optimizer.Optimizer)

// EpochHook runs after a training or validation pass. model is the module as
// trained (possibly a data-parallel wrapper) and underlying is the unwrapped
// module; they are the same object in single-process runs. metrics holds the
// pass metrics keyed by name, including "loss".
type EpochHook func(model Module, underlying Module, epoch int, metrics map[string]float64)

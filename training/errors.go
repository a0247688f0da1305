package training

import "errors"

// Sentinel errors distinguishing unrecoverable configuration problems from
// numerical failures observed at runtime. Callers match with errors.Is.
var (
	// ErrConfiguration marks setup mistakes such as empty data shards,
	// unknown target metrics, or invalid hyperparameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrNumerical marks non-finite values encountered during training,
	// such as a NaN loss. Training aborts rather than continuing with a
	// poisoned model state.
	ErrNumerical = errors.New("numerical error")

	// ErrCollective marks a failed collective operation. Once a
	// collective fails an unknown subset of ranks has already progressed
	// past it, so the run is not retried.
	ErrCollective = errors.New("collective error")
)

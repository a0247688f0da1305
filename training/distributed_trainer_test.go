package training

import (
	"context"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vishalbelsare/ptgnn/checkpoints"
	"github.com/vishalbelsare/ptgnn/distributed"
	"github.com/vishalbelsare/ptgnn/optimizer"
)

func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to grab a port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func workerConfig(rank, world, port int) distributed.Config {
	return distributed.Config{
		Backend:    distributed.BackendTCP,
		MasterAddr: "127.0.0.1",
		MasterPort: port,
		Rank:       rank,
		WorldSize:  world,
		Timeout:    20 * time.Second,
	}
}

// TestDistributedWorkersStayInSync trains the same linear fit on two
// in-process workers and checks that gradient averaging keeps every rank's
// parameters identical while rank 0 checkpoints the shared best state.
func TestDistributedWorkersStayInSync(t *testing.T) {
	const world = 2
	port := freeLoopbackPort(t)
	path := filepath.Join(t.TempDir(), "model.ckpt.json")

	config := TrainerConfig{
		MaxEpochs:         3,
		MinibatchSize:     2,
		Patience:          10,
		Seed:              3,
		NewOptimizer:      sgdFactory(0.3),
		UseZeroRedundancy: true,
	}

	modules := make([]*linearModule, world)
	results := make([]*LoopResult, world)
	errs := make([]error, world)

	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		modules[rank] = newLinearModule(t, 0)
		trainer, err := NewDistributedTrainer(modules[rank], config, checkpoints.NewCheckpointSaver(path))
		if err != nil {
			t.Fatal(err)
		}

		wg.Add(1)
		go func(rank int, trainer *DistributedTrainer) {
			defer wg.Done()
			training := lineDataset(t, 8, 2.0)
			validation := lineDataset(t, 8, 2.0)
			results[rank], errs[rank] = trainer.RunWorker(context.Background(),
				workerConfig(rank, world, port), training, validation,
				TrainOptions{ShuffleTrainingData: true})
		}(rank, trainer)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d failed: %v", rank, err)
		}
	}

	w0 := float64(modules[0].w.Data[0])
	w1 := float64(modules[1].w.Data[0])
	if math.Abs(w0-w1) > 1e-6 {
		t.Errorf("ranks diverged: w0=%v w1=%v", w0, w1)
	}

	for rank := 1; rank < world; rank++ {
		if results[rank].BestMetric != results[0].BestMetric {
			t.Errorf("rank %d best metric %v differs from rank 0's %v",
				rank, results[rank].BestMetric, results[0].BestMetric)
		}
	}

	ckpt, err := checkpoints.NewCheckpointSaver(path).Load()
	if err != nil {
		t.Fatalf("rank 0 did not write a checkpoint: %v", err)
	}
	if ckpt.TrainingState.WorldSize != world {
		t.Errorf("checkpointed world size = %d, want %d", ckpt.TrainingState.WorldSize, world)
	}
	if len(ckpt.Weights) != 1 {
		t.Fatalf("checkpoint has %d weights, want 1", len(ckpt.Weights))
	}
	if math.Abs(float64(ckpt.Weights[0].Data[0])-w0) > 1e-6 {
		t.Errorf("checkpointed weight %v does not match final weight %v", ckpt.Weights[0].Data[0], w0)
	}
}

// vocabModule derives its starting weight from the dataset, the way a model
// sizes itself from a vocabulary scan.
type vocabModule struct {
	*linearModule
}

func (m *vocabModule) InitializeMetadata(training Dataset) error {
	m.w.Data[0] = float32(training.Len())
	return nil
}

// TestDistributedTrainPersistsStateBeforeSpawn checks that the orchestrator
// writes its post-initialization module state to the checkpoint before any
// worker starts, since re-exec'd workers can only inherit state through that
// file.
func TestDistributedTrainPersistsStateBeforeSpawn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt.json")
	module := &vocabModule{linearModule: newLinearModule(t, 0)}

	config := TrainerConfig{
		MaxEpochs:     1,
		MinibatchSize: 2,
		NewOptimizer:  sgdFactory(0.1),
	}
	trainer, err := NewDistributedTrainer(module, config, checkpoints.NewCheckpointSaver(path))
	if err != nil {
		t.Fatal(err)
	}

	// The launcher runs a no-op command per rank, so the checkpoint the
	// orchestrator reads back afterwards is exactly the pre-spawn state.
	launcher := &distributed.Launcher{
		MasterAddr: "127.0.0.1",
		MasterPort: freeLoopbackPort(t),
		WorldSize:  2,
		Args:       []string{"true"},
	}
	training := lineDataset(t, 8, 2.0)
	err = trainer.DistributedTrain(context.Background(), launcher, training,
		TrainOptions{InitializeMetadata: true})
	if err != nil {
		t.Fatalf("DistributedTrain failed: %v", err)
	}

	ckpt, err := checkpoints.NewCheckpointSaver(path).Load()
	if err != nil {
		t.Fatalf("no pre-spawn checkpoint was written: %v", err)
	}
	if len(ckpt.Weights) != 1 || ckpt.Weights[0].Data[0] != 8 {
		t.Errorf("checkpoint does not carry the metadata-derived weight: %+v", ckpt.Weights)
	}
	if ckpt.TrainingState.WorldSize != 2 {
		t.Errorf("checkpointed world size = %d, want 2", ckpt.TrainingState.WorldSize)
	}
	if module.w.Data[0] != 8 {
		t.Errorf("module weight after restore = %v, want 8", module.w.Data[0])
	}
}

// TestWorkersRestoreInitialState seeds the checkpoint with the orchestrator's
// state and checks that every worker starts its loop from those parameters,
// not from its freshly constructed module.
func TestWorkersRestoreInitialState(t *testing.T) {
	const world = 2
	port := freeLoopbackPort(t)
	path := filepath.Join(t.TempDir(), "model.ckpt.json")

	seed := newLinearModule(t, 7)
	seedTrainer, err := NewDistributedTrainer(seed, TrainerConfig{
		MaxEpochs:     1,
		MinibatchSize: 2,
		NewOptimizer:  sgdFactory(0.1),
	}, checkpoints.NewCheckpointSaver(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := seedTrainer.saveInitialState(world); err != nil {
		t.Fatalf("failed to seed initial state: %v", err)
	}

	config := TrainerConfig{
		MaxEpochs:     1,
		MinibatchSize: 2,
		Patience:      10,
		NewOptimizer:  sgdFactory(0.01),
	}

	startWeights := make([]float32, world)
	errs := make([]error, world)

	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		rank := rank
		module := newLinearModule(t, 0)
		trainer, err := NewDistributedTrainer(module, config, checkpoints.NewCheckpointSaver(path))
		if err != nil {
			t.Fatal(err)
		}
		trainer.AddTrainingStartHook(func(m Module, opt optimizer.Optimizer) {
			startWeights[rank] = m.Parameters()[0].Data[0]
		})

		wg.Add(1)
		go func(rank int, trainer *DistributedTrainer) {
			defer wg.Done()
			training := lineDataset(t, 8, 2.0)
			validation := lineDataset(t, 8, 2.0)
			_, errs[rank] = trainer.RunWorker(context.Background(),
				workerConfig(rank, world, port), training, validation, TrainOptions{})
		}(rank, trainer)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d failed: %v", rank, err)
		}
	}
	for rank, w := range startWeights {
		if w != 7 {
			t.Errorf("rank %d started from weight %v, want the seeded 7", rank, w)
		}
	}
}

// TestDistributedValidationLossIsGroupMean gives the two ranks different
// scripted validation losses and checks that both observe the group mean.
func TestDistributedValidationLossIsGroupMean(t *testing.T) {
	const world = 2
	port := freeLoopbackPort(t)
	path := filepath.Join(t.TempDir(), "model.ckpt.json")

	config := TrainerConfig{
		MaxEpochs:     1,
		MinibatchSize: 2,
		Patience:      10,
		NewOptimizer:  sgdFactory(0.1),
	}

	perRankLoss := []float32{2.0, 5.0}
	results := make([]*LoopResult, world)
	errs := make([]error, world)

	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		module := newScriptedModule(t, 1.0, perRankLoss[rank])
		trainer, err := NewDistributedTrainer(module, config, checkpoints.NewCheckpointSaver(path))
		if err != nil {
			t.Fatal(err)
		}

		wg.Add(1)
		go func(rank int, trainer *DistributedTrainer) {
			defer wg.Done()
			training := lineDataset(t, 8, 1.0)
			validation := lineDataset(t, 4, 1.0)
			results[rank], errs[rank] = trainer.RunWorker(context.Background(),
				workerConfig(rank, world, port), training, validation, TrainOptions{})
		}(rank, trainer)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d failed: %v", rank, err)
		}
	}
	for rank := 0; rank < world; rank++ {
		if math.Abs(results[rank].BestMetric-3.5) > 1e-6 {
			t.Errorf("rank %d best metric = %v, want group mean 3.5", rank, results[rank].BestMetric)
		}
	}
}

package distributed

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/vishalbelsare/ptgnn/logging"
)

// Launcher fans a run out to worldSize worker processes. Each worker is a
// re-execution of the current binary with the rendezvous environment
// injected, torchrun style: the worker reads RANK/WORLD_SIZE/MASTER_ADDR/
// MASTER_PORT at startup and runs the worker program instead of the
// orchestrator.
type Launcher struct {
	MasterAddr string
	MasterPort int
	WorldSize  int

	// Args overrides the spawned command line. Empty means re-exec the
	// current binary with the orchestrator's own arguments.
	Args []string
}

// Launch starts one process per rank and blocks until all of them exit. The
// first failure kills the remaining workers: a dead rank leaves its peers
// blocked in the next collective, so the whole group must come down with it.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.WorldSize <= 0 {
		return fmt.Errorf("world size must be positive, got %d", l.WorldSize)
	}

	args := l.Args
	if len(args) == 0 {
		executable, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve current executable: %v", err)
		}
		args = append([]string{executable}, os.Args[1:]...)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < l.WorldSize; rank++ {
		rank := rank
		group.Go(func() error {
			cmd := exec.CommandContext(groupCtx, args[0], args[1:]...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Env = append(os.Environ(),
				MasterAddrEnv+"="+l.MasterAddr,
				MasterPortEnv+"="+strconv.Itoa(l.MasterPort),
				WorldSizeEnv+"="+strconv.Itoa(l.WorldSize),
				RankEnv+"="+strconv.Itoa(rank),
			)

			logging.Info("launching worker", "workerRank", rank, "command", args[0])
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("worker rank %d failed: %v", rank, err)
			}
			return nil
		})
	}
	return group.Wait()
}

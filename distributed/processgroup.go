package distributed

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vishalbelsare/ptgnn/logging"
)

// ProcessGroup is one rank's handle on the collective-communication group.
// All ranks must invoke the same sequence of collective calls; the sequence
// number attached to each call lets the coordinator detect divergence instead
// of deadlocking on it.
//
// A ProcessGroup is owned by a single goroutine of its process; the methods
// are nonetheless serialized so a misbehaving caller fails loudly at the
// coordinator rather than corrupting frames.
type ProcessGroup struct {
	cfg   Config
	wc    *wireConn
	coord *coordinator

	mu  sync.Mutex
	seq uint64
}

// Init joins the process group described by cfg. Rank 0 additionally hosts
// the coordinator. Init returns once every rank in the group has joined, so
// it doubles as the initial rendezvous barrier.
func Init(ctx context.Context, cfg Config) (*ProcessGroup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid process group config: %v", err)
	}

	pg := &ProcessGroup{cfg: cfg}

	if cfg.Rank == 0 {
		coord, err := newCoordinator(cfg)
		if err != nil {
			return nil, err
		}
		pg.coord = coord
		go coord.serve()
	}

	wc, err := dialCoordinator(ctx, cfg)
	if err != nil {
		if pg.coord != nil {
			pg.coord.listener.Close()
		}
		return nil, err
	}
	pg.wc = wc

	deadline := time.Now().Add(cfg.timeout())
	wc.setDeadline(deadline)
	if err := wc.send(&message{Kind: kindJoin, Rank: cfg.Rank, World: cfg.WorldSize}); err != nil {
		wc.close()
		return nil, fmt.Errorf("failed to join process group: %v", err)
	}
	ack, err := wc.receive()
	if err != nil {
		wc.close()
		return nil, fmt.Errorf("rendezvous failed: %v", err)
	}
	if ack.Kind == kindAbort {
		wc.close()
		return nil, fmt.Errorf("process group aborted during rendezvous: %s", ack.Err)
	}
	if ack.Kind != kindJoinAck {
		wc.close()
		return nil, fmt.Errorf("unexpected rendezvous reply kind %d", ack.Kind)
	}
	wc.setDeadline(time.Time{})

	logging.Info("joined process group",
		"worldSize", cfg.WorldSize, "backend", BackendTCP, "master", cfg.masterEndpoint())
	return pg, nil
}

// dialCoordinator connects to the coordinator, retrying with exponential
// backoff until it is listening. Non-zero ranks routinely start before rank 0
// has bound its port.
func dialCoordinator(ctx context.Context, cfg Config) (*wireConn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = cfg.timeout()

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", cfg.masterEndpoint(), cfg.timeout())
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("failed to reach coordinator at %s: %v", cfg.masterEndpoint(), err)
	}
	return newWireConn(conn), nil
}

// Rank returns this process's rank within the group.
func (pg *ProcessGroup) Rank() int {
	return pg.cfg.Rank
}

// WorldSize returns the number of ranks in the group.
func (pg *ProcessGroup) WorldSize() int {
	return pg.cfg.WorldSize
}

// IsCoordinator reports whether this rank is the coordinating rank. Only the
// coordinating rank may write checkpoints.
func (pg *ProcessGroup) IsCoordinator() bool {
	return pg.cfg.Rank == 0
}

// AllReduce reduces values elementwise across all ranks in place. Every rank
// observes the identical result.
func (pg *ProcessGroup) AllReduce(ctx context.Context, values []float64, op Op) error {
	result, err := pg.collective(ctx, &message{Coll: collAllReduce, Op: op, Values: values})
	if err != nil {
		return err
	}
	if len(result) != len(values) {
		return fmt.Errorf("allreduce returned %d values, expected %d", len(result), len(values))
	}
	copy(values, result)
	return nil
}

// Broadcast replaces values on every rank with root's values.
func (pg *ProcessGroup) Broadcast(ctx context.Context, root int, values []float64) error {
	if root < 0 || root >= pg.cfg.WorldSize {
		return fmt.Errorf("broadcast root %d out of range for world size %d", root, pg.cfg.WorldSize)
	}
	result, err := pg.collective(ctx, &message{Coll: collBroadcast, Root: root, Values: values})
	if err != nil {
		return err
	}
	if len(result) != len(values) {
		return fmt.Errorf("broadcast returned %d values, expected %d", len(result), len(values))
	}
	copy(values, result)
	return nil
}

// Barrier blocks until every rank has reached it.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	_, err := pg.collective(ctx, &message{Coll: collBarrier})
	return err
}

func (pg *ProcessGroup) collective(ctx context.Context, req *message) ([]float64, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.wc == nil {
		return nil, fmt.Errorf("process group has been destroyed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req.Kind = kindCollective
	req.Rank = pg.cfg.Rank
	req.Seq = pg.seq
	pg.seq++

	deadline := time.Now().Add(pg.cfg.timeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	pg.wc.setDeadline(deadline)
	defer pg.wc.setDeadline(time.Time{})

	if err := pg.wc.send(req); err != nil {
		return nil, fmt.Errorf("%s seq %d failed: %v", req.Coll, req.Seq, err)
	}
	reply, err := pg.wc.receive()
	if err != nil {
		return nil, fmt.Errorf("%s seq %d failed: %v", req.Coll, req.Seq, err)
	}
	switch reply.Kind {
	case kindResult:
		if reply.Seq != req.Seq {
			return nil, fmt.Errorf("%s result for seq %d, expected %d", req.Coll, reply.Seq, req.Seq)
		}
		return reply.Values, nil
	case kindAbort:
		return nil, fmt.Errorf("process group aborted: %s", reply.Err)
	default:
		return nil, fmt.Errorf("unexpected reply kind %d for %s seq %d", reply.Kind, req.Coll, req.Seq)
	}
}

// Destroy leaves the process group and releases its connection. Rank 0 then
// waits for the coordinator to drain so its terminal error is not lost.
// Destroy must run on every exit path, including failures.
func (pg *ProcessGroup) Destroy() error {
	pg.mu.Lock()
	wc := pg.wc
	pg.wc = nil
	pg.mu.Unlock()

	if wc == nil {
		return nil
	}

	wc.setDeadline(time.Now().Add(pg.cfg.timeout()))
	sendErr := wc.send(&message{Kind: kindLeave, Rank: pg.cfg.Rank})
	closeErr := wc.close()

	if pg.coord != nil {
		if err := pg.coord.wait(pg.cfg.timeout()); err != nil {
			return fmt.Errorf("coordinator shutdown: %v", err)
		}
	}
	if sendErr != nil {
		return fmt.Errorf("failed to leave process group: %v", sendErr)
	}
	return closeErr
}

package distributed

import (
	"fmt"
	"net"
	"time"
)

// coordinator is the rendezvous and reduction point hosted by rank 0. It
// accepts exactly worldSize connections, acks the rendezvous once everyone
// has joined, and then aggregates one collective request per rank per
// sequence number. Any connection failure or protocol mismatch aborts every
// rank: a partially completed collective cannot be resumed.
type coordinator struct {
	cfg      Config
	listener net.Listener
	conns    []*wireConn
	fanin    chan rankedMessage
	done     chan struct{}
	err      error
}

type rankedMessage struct {
	rank int
	msg  *message
	err  error
}

func newCoordinator(cfg Config) (*coordinator, error) {
	listener, err := net.Listen("tcp", cfg.masterEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", cfg.masterEndpoint(), err)
	}
	return &coordinator{
		cfg:      cfg,
		listener: listener,
		conns:    make([]*wireConn, cfg.WorldSize),
		fanin:    make(chan rankedMessage, cfg.WorldSize),
		done:     make(chan struct{}),
	}, nil
}

// serve runs the coordinator until all ranks leave or a failure aborts the
// group. It must be started before any rank (including rank 0) dials in.
func (c *coordinator) serve() {
	defer close(c.done)
	defer c.listener.Close()

	if err := c.acceptAll(); err != nil {
		c.err = err
		c.abort(err)
		return
	}

	for rank, wc := range c.conns {
		go c.readLoop(rank, wc)
	}

	c.err = c.aggregate()
	if c.err != nil {
		c.abort(c.err)
	}
	for _, wc := range c.conns {
		wc.close()
	}
}

// acceptAll blocks until every rank has connected and sent its join frame,
// then acks the rendezvous. A missing rank fails the whole group after the
// configured timeout; partial groups are not supported.
func (c *coordinator) acceptAll() error {
	deadline := time.Now().Add(c.cfg.timeout())
	if tcp, ok := c.listener.(*net.TCPListener); ok {
		tcp.SetDeadline(deadline)
	}

	joined := 0
	for joined < c.cfg.WorldSize {
		conn, err := c.listener.Accept()
		if err != nil {
			return fmt.Errorf("rendezvous failed with %d/%d ranks joined: %v", joined, c.cfg.WorldSize, err)
		}
		wc := newWireConn(conn)
		wc.setDeadline(deadline)

		msg, err := wc.receive()
		if err != nil {
			wc.close()
			return fmt.Errorf("failed to read join frame: %v", err)
		}
		if msg.Kind != kindJoin {
			wc.close()
			return fmt.Errorf("expected join frame, got kind %d", msg.Kind)
		}
		if msg.World != c.cfg.WorldSize {
			wc.close()
			return fmt.Errorf("rank %d joined with world size %d, coordinator has %d", msg.Rank, msg.World, c.cfg.WorldSize)
		}
		if msg.Rank < 0 || msg.Rank >= c.cfg.WorldSize {
			wc.close()
			return fmt.Errorf("join from out-of-range rank %d", msg.Rank)
		}
		if c.conns[msg.Rank] != nil {
			wc.close()
			return fmt.Errorf("duplicate join from rank %d", msg.Rank)
		}
		c.conns[msg.Rank] = wc
		joined++
	}

	for rank, wc := range c.conns {
		wc.setDeadline(time.Time{})
		if err := wc.send(&message{Kind: kindJoinAck, Rank: rank, World: c.cfg.WorldSize}); err != nil {
			return fmt.Errorf("failed to ack rank %d: %v", rank, err)
		}
	}
	return nil
}

func (c *coordinator) readLoop(rank int, wc *wireConn) {
	for {
		msg, err := wc.receive()
		if err != nil {
			c.fanin <- rankedMessage{rank: rank, err: err}
			return
		}
		c.fanin <- rankedMessage{rank: rank, msg: msg}
		if msg.Kind == kindLeave {
			return
		}
	}
}

// aggregate collects collective requests until every rank has left. Requests
// are grouped by sequence number; once all live ranks have contributed, the
// reduction is computed and fanned back out.
func (c *coordinator) aggregate() error {
	pending := make(map[uint64][]*message)
	left := make([]bool, c.cfg.WorldSize)
	numLeft := 0

	for numLeft < c.cfg.WorldSize {
		rm := <-c.fanin
		if rm.err != nil {
			return fmt.Errorf("rank %d connection failed: %v", rm.rank, rm.err)
		}

		switch rm.msg.Kind {
		case kindLeave:
			if !left[rm.rank] {
				left[rm.rank] = true
				numLeft++
			}
			// A rank that leaves while a collective is outstanding would
			// deadlock the remaining participants.
			if len(pending) > 0 {
				return fmt.Errorf("rank %d left with %d collective(s) in flight", rm.rank, len(pending))
			}
		case kindCollective:
			if numLeft > 0 {
				return fmt.Errorf("rank %d issued %s seq %d after %d rank(s) left the group",
					rm.rank, rm.msg.Coll, rm.msg.Seq, numLeft)
			}
			seq := rm.msg.Seq
			pending[seq] = append(pending[seq], rm.msg)
			if len(pending[seq]) == c.cfg.WorldSize {
				group := pending[seq]
				delete(pending, seq)
				if err := c.complete(group); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected frame kind %d from rank %d", rm.msg.Kind, rm.rank)
		}
	}
	return nil
}

// complete validates that all ranks issued the same collective and sends the
// reduced result to each of them.
func (c *coordinator) complete(group []*message) error {
	first := group[0]
	for _, msg := range group[1:] {
		if msg.Coll != first.Coll || msg.Op != first.Op || msg.Root != first.Root {
			return fmt.Errorf("collective mismatch at seq %d: rank %d issued %s, rank %d issued %s",
				first.Seq, first.Rank, first.Coll, msg.Rank, msg.Coll)
		}
		if msg.Coll == collAllReduce && len(msg.Values) != len(first.Values) {
			return fmt.Errorf("allreduce length mismatch at seq %d: rank %d sent %d values, rank %d sent %d",
				first.Seq, first.Rank, len(first.Values), msg.Rank, len(msg.Values))
		}
	}

	var values []float64
	switch first.Coll {
	case collAllReduce:
		values = reduce(group, first.Op)
	case collBroadcast:
		for _, msg := range group {
			if msg.Rank == first.Root {
				values = msg.Values
			}
		}
	case collBarrier:
		// No payload.
	}

	result := &message{Kind: kindResult, Seq: first.Seq, Coll: first.Coll, Values: values}
	for _, msg := range group {
		if err := c.conns[msg.Rank].send(result); err != nil {
			return fmt.Errorf("failed to send seq %d result to rank %d: %v", first.Seq, msg.Rank, err)
		}
	}
	return nil
}

func reduce(group []*message, op Op) []float64 {
	out := append([]float64(nil), group[0].Values...)
	for _, msg := range group[1:] {
		for i, v := range msg.Values {
			switch op {
			case OpSum:
				out[i] += v
			case OpMax:
				if v > out[i] {
					out[i] = v
				}
			}
		}
	}
	return out
}

// abort notifies every connected rank that the group is dead.
func (c *coordinator) abort(cause error) {
	msg := &message{Kind: kindAbort, Err: cause.Error()}
	for _, wc := range c.conns {
		if wc != nil {
			wc.send(msg)
			wc.close()
		}
	}
}

// wait blocks until the coordinator has shut down and returns its terminal
// error, if any.
func (c *coordinator) wait(timeout time.Duration) error {
	select {
	case <-c.done:
		return c.err
	case <-time.After(timeout):
		return fmt.Errorf("coordinator did not shut down within %s", timeout)
	}
}

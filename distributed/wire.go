package distributed

import (
	"encoding/gob"
	"net"
	"sync"
	"time"
)

type msgKind uint8

const (
	kindJoin msgKind = iota
	kindJoinAck
	kindCollective
	kindResult
	kindLeave
	kindAbort
)

type collKind uint8

const (
	collAllReduce collKind = iota
	collBroadcast
	collBarrier
)

func (c collKind) String() string {
	switch c {
	case collAllReduce:
		return "allreduce"
	case collBroadcast:
		return "broadcast"
	case collBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Op selects the reduction applied by AllReduce.
type Op int

const (
	OpSum Op = iota
	OpMax
)

func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	default:
		return "unknown"
	}
}

// message is the single frame type exchanged between ranks and the
// coordinator. Collective requests carry (Coll, Seq, Op, Root, Values);
// results echo Seq and carry the reduced Values or an error.
type message struct {
	Kind   msgKind
	Rank   int
	World  int
	Seq    uint64
	Coll   collKind
	Op     Op
	Root   int
	Values []float64
	Err    string
}

// wireConn wraps a TCP connection with gob framing. Writes are serialized;
// reads happen from a single goroutine on each side.
type wireConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	wmu  sync.Mutex
}

func newWireConn(conn net.Conn) *wireConn {
	return &wireConn{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}
}

func (w *wireConn) send(msg *message) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.enc.Encode(msg)
}

func (w *wireConn) receive() (*message, error) {
	var msg message
	if err := w.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (w *wireConn) setDeadline(t time.Time) error {
	return w.conn.SetDeadline(t)
}

func (w *wireConn) close() error {
	return w.conn.Close()
}

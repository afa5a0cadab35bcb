package comm

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrProtocolMismatch is returned when two ranks join the same collective
// round, or read the same point-to-point channel, with different operations
var ErrProtocolMismatch = errors.New("collective protocol mismatch")

// Comm is one rank's handle on a process group. Every collective must be
// called by all ranks of the group, the same number of times and in the same
// order; a rank that skips a collective stalls its peers until their context
// is cancelled.
type Comm interface {
	Rank() int
	Size() int
	Session() uuid.UUID
	// Send queues payload for dst without blocking
	Send(ctx context.Context, dst int, tag string, payload []byte) error
	// Recv blocks until the next message from src arrives
	Recv(ctx context.Context, src int, tag string) ([]byte, error)
	// AllGather blocks until every rank has contributed, then returns all
	// contributions indexed by rank
	AllGather(ctx context.Context, tag string, payload []byte) ([][]byte, error)
	Barrier(ctx context.Context, tag string) error
}

// World is an in-process process group: every rank runs in its own
// goroutine and shares nothing with its peers except through the World.
type World struct {
	size    int
	session uuid.UUID

	mu     sync.Mutex
	rounds map[uint64]*round
	mail   [][]*mailbox // [src][dst]
}

type round struct {
	tag     string
	in      [][]byte
	arrived int
	err     error
	closed  bool
	done    chan struct{}
}

type message struct {
	tag     string
	payload []byte
}

// mailbox is an unbounded FIFO with a single consumer
type mailbox struct {
	mu    sync.Mutex
	queue []message
	ready chan struct{}
}

// NewWorld creates a process group of size ranks
func NewWorld(size int) (*World, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid process group size %d", size)
	}
	w := &World{
		size:    size,
		session: uuid.New(),
		rounds:  make(map[uint64]*round),
		mail:    make([][]*mailbox, size),
	}
	for src := range w.mail {
		w.mail[src] = make([]*mailbox, size)
		for dst := range w.mail[src] {
			w.mail[src][dst] = &mailbox{ready: make(chan struct{}, 1)}
		}
	}
	return w, nil
}

func (w *World) Size() int { return w.size }

func (w *World) Session() uuid.UUID { return w.session }

// Comm returns the handle of rank r. Each handle must be used by a single
// goroutine.
func (w *World) Comm(r int) Comm {
	if r < 0 || r >= w.size {
		panic(errors.Errorf("rank %d outside process group of size %d", r, w.size))
	}
	return &endpoint{world: w, rank: r}
}

func (w *World) join(seq uint64, rank int, tag string, payload []byte) *round {
	w.mu.Lock()
	defer w.mu.Unlock()
	rd, ok := w.rounds[seq]
	if !ok {
		rd = &round{tag: tag, in: make([][]byte, w.size), done: make(chan struct{})}
		w.rounds[seq] = rd
	}
	if rd.tag != tag && rd.err == nil {
		rd.err = errors.Wrapf(ErrProtocolMismatch, "round %d: rank %d joined %q, expected %q", seq, rank, tag, rd.tag)
	}
	rd.in[rank] = payload
	rd.arrived++
	if rd.arrived == w.size {
		delete(w.rounds, seq)
	}
	if (rd.arrived == w.size || rd.err != nil) && !rd.closed {
		rd.closed = true
		close(rd.done)
	}
	return rd
}

type endpoint struct {
	world *World
	rank  int
	seq   uint64
}

func (e *endpoint) Rank() int { return e.rank }

func (e *endpoint) Size() int { return e.world.size }

func (e *endpoint) Session() uuid.UUID { return e.world.session }

func (e *endpoint) Send(ctx context.Context, dst int, tag string, payload []byte) error {
	if dst < 0 || dst >= e.world.size {
		return errors.Errorf("send %q: destination rank %d out of range", tag, dst)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "send %q to rank %d", tag, dst)
	}
	mb := e.world.mail[e.rank][dst]
	mb.mu.Lock()
	mb.queue = append(mb.queue, message{tag: tag, payload: payload})
	mb.mu.Unlock()
	select {
	case mb.ready <- struct{}{}:
	default:
	}
	return nil
}

func (e *endpoint) Recv(ctx context.Context, src int, tag string) ([]byte, error) {
	if src < 0 || src >= e.world.size {
		return nil, errors.Errorf("recv %q: source rank %d out of range", tag, src)
	}
	mb := e.world.mail[src][e.rank]
	for {
		mb.mu.Lock()
		if len(mb.queue) > 0 {
			msg := mb.queue[0]
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			if msg.tag != tag {
				return nil, errors.Wrapf(ErrProtocolMismatch, "recv from rank %d: got %q, expected %q", src, msg.tag, tag)
			}
			return msg.payload, nil
		}
		mb.mu.Unlock()
		select {
		case <-mb.ready:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "recv %q from rank %d", tag, src)
		}
	}
}

func (e *endpoint) AllGather(ctx context.Context, tag string, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "allgather %q", tag)
	}
	seq := e.seq
	e.seq++
	rd := e.world.join(seq, e.rank, tag, payload)
	select {
	case <-rd.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "allgather %q", tag)
	}
	if rd.err != nil {
		return nil, rd.err
	}
	out := make([][]byte, len(rd.in))
	copy(out, rd.in)
	return out, nil
}

func (e *endpoint) Barrier(ctx context.Context, tag string) error {
	_, err := e.AllGather(ctx, "barrier/"+tag, nil)
	return err
}

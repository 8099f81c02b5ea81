package port

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"worker-rpc/message"
	"worker-rpc/rpcerr"
)

// Endpoint is one side of a message channel.
type Endpoint interface {
	// Post delivers env to the other side, moving every handle in its
	// transfer list. Post never waits for the receiver.
	Post(env *message.Envelope) error
	// Receive blocks until an envelope arrives. It returns io.EOF once the
	// channel is closed and drained.
	Receive() (*message.Envelope, error)
	// Close shuts the endpoint down; the other side sees io.EOF.
	Close() error
}

// queue is an unbounded FIFO of envelopes, one per direction.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*message.Envelope
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(env *message.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return rpcerr.ChannelClosed("post", nil)
	}
	q.items = append(q.items, env)
	q.cond.Signal()
	return nil
}

func (q *queue) pop() (*message.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, io.EOF
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env, nil
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Port is one end of an in-process message channel. A Port is itself a Handle:
// it can be moved to the other side inside an envelope, which entangles the
// receiver with this port's partner.
type Port struct {
	detachState
	id  string
	in  *queue // envelopes for this side
	out *queue // envelopes for the partner
}

// NewChannel returns two entangled ports. Anything posted on one is received on
// the other.
func NewChannel() (*Port, *Port) {
	ab, ba := newQueue(), newQueue()
	a := &Port{id: uuid.NewString(), in: ba, out: ab}
	b := &Port{id: uuid.NewString(), in: ab, out: ba}
	return a, b
}

// ID returns a process-unique identifier for logging.
func (p *Port) ID() string { return p.id }

// SlotKind implements message.Transferable.
func (p *Port) SlotKind() message.SlotKind { return message.SlotPort }

// Post implements Endpoint.
func (p *Port) Post(env *message.Envelope) error {
	if p.Detached() {
		return ErrDetached
	}
	if p.out.isClosed() {
		return rpcerr.ChannelClosed("post", nil)
	}
	if err := checkTransfer(env.Transfer, p); err != nil {
		return err
	}
	transfer, err := moveTransfer(env.Transfer)
	if err != nil {
		return rpcerr.New(rpcerr.KindTransfer).Op("post").Cause(err).Build()
	}

	delivered := *env
	delivered.Idx = append([]uint32(nil), env.Idx...)
	delivered.Transfer = transfer
	if err := p.out.push(&delivered); err != nil {
		restoreTransfer(env.Transfer, transfer)
		return err
	}
	return nil
}

// Receive implements Endpoint.
func (p *Port) Receive() (*message.Envelope, error) {
	if p.Detached() {
		return nil, ErrDetached
	}
	return p.in.pop()
}

// Close implements Endpoint. Envelopes already queued for the partner are
// still delivered; the partner then sees io.EOF.
func (p *Port) Close() error {
	p.out.close()
	p.in.close()
	return nil
}

// shares reports whether p and other are bound to the same channel.
func (p *Port) shares(other *Port) bool {
	return p.in == other.in || p.in == other.out
}

func (p *Port) move() (Handle, error) {
	if err := p.detach(); err != nil {
		return nil, err
	}
	return &Port{id: p.id, in: p.in, out: p.out}, nil
}

func (p *Port) restore(Handle) { p.reattach() }

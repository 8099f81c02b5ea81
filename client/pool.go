// Package client implements a pool of workers.
//
// A worker is a Channel whose peer runs the exposed functions: an in-process
// goroutine or a remote worker server. The pool keeps an idle list and a FIFO
// task queue. A task is handed to an idle worker as soon as one is free; the
// worker rejoins the idle list when its task completes.
//
//	Request ──→ queue ──→ [idle worker] ──→ Channel.Request ──→ result
//	                         ↑                                   │
//	                         └──────────── back to idle ─────────┘
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worker-rpc/loadbalance"
	"worker-rpc/rpcerr"
	"worker-rpc/transport"
)

// Worker is one pool member.
type Worker struct {
	id      string
	channel *transport.Channel
	weight  int
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Channel returns the channel connected to the worker.
func (w *Worker) Channel() *transport.Channel { return w.channel }

func (w *Worker) NodeKey() string { return w.id }

func (w *Worker) NodeWeight() int { return w.weight }

// Result is the outcome of a task together with the worker that ran it.
type Result struct {
	Value  any
	Worker *Worker
}

type task struct {
	ctx    context.Context
	method string
	args   []any
	notify bool
	done   chan taskResult // buffered, receives exactly once
}

type taskResult struct {
	Result
	err error
}

func (t *task) finish(r Result, err error) {
	t.done <- taskResult{Result: r, err: err}
}

// Pool schedules tasks over a fixed set of workers.
type Pool struct {
	logger   *zap.Logger
	balancer loadbalance.Balancer
	ring     *loadbalance.ConsistentHashBalancer

	mu         sync.Mutex
	workers    []*Worker
	idle       []*Worker
	queue      []*task
	terminated bool
}

// New starts size workers from factory. When one fails to start, the workers
// already started are closed.
func New(ctx context.Context, size int, factory Factory, opts ...Option) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool{
		logger:   o.logger,
		balancer: o.balancer,
		ring:     loadbalance.NewConsistentHashBalancer(),
	}
	for i := 0; i < size; i++ {
		ch, err := factory(ctx, i)
		if err != nil {
			p.Terminate()
			return nil, err
		}
		w := &Worker{id: uuid.NewString(), channel: ch, weight: 1}
		p.workers = append(p.workers, w)
		p.idle = append(p.idle, w)
		p.ring.Add(w)
		p.logger.Debug("worker started", zap.String("worker", w.id), zap.Int("index", i))
	}
	return p, nil
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Idle returns the number of workers without a task.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Request runs method on the next free worker and returns its result.
func (p *Pool) Request(ctx context.Context, method string, args ...any) (any, error) {
	r, err := p.RequestWorker(ctx, method, args...)
	return r.Value, err
}

// RequestWorker is Request that also reports which worker ran the task, so
// that follow-up calls can target the same worker.
func (p *Pool) RequestWorker(ctx context.Context, method string, args ...any) (Result, error) {
	return p.submit(ctx, method, args, false)
}

// Notify hands method to the next free worker without waiting for a result.
// It returns once the notification is posted.
func (p *Pool) Notify(ctx context.Context, method string, args ...any) (*Worker, error) {
	r, err := p.submit(ctx, method, args, true)
	return r.Worker, err
}

// RequestKeyed sends method to the worker that owns key on the hash ring,
// bypassing the queue. Calls with equal keys always reach the same worker
// while it is alive.
func (p *Pool) RequestKeyed(ctx context.Context, key, method string, args ...any) (Result, error) {
	if err := p.checkOpen(method); err != nil {
		return Result{}, err
	}
	n, err := p.ring.Pick(key)
	if err != nil {
		return Result{}, rpcerr.New(rpcerr.KindPool).Op(method).Cause(err).Build()
	}
	w := n.(*Worker)
	v, err := w.channel.Request(ctx, method, args...)
	return Result{Value: v, Worker: w}, err
}

func (p *Pool) checkOpen(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return errTerminated(method)
	}
	return nil
}

func errTerminated(method string) error {
	return rpcerr.New(rpcerr.KindPool).Op(method).Detail("pool terminated").Build()
}

func errNoWorkers(method string) error {
	return rpcerr.New(rpcerr.KindPool).Op(method).Detail("no workers left").Build()
}

func (p *Pool) submit(ctx context.Context, method string, args []any, notify bool) (Result, error) {
	t := &task{
		ctx:    ctx,
		method: method,
		args:   args,
		notify: notify,
		done:   make(chan taskResult, 1),
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return Result{}, errTerminated(method)
	}
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return Result{}, errNoWorkers(method)
	}
	p.queue = append(p.queue, t)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case r := <-t.done:
		return r.Result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// dispatchLocked pairs queued tasks with idle workers. Caller holds p.mu.
func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if err := t.ctx.Err(); err != nil {
			t.finish(Result{}, err)
			continue
		}

		i := 0
		if len(p.idle) > 1 {
			nodes := make([]loadbalance.Node, len(p.idle))
			for j, w := range p.idle {
				nodes[j] = w
			}
			if picked, err := p.balancer.Pick(nodes); err == nil {
				i = picked
			}
		}
		w := p.idle[i]
		p.idle = append(p.idle[:i], p.idle[i+1:]...)

		go p.run(w, t)
	}
}

func (p *Pool) run(w *Worker, t *task) {
	var (
		v   any
		err error
	)
	if t.notify {
		err = w.channel.Notify(t.method, t.args...)
	} else {
		v, err = w.channel.Request(t.ctx, t.method, t.args...)
	}
	p.release(w)
	t.finish(Result{Value: v, Worker: w}, err)
}

// release returns w to the idle list, or drops it when its channel is gone.
func (p *Pool) release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}

	select {
	case <-w.channel.Done():
		p.removeLocked(w)
		p.logger.Warn("worker lost", zap.String("worker", w.id), zap.Int("remaining", len(p.workers)))
		if len(p.workers) == 0 {
			for _, t := range p.queue {
				t.finish(Result{}, errNoWorkers(t.method))
			}
			p.queue = nil
		}
	default:
		p.idle = append(p.idle, w)
	}
	p.dispatchLocked()
}

func (p *Pool) removeLocked(w *Worker) {
	for i, x := range p.workers {
		if x == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.ring.Remove(w.id)
}

// Terminate closes every worker. Queued tasks and every later task fail with
// a pool error.
func (p *Pool) Terminate() error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	workers := p.workers
	queue := p.queue
	p.workers, p.idle, p.queue = nil, nil, nil
	p.mu.Unlock()

	for _, t := range queue {
		t.finish(Result{}, errTerminated(t.method))
	}

	var errs []error
	for _, w := range workers {
		p.ring.Remove(w.id)
		if err := w.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool terminated", zap.Int("workers", len(workers)))
	return errors.Join(errs...)
}

package transfer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"worker-rpc/message"
)

// HandlePrefix starts every FunctionHandle issued by a Registry.
const HandlePrefix = "$fn."

// Dispatcher is the surface of the dispatch engine the registry and its proxies
// need. transport.Channel implements it.
type Dispatcher interface {
	Expose(name string, fn any) error
	Unexpose(name string)
	Request(ctx context.Context, name string, args ...any) (any, error)
	Notify(name string, args ...any) error
}

// Registry issues FunctionHandles for local functions and turns received
// handles into Proxies. Each channel owns one Registry; handles are unique for
// the registry's lifetime.
type Registry struct {
	dispatcher Dispatcher
	counter    atomic.Uint64

	mu   sync.Mutex
	live map[message.FunctionHandle]struct{}
}

// NewRegistry creates a registry bound to d.
func NewRegistry(d Dispatcher) *Registry {
	return &Registry{
		dispatcher: d,
		live:       make(map[message.FunctionHandle]struct{}),
	}
}

// Expose registers fn under a fresh handle. fn must be a func value or a
// *Proxy; exposing a proxy forwards every invocation to its origin.
func (r *Registry) Expose(fn any) (message.FunctionHandle, error) {
	if p, ok := fn.(*Proxy); ok {
		fn = func(ctx context.Context, args ...any) (any, error) {
			return p.Request(ctx, args...)
		}
	}
	if rv := reflect.ValueOf(fn); rv.Kind() != reflect.Func || rv.IsNil() {
		return "", fmt.Errorf("transfer: cannot expose %T", fn)
	}

	h := message.FunctionHandle(fmt.Sprintf("%s%d", HandlePrefix, r.counter.Add(1)))
	if err := r.dispatcher.Expose(string(h), fn); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.live[h] = struct{}{}
	r.mu.Unlock()
	return h, nil
}

// Revoke unregisters h. Later invocations of its proxies on the peer fail with
// a dispatch error.
func (r *Registry) Revoke(h message.FunctionHandle) {
	r.mu.Lock()
	_, ok := r.live[h]
	delete(r.live, h)
	r.mu.Unlock()
	if ok {
		r.dispatcher.Unexpose(string(h))
	}
}

// Exposed returns the number of live handles.
func (r *Registry) Exposed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Resolve returns a proxy for a handle received from the peer.
func (r *Registry) Resolve(h message.FunctionHandle) *Proxy {
	return &Proxy{handle: h, dispatcher: r.dispatcher}
}

// Proxy is the local stand-in for a function exposed by the peer.
type Proxy struct {
	handle     message.FunctionHandle
	dispatcher Dispatcher
}

// Handle returns the handle the proxy targets.
func (p *Proxy) Handle() message.FunctionHandle { return p.handle }

// Call invokes the remote function without waiting for anything. Failures are
// logged, never returned.
func (p *Proxy) Call(args ...any) {
	if err := p.Notify(args...); err != nil {
		Logger().Warn("proxy call failed",
			zap.String("handle", string(p.handle)),
			zap.Error(err))
	}
}

// Notify invokes the remote function without waiting for its result.
func (p *Proxy) Notify(args ...any) error {
	return p.dispatcher.Notify(string(p.handle), args...)
}

// Request invokes the remote function and waits for its result.
func (p *Proxy) Request(ctx context.Context, args ...any) (any, error) {
	return p.dispatcher.Request(ctx, string(p.handle), args...)
}

// Func returns the proxy as a plain func with Call semantics.
func (p *Proxy) Func() func(args ...any) { return p.Call }

func (p *Proxy) String() string { return "proxy(" + string(p.handle) + ")" }

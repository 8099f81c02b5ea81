// Package transport implements the dispatch engine that sits on one endpoint.
//
// A Channel multiplexes many concurrent calls over a single endpoint. Each
// request gets a sequence number, and a background goroutine (recvLoop) reads
// every inbound envelope: responses are routed to the waiting caller through
// the pending map, requests and notifications are dispatched to the method
// table on their own goroutine so that handlers can call back into the peer.
//
//	goroutine-1 ──Request(seq=1)──┐
//	goroutine-2 ──Request(seq=2)──┼──→ endpoint ──→ peer
//	goroutine-3 ──Notify─────────┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← goroutine-2 wakes up
//	           ←── request "$fn.3" → go serve(...)
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worker-rpc/message"
	"worker-rpc/middleware"
	"worker-rpc/port"
	"worker-rpc/rpcerr"
	"worker-rpc/transfer"
)

// Channel is the dispatch engine bound to one endpoint.
type Channel struct {
	id       string
	endpoint port.Endpoint
	opts     options
	logger   *zap.Logger

	registry    *transfer.Registry
	marshaler   *transfer.Marshaler
	demarshaler *transfer.Demarshaler
	methods     *Methods // functions exposed by this channel
	handler     middleware.HandlerFunc

	seq     atomic.Uint32
	pending sync.Map // map[uint32]chan *message.Envelope
	active  atomic.Int64 // inbound calls being served

	ctx       context.Context // cancelled when the channel closes
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewChannel binds a channel to ep and starts its receive loop.
func NewChannel(ep port.Endpoint, opts ...Option) *Channel {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	c := &Channel{
		id:       o.id,
		endpoint: ep,
		opts:     o,
		methods:  NewMethods(),
		closed:   make(chan struct{}),
	}
	c.logger = o.logger.With(zap.String("channel", c.id))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.registry = transfer.NewRegistry(c)
	c.marshaler = transfer.NewMarshaler(c.registry, o.transferOptions()...)
	c.demarshaler = transfer.NewDemarshaler(c.registry, o.transferOptions()...)
	c.handler = middleware.Chain(o.middlewares...)(c.invoke)

	go c.recvLoop()
	return c
}

// Pipe returns two channels connected by an in-process message channel.
func Pipe(opts ...Option) (*Channel, *Channel) {
	a, b := port.NewChannel()
	return NewChannel(a, opts...), NewChannel(b, opts...)
}

// ID returns the channel id used in logs.
func (c *Channel) ID() string { return c.id }

// Registry returns the registry that issues this channel's function handles.
func (c *Channel) Registry() *transfer.Registry { return c.registry }

// Methods returns the table of functions exposed by this channel.
func (c *Channel) Methods() *Methods { return c.methods }

// Done is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Expose makes fn callable by the peer under name.
func (c *Channel) Expose(name string, fn any) error {
	return c.methods.Expose(name, fn)
}

// Unexpose removes name.
func (c *Channel) Unexpose(name string) {
	c.methods.Unexpose(name)
}

// Register exposes the methods of rcvr as "<Type>.<Method>".
func (c *Channel) Register(rcvr any) error {
	return c.methods.Register(rcvr)
}

// Request calls method on the peer and waits for its result. Functions among
// args are exposed for the peer to call back; with WithScopedCallbacks they
// are revoked once the result arrives.
func (c *Channel) Request(ctx context.Context, method string, args ...any) (any, error) {
	if c.isClosed() {
		return nil, rpcerr.ChannelClosed(method, c.closeErr)
	}

	acc, err := c.marshaler.Marshal(args...)
	if err != nil {
		return nil, err
	}
	if c.opts.scoped {
		defer acc.Release()
	}

	seq := c.nextSeq()
	env := message.NewRequest(seq, method)
	acc.Fill(env)

	// Register the response channel before sending to avoid racing recvLoop.
	respChan := make(chan *message.Envelope, 1)
	c.pending.Store(seq, respChan)

	if err := c.post(env); err != nil {
		c.pending.Delete(seq)
		acc.Release()
		return nil, err
	}

	select {
	case resp := <-respChan:
		return c.result(method, resp)
	case <-ctx.Done():
		c.pending.Delete(seq)
		return nil, ctx.Err()
	case <-c.closed:
		c.pending.Delete(seq)
		// A response may have raced the shutdown.
		select {
		case resp := <-respChan:
			return c.result(method, resp)
		default:
		}
		return nil, rpcerr.ChannelClosed(method, c.closeErr)
	}
}

// Notify calls method on the peer without waiting for anything.
func (c *Channel) Notify(method string, args ...any) error {
	if c.isClosed() {
		return rpcerr.ChannelClosed(method, c.closeErr)
	}
	acc, err := c.marshaler.Marshal(args...)
	if err != nil {
		return err
	}
	env := message.NewNotify(method)
	acc.Fill(env)
	if err := c.post(env); err != nil {
		acc.Release()
		return err
	}
	return nil
}

// Close shuts the channel down. Pending and later calls fail with a
// channel-closed error.
func (c *Channel) Close() error {
	err := c.endpoint.Close()
	c.shutdown(nil)
	return err
}

// Drain waits until no inbound call is being served, or until ctx ends.
func (c *Channel) Drain(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for c.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func (c *Channel) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

func (c *Channel) post(env *message.Envelope) error {
	if c.opts.sendHook != nil {
		c.opts.sendHook(env)
	}
	return c.endpoint.Post(env)
}

func (c *Channel) result(method string, resp *message.Envelope) (any, error) {
	if resp.Error != nil {
		return nil, remoteError(method, resp.Error)
	}
	values, err := c.demarshaler.DemarshalEnvelope(resp)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// remoteError rebuilds the error carried by a response. Dispatch failures keep
// their kind; everything else is a remote application error whose message is
// passed through unchanged.
func remoteError(method string, re *message.RemoteError) error {
	switch rpcerr.Kind(re.Kind) {
	case rpcerr.KindDispatch, rpcerr.KindMarshal, rpcerr.KindEnvelope, rpcerr.KindTransfer:
		return rpcerr.New(rpcerr.Kind(re.Kind)).Op(method).Detail("%s", re.Message).Build()
	default:
		return rpcerr.Remote(method, re.Message)
	}
}

// recvLoop is the only reader of the endpoint.
func (c *Channel) recvLoop() {
	for {
		env, err := c.endpoint.Receive()
		var bad *port.MalformedError
		if errors.As(err, &bad) {
			c.logger.Warn("malformed envelope",
				zap.Stringer("role", bad.Role),
				zap.Uint32("seq", bad.Seq),
				zap.Error(bad.Err))
			c.rejectEnvelope(bad.Role, bad.Seq, bad.Err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, port.ErrDetached) {
				c.logger.Warn("receive failed", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		if err := env.Validate(); err != nil {
			c.logger.Warn("malformed envelope",
				zap.Stringer("role", env.Role),
				zap.Uint32("seq", env.Seq),
				zap.Error(err))
			c.rejectEnvelope(env.Role, env.Seq, err)
			continue
		}

		switch env.Role {
		case message.RoleResponse:
			if ch, ok := c.pending.LoadAndDelete(env.Seq); ok {
				ch.(chan *message.Envelope) <- env
			} else {
				c.logger.Debug("response without caller", zap.Uint32("seq", env.Seq))
			}
		case message.RoleRequest, message.RoleNotify:
			params, err := c.demarshaler.DemarshalEnvelope(env)
			if err != nil {
				c.logger.Warn("cannot demarshal call",
					zap.String("method", env.Method),
					zap.Error(err))
				if env.Role == message.RoleRequest {
					c.respondError(env.Seq, err)
				}
				continue
			}
			call := &message.Call{
				Method: env.Method,
				Params: params,
				Seq:    env.Seq,
				Notify: env.Role == message.RoleNotify,
			}
			c.active.Add(1)
			go c.serve(call)
		}
	}
}

// rejectEnvelope fails only the call an unusable envelope belongs to.
func (c *Channel) rejectEnvelope(role message.Role, seq uint32, err error) {
	switch role {
	case message.RoleRequest:
		c.respondError(seq, err)
	case message.RoleResponse:
		c.failPending(seq, err)
	}
}

// failPending hands a synthetic error response to the caller waiting on seq.
func (c *Channel) failPending(seq uint32, err error) {
	if ch, ok := c.pending.LoadAndDelete(seq); ok {
		ch.(chan *message.Envelope) <- message.NewErrorResponse(seq, string(kindOf(err)), errorText(err))
	}
}

func (c *Channel) serve(call *message.Call) {
	defer c.active.Add(-1)
	reply := c.handler(c.ctx, call)
	if reply == nil {
		reply = &message.Reply{}
	}
	if call.Notify {
		if reply.Err != nil {
			c.logger.Warn("notification failed",
				zap.String("method", call.Method),
				zap.Error(reply.Err))
		}
		return
	}
	if reply.Err != nil {
		c.respondError(call.Seq, reply.Err)
		return
	}

	acc, err := c.marshaler.MarshalResult(reply.Result)
	if err != nil {
		c.respondError(call.Seq, err)
		return
	}
	resp := message.NewResponse(call.Seq)
	acc.Fill(resp)
	if err := c.post(resp); err != nil {
		acc.Release()
		c.logger.Warn("cannot send response",
			zap.String("method", call.Method),
			zap.Uint32("seq", call.Seq),
			zap.Error(err))
		if !rpcerr.IsKind(err, rpcerr.KindChannelClosed) {
			c.respondError(call.Seq, err)
		}
	}
}

func (c *Channel) respondError(seq uint32, err error) {
	resp := message.NewErrorResponse(seq, string(kindOf(err)), errorText(err))
	if perr := c.post(resp); perr != nil {
		c.logger.Debug("cannot send error response", zap.Uint32("seq", seq), zap.Error(perr))
	}
}

// errorText is the message sent with an error response. The receiver prefixes
// its own method and kind, so a bare *rpcerr.Error only sends its summary.
func errorText(err error) string {
	if re, ok := err.(*rpcerr.Error); ok {
		return re.Summary()
	}
	return err.Error()
}

func kindOf(err error) rpcerr.Kind {
	var re *rpcerr.Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return rpcerr.KindRemote
}

// invoke is the innermost handler: it looks the method up and calls it.
func (c *Channel) invoke(ctx context.Context, call *message.Call) *message.Reply {
	mt, ok := c.methods.lookup(call.Method)
	if !ok {
		mt, ok = c.opts.shared.lookup(call.Method)
	}
	if !ok {
		return &message.Reply{Err: rpcerr.New(rpcerr.KindDispatch).
			Op(call.Method).
			Detail("unknown method").
			Build()}
	}
	result, err := mt.call(ctx, call.Method, call.Params)
	return &message.Reply{Result: result, Err: err}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// shutdown marks the channel closed and fails every pending call.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
		close(c.closed)
		c.cancel()
		c.closeAllPending()
		c.logger.Debug("channel closed")
	})
}

// closeAllPending drops every pending entry. Waiting callers observe the closed
// channel and fail with a channel-closed error.
func (c *Channel) closeAllPending() {
	c.pending.Range(func(key, _ any) bool {
		c.pending.Delete(key)
		return true
	})
}

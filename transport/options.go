package transport

import (
	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/message"
	"worker-rpc/middleware"
	"worker-rpc/stream"
	"worker-rpc/transfer"
)

// Option configures a Channel.
type Option func(*options)

type options struct {
	id          string
	logger      *zap.Logger
	codec       codec.Codec
	streams     stream.Adapter
	sendHook    func(*message.Envelope)
	middlewares []middleware.Middleware
	shared      *Methods
	scoped      bool
	flat        bool
}

func defaultOptions() options {
	return options{
		logger: Logger(),
		codec:  &codec.CBORCodec{},
	}
}

func (o options) transferOptions() []transfer.Option {
	opts := []transfer.Option{transfer.WithCodec(o.codec)}
	if o.streams != nil {
		opts = append(opts, transfer.WithStreams(o.streams))
	}
	if o.flat {
		opts = append(opts, transfer.Flat())
	}
	return opts
}

// WithID sets the channel id used in logs. A random id is used otherwise.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodec sets the codec for opaque values. Both sides must agree.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithStreams sets the stream adapter.
func WithStreams(a stream.Adapter) Option {
	return func(o *options) { o.streams = a }
}

// WithSendHook installs a hook that sees every envelope right before it is
// posted to the endpoint.
func WithSendHook(hook func(*message.Envelope)) Option {
	return func(o *options) { o.sendHook = hook }
}

// WithMiddleware appends middlewares to the inbound handler chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithMethods adds a shared method table consulted after the channel's own.
func WithMethods(m *Methods) Option {
	return func(o *options) { o.shared = m }
}

// WithScopedCallbacks revokes the functions passed to Request once its result
// arrives. Functions passed to Notify are unaffected.
func WithScopedCallbacks() Option {
	return func(o *options) { o.scoped = true }
}

// WithFlat selects the skeleton-less wire shape. Both sides must agree.
func WithFlat() Option {
	return func(o *options) { o.flat = true }
}

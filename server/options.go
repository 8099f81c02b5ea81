package server

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/port"
	"worker-rpc/registry"
	"worker-rpc/transport"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	id      string
	logger  *zap.Logger
	conn    port.ConnOptions
	channel []transport.Option

	registry  registry.Registry
	service   string
	advertise string // address registered instead of the listen address
	ttl       time.Duration
	weight    int
	version   string
}

func defaultOptions() options {
	return options{
		id:      uuid.NewString(),
		logger:  Logger(),
		conn:    port.ConnOptions{CodecType: codec.CodecTypeCBOR},
		service: "worker",
		ttl:     registry.DefaultTTL,
		weight:  1,
	}
}

// WithLogger sets the logger for the server and its channels.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConnOptions sets framing options for accepted connections.
func WithConnOptions(c port.ConnOptions) Option {
	return func(o *options) { o.conn = c }
}

// WithChannelOptions adds options to every connection's channel.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(o *options) { o.channel = append(o.channel, opts...) }
}

// WithRegistry registers the server in reg as an instance of service.
// advertise is the routable address to publish; the listen address is used
// when it is empty.
func WithRegistry(reg registry.Registry, service, advertise string, ttl time.Duration) Option {
	return func(o *options) {
		o.registry = reg
		if service != "" {
			o.service = service
		}
		o.advertise = advertise
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithInstance sets the weight and version published to the registry.
func WithInstance(weight int, version string) Option {
	return func(o *options) {
		o.weight = weight
		o.version = version
	}
}

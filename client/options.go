package client

import (
	"go.uber.org/zap"

	"worker-rpc/loadbalance"
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	balancer loadbalance.Balancer
}

func defaultOptions() options {
	return options{
		logger:   Logger(),
		balancer: &loadbalance.RoundRobinBalancer{},
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBalancer sets the strategy that picks among idle workers.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) {
		if b != nil {
			o.balancer = b
		}
	}
}

package client

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"worker-rpc/loadbalance"
	"worker-rpc/port"
	"worker-rpc/registry"
	"worker-rpc/transport"
)

// Factory starts the i-th worker of a pool and returns the channel to it.
type Factory func(ctx context.Context, i int) (*transport.Channel, error)

// InProcess starts workers inside this process. Each worker is the far side
// of a channel pipe; setup exposes its functions.
func InProcess(setup func(worker *transport.Channel) error, opts ...transport.Option) Factory {
	return func(ctx context.Context, i int) (*transport.Channel, error) {
		near, far := transport.Pipe(opts...)
		if err := setup(far); err != nil {
			near.Close()
			return nil, fmt.Errorf("worker %d setup: %w", i, err)
		}
		return near, nil
	}
}

// Dial connects every worker to the server at addr.
func Dial(network, addr string, conn port.ConnOptions, opts ...transport.Option) Factory {
	return func(ctx context.Context, i int) (*transport.Channel, error) {
		return dial(ctx, network, addr, conn, opts)
	}
}

// Discover dials instances of service found in reg. The balancer spreads the
// workers of one pool over the instances.
func Discover(reg registry.Registry, service string, bal loadbalance.Balancer, conn port.ConnOptions, opts ...transport.Option) Factory {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return func(ctx context.Context, i int) (*transport.Channel, error) {
		instances, err := reg.Discover(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", service, err)
		}
		nodes := make([]loadbalance.Node, len(instances))
		for j := range instances {
			nodes[j] = instances[j]
		}
		j, err := bal.Pick(nodes)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", service, err)
		}
		inst := instances[j]
		Logger().Debug("dialling worker",
			zap.String("service", service),
			zap.String("addr", inst.Addr),
			zap.Int("index", i))
		return dial(ctx, "tcp", inst.Addr, conn, opts)
	}
}

func dial(ctx context.Context, network, addr string, conn port.ConnOptions, opts []transport.Option) (*transport.Channel, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return transport.NewChannel(port.NewConnEndpoint(c, conn), opts...), nil
}

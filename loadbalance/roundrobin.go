package loadbalance

import "sync/atomic"

// RoundRobinBalancer cycles through the candidates in order using a lock-free
// counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(nodes []Node) (int, error) {
	if len(nodes) == 0 {
		return 0, ErrNoNodes
	}
	return int((b.counter.Add(1) - 1) % uint64(len(nodes))), nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

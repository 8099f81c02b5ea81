// Package loadbalance picks one node out of several: a worker of a pool or a
// registered worker instance.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity workers
//   - WeightedRandom:  heterogeneous workers (different core counts)
//   - ConsistentHash:  key affinity, the same key always reaches the same worker
package loadbalance

import "errors"

// ErrNoNodes is returned when there is nothing to pick from.
var ErrNoNodes = errors.New("loadbalance: no nodes available")

// Node is anything a balancer can choose.
type Node interface {
	NodeKey() string
	NodeWeight() int
}

// Balancer chooses among candidates. Pick returns the index of the chosen node
// and must be goroutine-safe.
type Balancer interface {
	Pick(nodes []Node) (int, error)
	Name() string
}

// New returns the balancer registered under name. Unknown names fall back to
// round robin.
func New(name string) Balancer {
	switch name {
	case "weighted", "weighted-random", "WeightedRandom":
		return &WeightedRandomBalancer{}
	default:
		return &RoundRobinBalancer{}
	}
}

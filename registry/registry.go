// Package registry publishes and discovers worker endpoints.
//
// A worker server registers one Instance per service it exposes; pools that
// dial remote workers discover the instances and watch for changes.
package registry

import (
	"context"
	"time"
)

// DefaultTTL is the lease used when Register is called with ttl <= 0.
const DefaultTTL = 10 * time.Second

// Instance is one reachable worker endpoint.
type Instance struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"`            // relative capacity for weighted selection
	Version string `json:"version,omitempty"` // worker build version
	Codec   string `json:"codec,omitempty"`   // value codec the worker speaks
}

// NodeKey identifies the instance on a hash ring.
func (i Instance) NodeKey() string { return i.Addr }

// NodeWeight is the selection weight; instances without one count as 1.
func (i Instance) NodeWeight() int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}

// Registry is implemented by EtcdRegistry and MemoryRegistry.
type Registry interface {
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

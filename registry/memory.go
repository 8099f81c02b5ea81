package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps instances in process. Leases are not enforced; an
// instance stays until it is deregistered. It serves tests and single-host
// deployments.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
	closed   bool
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][inst.Addr] = inst
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][addr]; !ok {
		return nil
	}
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

// Close ends every watch.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for service, ws := range r.watchers {
		for _, w := range ws {
			close(w)
		}
		delete(r.watchers, service)
	}
	return nil
}

// notify pushes the current list to every watcher, replacing a stale
// undelivered list. Caller holds r.mu.
func (r *MemoryRegistry) notify(service string) {
	list := r.list(service)
	for _, w := range r.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}

func (r *MemoryRegistry) list(service string) []Instance {
	instances := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

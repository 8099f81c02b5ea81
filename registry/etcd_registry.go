package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every key written by EtcdRegistry.
const KeyPrefix = "/worker-rpc/"

var errClosed = errors.New("registry: closed")

// EtcdRegistry implements Registry on etcd v3:
//
//	Key:   /worker-rpc/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL leases, so a crashed worker disappears once its lease
// expires.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]lease // key → lease of a local registration
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      Logger().Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]lease)}, nil
}

func key(service, addr string) string {
	return KeyPrefix + service + "/" + addr
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register puts inst under a lease and keeps the lease alive until Deregister
// or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	k := key(service, inst.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// KeepAlive outlives ctx; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		Logger().Debug("lease keepalive stopped", zap.String("key", k))
	}()

	r.mu.Lock()
	if old, ok := r.leases[k]; ok {
		old.cancel()
	}
	r.leases[k] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	Logger().Info("instance registered",
		zap.String("service", service),
		zap.String("addr", inst.Addr),
		zap.Int64("ttl", seconds))
	return nil
}

// Deregister removes an instance. A lease held by this registry is revoked.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	k := key(service, addr)

	r.mu.Lock()
	l, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			Logger().Warn("lease revoke failed", zap.String("key", k), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, k); err != nil {
		return err
	}
	Logger().Info("instance deregistered", zap.String("service", service), zap.String("addr", addr))
	return nil
}

// Discover returns the instances currently registered for service, ordered by
// address.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			Logger().Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. The channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				Logger().Warn("discover after watch event failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every keepalive and closes the etcd client. Registered leases
// expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}

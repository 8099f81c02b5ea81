package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys to nodes on a hash ring. The same key maps
// to the same node until that node leaves the ring.
//
// Each node is placed on the ring as replicas virtual nodes so that a few
// nodes still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32        // sorted virtual node hashes
	nodes    map[uint32]Node // virtual node hash → node
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]Node),
	}
}

func virtualHash(key string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", key, i)))
}

// Add places node on the ring.
func (b *ConsistentHashBalancer) Add(node Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(node.NodeKey(), i)
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = node
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes the node with the given key off the ring.
func (b *ConsistentHashBalancer) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if n := b.nodes[hash]; n.NodeKey() == key {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Len returns the number of virtual nodes on the ring.
func (b *ConsistentHashBalancer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ring)
}

// Pick returns the node responsible for key: the first virtual node clockwise
// from the key's hash, wrapping around past the end of the ring.
func (b *ConsistentHashBalancer) Pick(key string) (Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoNodes
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"protocol-bridge/registry"
)

// ConsistentHashBalancer places instances on a hash ring and picks the one owning
// a fixed key. Adding or removing a master only moves the keys next to it on the
// ring, so most bridges keep their master when the set changes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int // virtual nodes per instance
}

// NewConsistentHashBalancer hashes key (normally the bridge's name) with 100
// virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey(instances, b.key)
}

// PickKey picks the owner of an arbitrary key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	ring := make([]uint32, 0, len(instances)*b.replicas)
	owner := make(map[uint32]int, len(instances)*b.replicas)
	for i, inst := range instances {
		for v := 0; v < b.replicas; v++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, v)))
			if _, taken := owner[h]; taken {
				continue
			}
			ring = append(ring, h)
			owner[h] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return &instances[owner[ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

// Package loadbalance picks one backend master out of the discovered instances.
//
//   - round_robin:     spread successive bridges (or reconnects) evenly
//   - weighted_random: honour instance weights
//   - consistent_hash: the same bridge name keeps landing on the same master
package loadbalance

import (
	"github.com/juju/errors"

	"protocol-bridge/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer selects an instance. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name. key is only used by
// consistent_hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}

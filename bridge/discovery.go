package bridge

import (
	"context"
	"net"
	"slices"
	"strconv"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"protocol-bridge/loadbalance"
	"protocol-bridge/registry"
)

// ResolveBackend picks one of the masters registered under service.
func ResolveBackend(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string) (host string, port int, err error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return "", 0, errors.Annotatef(err, "discovering %s", service)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return "", 0, errors.Annotatef(err, "resolving %s", service)
	}
	host, portStr, err := net.SplitHostPort(inst.Addr)
	if err != nil {
		return "", 0, errors.NotValidf("master address %q", inst.Addr)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.NotValidf("master port %q", portStr)
	}
	return host, port, nil
}

// WatchBackend follows service in reg and logs when the master this bridge is
// connected to leaves or rejoins it. It returns once ctx is done.
func (b *Bridge) WatchBackend(ctx context.Context, reg registry.Registry, service string) {
	b.mu.Lock()
	addr := b.backendAddr
	b.mu.Unlock()

	present := true
	for instances := range reg.Watch(ctx, service) {
		found := slices.ContainsFunc(instances, func(inst registry.ServiceInstance) bool {
			return inst.Addr == addr
		})
		switch {
		case present && !found:
			b.logger.Warn("backend master left discovery", zap.String("service", service), zap.String("backend", addr))
		case !present && found:
			b.logger.Info("backend master back in discovery", zap.String("service", service), zap.String("backend", addr))
		}
		present = found
	}
}

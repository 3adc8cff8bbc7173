// Package registry advertises and discovers network endpoints.
//
// The bridge registers its XML-RPC URI under its own service name, and resolves
// backend masters by listing the instances of theirs.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// ServiceInstance is one advertised endpoint.
type ServiceInstance struct {
	Addr    string            `json:"addr"`
	Weight  int               `json:"weight,omitempty"` // for weighted balancing
	Version string            `json:"version,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}

// MemoryRegistry is a process-local Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	if service == "" || instance.Addr == "" {
		return errors.NotValidf("service %q instance %q", service, instance.Addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if r.services[service] == nil {
		r.services[service] = make(map[string]ServiceInstance)
	}
	r.services[service][instance.Addr] = instance
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][addr]; !ok {
		return errors.NotFoundf("instance %s of %s", addr, service)
	}
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[service]
		for i, w := range list {
			if w == ch {
				r.watchers[service] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// list returns instances sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(service string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify delivers the latest list to every watcher, replacing an unread one.
// Caller holds mu.
func (r *MemoryRegistry) notify(service string) {
	list := r.list(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

// etcd keeps the registrations:
//
//	Key:   {prefix}{service}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Every registration is bound to a TTL lease that is kept alive in the background,
// so an instance that dies without deregistering disappears when the lease expires.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix of every registration.
const DefaultPrefix = "/protocol-bridge/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]leaseHandle // key → lease kept alive by this process
}

type leaseHandle struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdOption customises an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// NewEtcdRegistry connects to the given endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	r := &EtcdRegistry{
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
		leases: make(map[string]leaseHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      r.logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd %v", endpoints)
	}
	r.client = c
	return r, nil
}

func (r *EtcdRegistry) key(service, addr string) string {
	return r.prefix + service + "/" + addr
}

// Register stores instance under a fresh lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	if service == "" || instance.Addr == "" {
		return errors.NotValidf("service %q instance %q", service, instance.Addr)
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	key := r.key(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "registering %s", key)
	}

	// The keep-alive must outlive ctx, which usually belongs to a single request.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Annotate(err, "keeping lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = leaseHandle{id: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.key(service, addr)
	r.mu.Lock()
	handle, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deregistering %s", key)
	}
	if ok {
		handle.cancel()
		if _, err := r.client.Revoke(ctx, handle.id); err != nil {
			r.logger.Warn("revoking lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover lists the instances registered under service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", service)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-lists service after every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.prefix+service+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case <-ch:
			default:
			}
			ch <- instances
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the client. Registrations expire with
// their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, handle := range r.leases {
		handle.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return errors.Trace(r.client.Close())
}

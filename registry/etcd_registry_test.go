package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a running etcd, e.g. BRIDGE_ETCD_ENDPOINTS=localhost:2379.
func etcdEndpoints(t *testing.T) []string {
	env := os.Getenv("BRIDGE_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("BRIDGE_ETCD_ENDPOINTS not set")
	}
	return strings.Split(env, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second, WithPrefix("/protocol-bridge-test/"))
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:11311", Weight: 10, Version: "1"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:11312", Weight: 5, Version: "1"}
	require.NoError(t, reg.Register(ctx, "master", inst1, 10))
	require.NoError(t, reg.Register(ctx, "master", inst2, 10))

	instances, err := reg.Discover(ctx, "master")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "master", inst1.Addr))
	instances, err = reg.Discover(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "master", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second, WithPrefix("/protocol-bridge-test/"))
	require.NoError(t, err)
	defer reg.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "bridge")
	require.NoError(t, reg.Register(ctx, "bridge", ServiceInstance{Addr: "http://127.0.0.1:11311/"}, 10))

	select {
	case list := <-updates:
		assert.Len(t, list, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, "bridge", "http://127.0.0.1:11311/"))
}

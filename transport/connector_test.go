package transport_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protocol-bridge/master"
	"protocol-bridge/message"
	"protocol-bridge/metrics"
	"protocol-bridge/protocol"
	"protocol-bridge/transport"
)

type Work struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

// Sleep params: milliseconds.
func (w *Work) Sleep(params []any) (any, error) {
	n := w.inflight.Add(1)
	defer w.inflight.Add(-1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	ms, _ := params[0].(float64)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms, nil
}

func startMaster(t *testing.T) (*master.Server, *Work, string) {
	t.Helper()
	w := &Work{}
	svr := master.NewServer()
	require.NoError(t, svr.Register(w))
	require.NoError(t, svr.Register(master.NewMasterServer()))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, w, lis.Addr().String()
}

func newConnector(t *testing.T, addr string, opts ...transport.Option) *transport.Connector {
	t.Helper()
	c := transport.NewConnector(transport.Config{
		Addr:              addr,
		CallTimeout:       2 * time.Second,
		HeartbeatInterval: -1,
		ReconnectDelay:    10 * time.Millisecond,
	}, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func sleep(ms int) *message.RemoteRequest {
	return message.NewRemoteRequest("Work", "sleep", ms)
}

func TestConnectUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	c := newConnector(t, addr)
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Connected())
}

func TestSendBeforeConnect(t *testing.T) {
	c := newConnector(t, "127.0.0.1:1")
	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSend(t *testing.T) {
	_, _, addr := startMaster(t)
	c := newConnector(t, addr)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	resp, err := c.Send(context.Background(), message.NewRemoteRequest("MasterServer", "registerPublisher",
		"/talker", "/chatter", "std_msgs/String", "http://talker:5678"))
	require.NoError(t, err)
	assert.Equal(t, []any{}, resp.Value)

	_, err = c.Send(context.Background(), message.NewRemoteRequest("MasterServer", "lookupNode", "/caller", "/ghost"))
	var re *message.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, message.ClassUnknownNode, re.Class)

	assert.Error(t, c.Connect(context.Background()), "second Connect")
}

func TestCallsAreSerialized(t *testing.T) {
	_, w, addr := startMaster(t)
	c := newConnector(t, addr)
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background(), sleep(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), w.peak.Load())
}

func TestCommit(t *testing.T) {
	_, _, addr := startMaster(t)
	c := newConnector(t, addr)
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var committed []float64
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(ms int) {
			defer wg.Done()
			_, err := c.Call(context.Background(), sleep(ms), func(resp *message.RemoteResponse) error {
				mu.Lock()
				committed = append(committed, resp.Value.(float64))
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, committed, 10)

	_, err := c.Call(context.Background(), sleep(0), func(*message.RemoteResponse) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestTimeoutKeepsConnection(t *testing.T) {
	svr, _, addr := startMaster(t)
	c := transport.NewConnector(transport.Config{Addr: addr, CallTimeout: 100 * time.Millisecond, HeartbeatInterval: -1})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Send(context.Background(), sleep(300))
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.True(t, c.Connected())

	// The late answer to the first call arrives first and is skipped.
	time.Sleep(50 * time.Millisecond)
	resp, err := c.Send(context.Background(), sleep(300))
	if assert.ErrorIs(t, err, transport.ErrTimeout) {
		assert.Nil(t, resp)
	}
	time.Sleep(400 * time.Millisecond)
	resp, err = c.Send(context.Background(), sleep(1))
	require.NoError(t, err)
	assert.Equal(t, float64(1), resp.Value)
	assert.True(t, c.Connected())
	assert.GreaterOrEqual(t, svr.Requests(), int64(3))
}

func TestCallerCancellation(t *testing.T) {
	_, _, addr := startMaster(t)
	c := newConnector(t, addr)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.Send(ctx, sleep(300))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLossFailsQueuedCallsAndReconnects(t *testing.T) {
	svr, _, addr := startMaster(t)
	m := metrics.New(prometheus.NewRegistry())
	c := newConnector(t, addr, transport.WithMetrics(m))
	require.NoError(t, c.Connect(context.Background()))

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := c.Send(context.Background(), sleep(500))
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	svr.DropConnections()

	for i := 0; i < 4; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, transport.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("queued call did not fail")
		}
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BackendReconnects.WithLabelValues("success")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendConnected))

	resp, err := c.Send(context.Background(), sleep(1))
	require.NoError(t, err)
	assert.Equal(t, float64(1), resp.Value)
}

func TestReconnectGivesUp(t *testing.T) {
	svr, _, addr := startMaster(t)
	m := metrics.New(prometheus.NewRegistry())
	c := transport.NewConnector(transport.Config{
		Addr:              addr,
		HeartbeatInterval: -1,
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
	}, transport.WithMetrics(m))
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, svr.Shutdown(time.Second))

	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BackendReconnects.WithLabelValues("exhausted")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Connected())
	_, err = c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestReconnectRunsHooksBeforeAdmittingCalls(t *testing.T) {
	svr, _, addr := startMaster(t)
	c := newConnector(t, addr)
	var hooked atomic.Int32
	c.OnReconnect(func() {
		assert.False(t, c.Connected(), "hook must run before the new stream is live")
		hooked.Add(1)
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.Zero(t, hooked.Load(), "first connect is not a reconnect")

	svr.DropConnections()
	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), hooked.Load())
}

func TestCloseDuringReconnect(t *testing.T) {
	svr, _, addr := startMaster(t)
	m := metrics.New(prometheus.NewRegistry())
	c := transport.NewConnector(transport.Config{
		Addr:              addr,
		HeartbeatInterval: -1,
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Second,
	}, transport.WithMetrics(m))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, svr.Shutdown(time.Second))

	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	require.NoError(t, c.Close())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendReconnects.WithLabelValues("closed")))
	assert.Zero(t, testutil.ToFloat64(m.BackendReconnects.WithLabelValues("exhausted")))
}

func TestCloseFailsInFlightCall(t *testing.T) {
	_, _, addr := startMaster(t)
	c := transport.NewConnector(transport.Config{Addr: addr, HeartbeatInterval: -1})
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), sleep(1000))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight call survived Close")
	}
	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), transport.ErrConnectionClosed)
}

// rawBackend answers the handshake and then hands every frame to onFrame.
type rawBackend struct {
	addr     string
	accepted atomic.Int32
	onFrame  func(conn net.Conn, h *protocol.Header, body []byte)
}

func startRaw(t *testing.T, onFrame func(net.Conn, *protocol.Header, []byte)) *rawBackend {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	rb := &rawBackend{addr: lis.Addr().String(), onFrame: onFrame}
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			rb.accepted.Add(1)
			go rb.serve(conn)
		}
	}()
	return rb
}

func (rb *rawBackend) serve(conn net.Conn) {
	defer conn.Close()
	if _, _, err := protocol.Decode(conn); err != nil {
		return
	}
	hello, _ := json.Marshal(message.Handshake{Peer: "raw", Version: transport.ProtocolVersion})
	protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHandshake, BodyLen: uint32(len(hello))}, hello)
	for {
		h, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		rb.onFrame(conn, h, body)
	}
}

func TestTimeoutMidFrameRecyclesConnection(t *testing.T) {
	rb := startRaw(t, func(conn net.Conn, h *protocol.Header, _ []byte) {
		if h.MsgType == protocol.MsgTypeRequest {
			conn.Write([]byte{'r', 'j', 'b', protocol.Version}) // header cut short
		}
	})
	c := transport.NewConnector(transport.Config{
		Addr:              rb.addr,
		CallTimeout:       100 * time.Millisecond,
		HeartbeatInterval: -1,
		ReconnectDelay:    5 * time.Millisecond,
	})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Send(context.Background(), sleep(0))
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Eventually(t, func() bool { return rb.accepted.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestVersionMismatch(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		protocol.Decode(conn)
		hello, _ := json.Marshal(message.Handshake{Peer: "old", Version: "0"})
		protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHandshake, BodyLen: uint32(len(hello))}, hello)
		time.Sleep(100 * time.Millisecond)
	}()

	c := transport.NewConnector(transport.Config{Addr: lis.Addr().String(), HeartbeatInterval: -1})
	defer c.Close()
	assert.ErrorContains(t, c.Connect(context.Background()), "protocol version")
}

func TestHeartbeat(t *testing.T) {
	var beats atomic.Int32
	rb := startRaw(t, func(_ net.Conn, h *protocol.Header, _ []byte) {
		if h.MsgType == protocol.MsgTypeHeartbeat {
			beats.Add(1)
		}
	})
	c := transport.NewConnector(transport.Config{Addr: rb.addr, HeartbeatInterval: 10 * time.Millisecond})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool { return beats.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
}

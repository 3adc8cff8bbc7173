// Package transport implements the bridge's connection to the serialization-protocol master.
//
// A Connector owns exactly one TCP stream. The stream carries ordered frames, so
// calls are single-flight: a caller takes the turn token, writes its request, reads
// until the matching response arrives, and hands the token on. Waiting callers are
// served in arrival order (a buffered channel wakes blocked receivers FIFO).
//
//	goroutine-1 ──┐
//	goroutine-2 ──┼── turn ──→ write(seq=n) → read … response(seq=n) ──→ release
//	goroutine-3 ──┘
//
// When the stream breaks, everyone queued on it fails at once and a background
// goroutine redials with exponential backoff. Calls made while it redials fail fast;
// callers are expected to retry on their own.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"protocol-bridge/codec"
	"protocol-bridge/message"
	"protocol-bridge/metrics"
	"protocol-bridge/protocol"
)

// ProtocolVersion is announced in the handshake.
const ProtocolVersion = "1"

// Config controls a Connector. Zero durations take the defaults below.
type Config struct {
	Addr              string          // host:port of the backend master
	Codec             codec.CodecType // body serialization for requests
	ClientID          string          // announced in the handshake
	CallTimeout       time.Duration   // queue wait + round trip; default 5s
	DialTimeout       time.Duration   // dial + handshake; default 3s
	HeartbeatInterval time.Duration   // idle keep-alive; default 30s, negative disables
	ReconnectAttempts int             // default 5, negative disables reconnection
	ReconnectDelay    time.Duration   // first backoff step; default 100ms, doubles
	ReconnectMaxDelay time.Duration   // backoff cap; default 5s
}

func (cfg Config) withDefaults() Config {
	if cfg.ClientID == "" {
		cfg.ClientID = "protocol-bridge"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 100 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 5 * time.Second
	}
	return cfg
}

// DialFunc opens the raw stream.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customises a Connector.
type Option func(*Connector)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithClock replaces the clock that paces reconnect backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Connector) { c.clock = clk }
}

func WithDialer(dial DialFunc) Option {
	return func(c *Connector) { c.dial = dial }
}

type connState int

const (
	stateIdle connState = iota
	stateConnected
	stateReconnecting
	stateClosed
)

// Connector is the single logical connection to the backend master.
type Connector struct {
	cfg     Config
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	dial    DialFunc

	turn chan struct{} // holds one token while nobody is on the stream

	mu    sync.Mutex
	state connState
	conn  net.Conn
	lost  chan struct{} // closed when conn breaks
	seq   uint32
	// onReconnect runs after a redial, before calls are admitted on the new stream.
	onReconnect []func()

	ctx       context.Context // cancelled by Close
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConnector creates an unconnected Connector.
func NewConnector(cfg Config, opts ...Option) *Connector {
	cfg = cfg.withDefaults()
	c := &Connector{
		cfg:    cfg,
		codec:  codec.GetCodec(cfg.Codec),
		logger: zap.NewNop(),
		clock:  clock.WallClock,
		turn:   make(chan struct{}, 1),
	}
	var d net.Dialer
	c.dial = d.DialContext
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("backend", cfg.Addr))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.turn <- struct{}{}
	return c
}

// Addr is the backend address this connector talks to.
func (c *Connector) Addr() string {
	return c.cfg.Addr
}

// OnReconnect registers fn to run each time a lost stream has been replaced. It
// runs before any call is admitted on the new stream, so state that must not
// outlive the old backend session can be dropped there.
func (c *Connector) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connected reports whether the stream is currently up.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect dials and handshakes once. There is no retry: a backend that is down at
// startup is reported to the caller.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case stateConnected, stateReconnecting:
		c.mu.Unlock()
		return errors.Errorf("backend %s already connected", c.cfg.Addr)
	}
	c.mu.Unlock()

	conn, err := c.dialAndHandshake(ctx)
	if err != nil {
		return errors.Annotatef(err, "connecting to backend %s", c.cfg.Addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		conn.Close()
		return ErrConnectionClosed
	}
	c.install(conn)
	if c.cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(c.cfg.HeartbeatInterval)
	}
	c.logger.Info("backend connected")
	return nil
}

// install makes conn the live stream. Caller holds mu.
func (c *Connector) install(conn net.Conn) {
	c.conn = conn
	c.lost = make(chan struct{})
	c.state = stateConnected
	c.metrics.SetBackendConnected(true)
}

func (c *Connector) dialAndHandshake(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	hello, err := json.Marshal(message.Handshake{Peer: c.cfg.ClientID, Version: ProtocolVersion})
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeHandshake,
		BodyLen:   uint32(len(hello)),
	}
	if err := protocol.Encode(conn, &header, hello); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "sending handshake")
	}

	reply, body, err := protocol.Decode(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "reading handshake")
	}
	if reply.MsgType != protocol.MsgTypeHandshake {
		conn.Close()
		return nil, errors.Errorf("expected handshake from backend, got %s frame", reply.MsgType)
	}
	var peer message.Handshake
	if err := json.Unmarshal(body, &peer); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "decoding handshake")
	}
	if peer.Version != ProtocolVersion {
		conn.Close()
		return nil, errors.Errorf("backend speaks protocol version %q, want %q", peer.Version, ProtocolVersion)
	}

	conn.SetDeadline(time.Time{})
	c.logger.Debug("backend handshake complete", zap.String("peer", peer.Peer))
	return conn, nil
}

// Send performs one request/response exchange with the backend.
//
// A backend exception comes back as *message.RemoteError. Transport failures are
// ErrConnectionClosed or ErrTimeout (test with errors.Is).
func (c *Connector) Send(ctx context.Context, req *message.RemoteRequest) (*message.RemoteResponse, error) {
	return c.Call(ctx, req, nil)
}

// Call is Send with a commit hook. commit runs after a successful response while the
// caller still holds the stream, so its effects are applied in the same order the
// backend saw the requests. commit must not block.
func (c *Connector) Call(ctx context.Context, req *message.RemoteRequest, commit func(*message.RemoteResponse) error) (*message.RemoteResponse, error) {
	start := time.Now()
	resp, err := c.call(ctx, req, commit)
	c.metrics.RecordBackend(req.MethodName, resultLabel(err), time.Since(start))
	return resp, err
}

func resultLabel(err error) string {
	var re *message.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &re):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrNotConnected):
		return "closed"
	}
	return "error"
}

func (c *Connector) call(ctx context.Context, req *message.RemoteRequest, commit func(*message.RemoteResponse) error) (*message.RemoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	env, err := message.RequestEnvelope(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	body, err := c.codec.Encode(env)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %s", req.Target())
	}

	c.mu.Lock()
	state, lost := c.state, c.lost
	c.mu.Unlock()
	switch state {
	case stateIdle:
		return nil, ErrNotConnected
	case stateReconnecting:
		return nil, fmt.Errorf("%w: reconnecting", ErrConnectionClosed)
	case stateClosed:
		return nil, ErrConnectionClosed
	}

	select {
	case <-c.turn:
	case <-lost:
		return nil, fmt.Errorf("%w: connection lost while queued", ErrConnectionClosed)
	case <-c.ctx.Done():
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, contextError(ctx, "waiting for the backend connection")
	}
	defer func() { c.turn <- struct{}{} }()

	c.mu.Lock()
	if c.state != stateConnected || c.lost != lost {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection lost while queued", ErrConnectionClosed)
	}
	conn := c.conn
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	resp, err := c.roundTrip(ctx, conn, seq, body)
	if err != nil {
		return nil, err
	}
	if commit != nil {
		if err := commit(resp); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// aLongTimeAgo unblocks pending I/O immediately when set as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

func (c *Connector) roundTrip(ctx context.Context, conn net.Conn, seq uint32, body []byte) (*message.RemoteResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		conn.SetDeadline(time.Time{})
	}()

	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		// A partial write leaves the stream unusable whatever the cause.
		return nil, c.fail(ctx, conn, err, false)
	}

	fr := &frameReader{r: conn}
	for {
		h, respBody, err := protocol.Decode(fr)
		if err != nil {
			return nil, c.fail(ctx, conn, err, fr.n == 0)
		}
		fr.n = 0

		switch {
		case h.MsgType == protocol.MsgTypeHeartbeat:
			continue
		case h.MsgType != protocol.MsgTypeResponse:
			return nil, c.fail(ctx, conn, errors.Errorf("unexpected %s frame from backend", h.MsgType), false)
		case h.Seq != seq:
			// Answer to a call that already timed out.
			c.logger.Debug("discarding stale backend response", zap.Uint32("seq", h.Seq), zap.Uint32("want", seq))
			continue
		}

		var env message.Envelope
		if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(respBody, &env); err != nil {
			return nil, errors.Annotate(err, "decoding backend response")
		}
		return env.Response()
	}
}

// fail classifies an I/O error. clean means no byte of a frame had been consumed,
// so a timeout left the stream usable.
func (c *Connector) fail(ctx context.Context, conn net.Conn, err error, clean bool) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	if isTimeout(err) {
		if !clean {
			c.connectionLost(conn, err)
		}
		return contextError(ctx, "waiting for the backend response")
	}
	c.connectionLost(conn, err)
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

func contextError(ctx context.Context, doing string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", doing, context.Canceled)
	}
	return fmt.Errorf("%w %s", ErrTimeout, doing)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// connectionLost retires conn and starts reconnecting. Only the first report for a
// given conn has any effect.
func (c *Connector) connectionLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateReconnecting
	close(c.lost)
	c.wg.Add(1)
	c.mu.Unlock()

	conn.Close()
	c.metrics.SetBackendConnected(false)
	c.logger.Warn("backend connection lost", zap.Error(cause))
	go c.reconnect()
}

func (c *Connector) reconnect() {
	defer c.wg.Done()

	var conn net.Conn
	err := errors.New("reconnection disabled")
	if c.cfg.ReconnectAttempts > 0 {
		err = retry.Call(retry.CallArgs{
			Func: func() error {
				var dialErr error
				conn, dialErr = c.dialAndHandshake(c.ctx)
				return dialErr
			},
			IsFatalError: func(error) bool { return c.ctx.Err() != nil },
			NotifyFunc: func(lastErr error, attempt int) {
				c.logger.Warn("backend reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
			},
			Attempts:    c.cfg.ReconnectAttempts,
			Delay:       c.cfg.ReconnectDelay,
			MaxDelay:    c.cfg.ReconnectMaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       c.clock,
			Stop:        c.ctx.Done(),
		})
	}

	if err == nil && c.ctx.Err() == nil {
		c.mu.Lock()
		hooks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		// Still reconnecting: calls fail fast while the hooks run.
		for _, fn := range hooks {
			fn()
		}
	}

	c.mu.Lock()
	if err != nil || c.state != stateReconnecting {
		if c.state == stateReconnecting {
			c.state = stateClosed
		}
		c.mu.Unlock()
		if err == nil && conn != nil {
			conn.Close()
		}
		if c.ctx.Err() != nil {
			c.metrics.RecordReconnect("closed")
			c.logger.Info("backend reconnect abandoned, connector closed")
			return
		}
		c.metrics.RecordReconnect("exhausted")
		c.logger.Error("backend unreachable, giving up", zap.Int("attempts", c.cfg.ReconnectAttempts), zap.Error(err))
		return
	}
	c.install(conn)
	c.mu.Unlock()

	c.metrics.RecordReconnect("success")
	c.logger.Info("backend reconnected")
}

// heartbeatLoop writes a heartbeat frame whenever the stream has been idle for an
// interval. A failed write is treated as a lost connection.
func (c *Connector) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-c.turn:
		default:
			continue // a call is on the stream right now
		}

		c.mu.Lock()
		state, conn := c.state, c.conn
		c.mu.Unlock()
		if state == stateClosed {
			c.turn <- struct{}{}
			return
		}
		if state != stateConnected {
			c.turn <- struct{}{}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
		err := protocol.Encode(conn, &protocol.Header{CodecType: byte(c.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}, nil)
		conn.SetWriteDeadline(time.Time{})
		c.turn <- struct{}{}

		if err != nil && c.ctx.Err() == nil {
			c.connectionLost(conn, err)
		}
	}
}

// Close tears the connection down. In-flight and queued calls fail with
// ErrConnectionClosed; a running reconnect is abandoned.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			conn.Close()
		}
		c.metrics.SetBackendConnected(false)
		c.logger.Info("backend connection closed")
	})
	c.wg.Wait()
	return nil
}

// frameReader counts bytes consumed since the last complete frame.
type frameReader struct {
	r io.Reader
	n int
}

func (f *frameReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	f.n += n
	return n, err
}

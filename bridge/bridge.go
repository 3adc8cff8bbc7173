// Package bridge wires the XML-RPC front-end to the backend master.
//
// Every master API method is bound to one generic handler:
//
//	parse params → forward to backend → mirror the effect into the registry
//	  → translate the answer back → map any error to a triple or fault
//
// The mirror step runs while the call still holds the backend connection, so the
// registry sees registrations in the same order the backend did.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"protocol-bridge/message"
	"protocol-bridge/metrics"
	"protocol-bridge/middleware"
	"protocol-bridge/registry"
	"protocol-bridge/server"
	"protocol-bridge/state"
	"protocol-bridge/translator"
	"protocol-bridge/transport"
)

// Where discovery queries are answered.
const (
	QueryRegistry = "registry"
	QueryBackend  = "backend"
)

// Backend is the connection to the master. *transport.Connector is the production
// implementation.
type Backend interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, req *message.RemoteRequest, commit func(*message.RemoteResponse) error) (*message.RemoteResponse, error)
	Connected() bool
	Close() error
}

// reconnectNotifier is implemented by backends that replace a lost session.
// *transport.Connector is one.
type reconnectNotifier interface {
	OnReconnect(fn func())
}

// BackendFactory creates the Backend for a resolved address.
type BackendFactory func(cfg transport.Config) Backend

// Advertisement publishes the bridge's URI in a service registry.
type Advertisement struct {
	Registry registry.Registry
	Service  string
	TTL      int64 // seconds
}

// Options configure a Bridge. Zero values are usable.
type Options struct {
	// Name identifies this bridge in logs, the handshake and discovery.
	Name string
	// ListenHost is the front-end interface; "" listens on all of them.
	ListenHost string
	// AdvertiseHost is the host part of URI(); defaults to the hostname.
	AdvertiseHost string
	// ClassName is the backend class, default translator.DefaultClassName.
	ClassName string
	Backend   transport.Config
	// QuerySource is QueryRegistry (default) or QueryBackend.
	QuerySource     string
	KeepEmptyTopics bool
	// CallTimeout bounds a whole call at the front-end; 0 disables.
	CallTimeout time.Duration
	// RateLimit is in calls per second; 0 disables.
	RateLimit float64
	RateBurst int
	// MaxBodyBytes caps an inbound XML-RPC document; 0 means the server default.
	MaxBodyBytes int64
	Advertise *Advertisement
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	BackendFactory BackendFactory
}

// Bridge is the orchestrator. Create with New, then Start and Stop once.
type Bridge struct {
	opts       Options
	logger     *zap.Logger
	translator *translator.Translator
	registry   *state.Registry

	mu          sync.Mutex
	backend     Backend
	backendAddr string
	server      *server.Server
	uri         string
	started     bool
}

// New creates a bridge. Nothing is connected or bound until Start.
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QuerySource == "" {
		opts.QuerySource = QueryRegistry
	}
	if opts.Name == "" {
		opts.Name = "protocol-bridge"
	}
	if opts.BackendFactory == nil {
		logger, m := opts.Logger, opts.Metrics
		opts.BackendFactory = func(cfg transport.Config) Backend {
			return transport.NewConnector(cfg, transport.WithLogger(logger), transport.WithMetrics(m))
		}
	}
	return &Bridge{
		opts:       opts,
		logger:     opts.Logger,
		translator: translator.New(opts.ClassName),
		registry: state.NewRegistry(
			state.WithEviction(!opts.KeepEmptyTopics),
			state.WithObserver(opts.Metrics.SetTopics),
		),
	}
}

// Registry is the bridge's mirror of backend registrations.
func (b *Bridge) Registry() *state.Registry {
	return b.registry
}

// URI is the XML-RPC address clients use, e.g. "http://host:11311/". Empty before
// Start.
func (b *Bridge) URI() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uri
}

// Addr is the bound front-end address, nil before Start.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return nil
	}
	return b.server.Addr()
}

// Start connects the backend, binds every master API method and opens the
// front-end on xmlRPCPort (0 picks a free port). An unreachable backend fails
// Start before any port is opened.
func (b *Bridge) Start(ctx context.Context, xmlRPCPort int, backendHost string, backendPort int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge already started")
	}

	cfg := b.opts.Backend
	cfg.Addr = net.JoinHostPort(backendHost, strconv.Itoa(backendPort))
	if cfg.ClientID == "" {
		cfg.ClientID = b.opts.Name
	}
	backend := b.opts.BackendFactory(cfg)
	if err := backend.Connect(ctx); err != nil {
		backend.Close()
		return errors.Annotate(err, "starting bridge")
	}
	if rn, ok := backend.(reconnectNotifier); ok {
		// A new backend session may not hold what the old one did.
		rn.OnReconnect(func() {
			b.registry.Reset()
			b.logger.Info("registry cleared after backend reconnect")
		})
	}

	serverOpts := []server.Option{server.WithLogger(b.logger)}
	if b.opts.MaxBodyBytes > 0 {
		serverOpts = append(serverOpts, server.WithMaxBodyBytes(b.opts.MaxBodyBytes))
	}
	srv := server.NewServer(serverOpts...)
	srv.Use(middleware.LoggingMiddleware(b.logger))
	srv.Use(middleware.MetricsMiddleware(b.opts.Metrics))
	if b.opts.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(b.opts.RateLimit, max(b.opts.RateBurst, 1), b.opts.Metrics))
	}
	if b.opts.CallTimeout > 0 {
		srv.Use(middleware.TimeoutMiddleware(b.opts.CallTimeout))
	}
	srv.Use(middleware.RecoverMiddleware(b.logger))
	for _, m := range translator.Methods() {
		srv.Register(m.Name, b.bind(m))
	}
	srv.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !backend.Connected() {
			http.Error(w, "backend disconnected", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	}))
	if b.opts.MetricsHandler != nil {
		srv.Handle("/metrics", b.opts.MetricsHandler)
	}

	if err := srv.Start(net.JoinHostPort(b.opts.ListenHost, strconv.Itoa(xmlRPCPort))); err != nil {
		backend.Close()
		return errors.Annotate(err, "starting bridge")
	}

	b.backend, b.backendAddr, b.server, b.started = backend, cfg.Addr, srv, true
	b.uri = b.advertisedURI(srv.Addr())

	if ad := b.opts.Advertise; ad != nil {
		if err := srv.Advertise(ctx, ad.Registry, ad.Service, b.uri, ad.TTL); err != nil {
			b.logger.Warn("bridge not advertised", zap.Error(err))
		}
	}
	b.logger.Info("bridge started",
		zap.String("uri", b.uri),
		zap.String("backend", cfg.Addr),
		zap.String("query_source", b.opts.QuerySource))
	return nil
}

func (b *Bridge) advertisedURI(addr net.Addr) string {
	host := b.opts.AdvertiseHost
	if host == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			host = h
		} else {
			host = "localhost"
		}
	}
	port := "0"
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// Stop drains the front-end, then closes the backend connection and clears the
// registry. It is safe to call on a bridge that never started.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	srv, backend := b.server, b.backend
	b.mu.Unlock()

	// In-flight handlers still reach the backend while the front-end drains.
	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(timeout); shutdownErr != nil {
			err = errors.Annotate(shutdownErr, "stopping front-end")
		}
	}
	if backend != nil {
		backend.Close()
	}

	b.mu.Lock()
	b.server, b.backend, b.started = nil, nil, false
	b.mu.Unlock()
	b.registry.Reset()
	b.logger.Info("bridge stopped")
	return err
}

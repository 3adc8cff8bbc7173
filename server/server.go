// Package server is the XML-RPC front-end: an HTTP server that decodes method calls,
// runs them through the middleware chain and encodes the response.
//
// Request processing pipeline:
//
//	POST / or /RPC2 → xmlrpc.DecodeCall → Middleware Chain → dispatch (handler lookup)
//	  → xmlrpc.EncodeResponse → 200 text/xml
//
// Every answer is HTTP 200; failures travel as XML-RPC faults so that keep-alive
// connections stay usable after a bad document.
package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"protocol-bridge/middleware"
	"protocol-bridge/registry"
	"protocol-bridge/xmlrpc"
)

// Handler serves one XML-RPC method. Returning *xmlrpc.Fault sends that fault;
// any other error becomes an internal-error fault.
type Handler func(ctx context.Context, params []any) (any, error)

// DefaultMaxBodyBytes bounds an inbound document.
const DefaultMaxBodyBytes = 4 << 20

// Server is the XML-RPC HTTP server.
type Server struct {
	logger       *zap.Logger
	maxBodyBytes int64

	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain built by Serve

	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup // in-flight calls and handlers detached by middleware
	shutdown   atomic.Bool

	registry      registry.Registry // nil unless advertised
	service       string
	advertiseAddr string
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMaxBodyBytes caps the size of an inbound document.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// NewServer creates a server with no methods.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       zap.NewNop(),
		maxBodyBytes: DefaultMaxBodyBytes,
		handlers:     make(map[string]Handler),
		router:       mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.HandleFunc("/", s.serveXMLRPC).Methods(http.MethodPost)
	s.router.HandleFunc("/RPC2", s.serveXMLRPC).Methods(http.MethodPost)
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s
}

// Register binds name to h. A later registration of the same name wins.
func (s *Server) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Use appends a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Handle mounts a plain HTTP handler, e.g. /metrics.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// Start listens on addr and serves in the background. It returns once the port is
// bound, so a bind failure is reported synchronously.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", addr)
	}
	s.prepare(lis)
	go func() {
		if err := s.serve(lis); err != nil {
			s.logger.Error("xmlrpc server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve serves on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.prepare(lis)
	return s.serve(lis)
}

func (s *Server) prepare(lis net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = lis
	// Build the chain once, not per call.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

func (s *Server) serve(lis net.Listener) error {
	s.logger.Info("xmlrpc server listening", zap.String("addr", lis.Addr().String()))
	err := s.httpServer.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) || s.shutdown.Load() {
		return nil
	}
	return errors.Trace(err)
}

// Addr is the bound address, nil before Start/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Advertise registers addr under service in reg. Shutdown deregisters it.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, service, addr string, ttl int64) error {
	if err := reg.Register(ctx, service, registry.ServiceInstance{Addr: addr}, ttl); err != nil {
		return errors.Annotatef(err, "advertising %s as %s", addr, service)
	}
	s.mu.Lock()
	s.registry, s.service, s.advertiseAddr = reg, service, addr
	s.mu.Unlock()
	return nil
}

func (s *Server) serveXMLRPC(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	defer io.Copy(io.Discard, body)

	var resp *xmlrpc.Response
	call, err := xmlrpc.DecodeCall(body)
	if err != nil {
		resp = &xmlrpc.Response{Fault: asFault(err)}
		s.logger.Debug("rejecting malformed call", zap.String("remote", r.RemoteAddr), zap.Error(err))
	} else {
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		resp = h(middleware.WithTracker(r.Context(), &s.wg), call)
		if resp == nil {
			resp = &xmlrpc.Response{Fault: xmlrpc.NewFault(xmlrpc.CodeInternalError, "no response")}
		}
	}

	var buf bytes.Buffer
	if err := xmlrpc.EncodeResponse(&buf, resp); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
		buf.Reset()
		xmlrpc.EncodeFault(&buf, xmlrpc.NewFault(xmlrpc.CodeInternalError, "encoding response: %v", err))
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// dispatch is the innermost handler of the chain.
func (s *Server) dispatch(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response {
	s.mu.RLock()
	h, ok := s.handlers[call.Method]
	s.mu.RUnlock()
	if !ok {
		return &xmlrpc.Response{Fault: xmlrpc.NewFault(xmlrpc.CodeMethodNotFound, "method %q not found", call.Method)}
	}
	value, err := h(ctx, call.Params)
	if err != nil {
		return &xmlrpc.Response{Fault: asFault(err)}
	}
	return &xmlrpc.Response{Value: value}
}

func asFault(err error) *xmlrpc.Fault {
	var f *xmlrpc.Fault
	if errors.As(err, &f) {
		return f
	}
	return xmlrpc.NewFault(xmlrpc.CodeInternalError, "%v", err)
}

// Shutdown deregisters the advertisement, stops accepting and waits up to timeout
// for in-flight calls.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.RLock()
	reg, service, addr := s.registry, s.service, s.advertiseAddr
	s.mu.RUnlock()
	if reg != nil {
		if err := reg.Deregister(ctx, service, addr); err != nil {
			s.logger.Warn("deregistering", zap.String("service", service), zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
		return errors.Annotate(err, "waiting for in-flight calls")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Timeoutf("waiting for in-flight calls")
	}
}

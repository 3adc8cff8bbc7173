// Package master is a reference backend master: it speaks the framed protocol the
// bridge's connector uses and dispatches "Class.method" requests to registered Go
// receivers.
//
// Request processing pipeline:
//
//	Accept conn → handshake → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → Codec.Decode → service.call (reflect) → Codec.Encode → write response
package master

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"protocol-bridge/codec"
	"protocol-bridge/message"
	"protocol-bridge/protocol"
	"protocol-bridge/transport"
)

// Server hosts backend classes on the framed protocol.
type Server struct {
	name     string
	logger   *zap.Logger
	mu       sync.Mutex
	services map[string]*service
	conns    map[net.Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	requests atomic.Int64
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithName sets the peer name sent in the handshake.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// NewServer creates a server with no classes.
func NewServer(opts ...Option) *Server {
	s := &Server{
		name:     "master",
		logger:   zap.NewNop(),
		services: make(map[string]*service),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes rcvr under its type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName exposes rcvr under an explicit class name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[svc.name]; dup {
		return errors.AlreadyExistsf("class %s", svc.name)
	}
	s.services[svc.name] = svc
	return nil
}

// Requests is the number of requests dispatched so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Trace(err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("master listening", zap.String("addr", lis.Addr().String()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return errors.Trace(err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DropConnections closes every open client connection but keeps listening.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	return n
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	if err := s.handshake(conn); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		return
	}

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			log.Debug("connection closed", zap.Error(err))
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
		default:
			log.Warn("unexpected frame", zap.Stringer("type", header.MsgType))
			return
		}
		s.wg.Add(1)
		go s.handleRequest(header, body, conn, writeMu, log)
	}
}

func (s *Server) handshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	header, body, err := protocol.Decode(conn)
	if err != nil {
		return errors.Trace(err)
	}
	if header.MsgType != protocol.MsgTypeHandshake {
		return errors.Errorf("expected handshake, got %s", header.MsgType)
	}
	var peer message.Handshake
	if err := json.Unmarshal(body, &peer); err != nil {
		return errors.Annotate(err, "decoding handshake")
	}
	reply, err := json.Marshal(message.Handshake{Peer: s.name, Version: transport.ProtocolVersion})
	if err != nil {
		return errors.Trace(err)
	}
	s.logger.Debug("client connected", zap.String("peer", peer.Peer), zap.String("version", peer.Version))
	return protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeHandshake,
		BodyLen:   uint32(len(reply)),
	}, reply)
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, log *zap.Logger) {
	defer s.wg.Done()
	s.requests.Add(1)

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var env message.Envelope
	var reply *message.Envelope
	if err := c.Decode(body, &env); err != nil {
		reply = message.ResponseEnvelope("", nil, errors.Annotate(err, "decoding request"))
	} else {
		value, err := s.dispatch(&env)
		reply = message.ResponseEnvelope(env.Target, value, err)
	}

	result, err := c.Encode(reply)
	if err != nil {
		log.Error("encoding response", zap.String("target", env.Target), zap.Error(err))
		result, _ = c.Encode(message.ResponseEnvelope(env.Target, nil, err))
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}, result)
	if err != nil {
		log.Debug("writing response", zap.Error(err))
	}
}

func (s *Server) dispatch(env *message.Envelope) (any, error) {
	req, err := env.Request()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	svc, ok := s.services[req.ClassName]
	s.mu.Unlock()
	if !ok {
		return nil, &message.RemoteError{Class: message.ClassNoSuchMethod, Message: "no class " + req.ClassName}
	}
	return svc.call(req.MethodName, req.Params)
}

// Shutdown stops accepting, closes client connections and waits for in-flight
// requests to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Timeoutf("waiting for in-flight requests")
	}
}

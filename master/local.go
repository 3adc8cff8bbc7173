package master

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"protocol-bridge/codec"
	"protocol-bridge/message"
	"protocol-bridge/transport"
)

// LocalBackend serves a Server's classes in-process. It behaves like a connected
// transport.Connector: calls are serialized, values pass through the JSON codec as
// they would on the wire, and Close fails later calls with
// transport.ErrConnectionClosed.
type LocalBackend struct {
	srv   *Server
	codec codec.Codec

	mu        sync.Mutex // one call at a time
	connected bool
	closed    bool
	fail      func(req *message.RemoteRequest) error
	hooks     []func()
}

func NewLocalBackend(srv *Server) *LocalBackend {
	return &LocalBackend{srv: srv, codec: codec.GetCodec(codec.CodecTypeJSON)}
}

// SetFail makes every later call return fn's error instead of dispatching; a nil
// error from fn, or a nil fn, lets the call through.
func (b *LocalBackend) SetFail(fn func(req *message.RemoteRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

// OnReconnect registers fn to run on every Reconnect.
func (b *LocalBackend) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Reconnect simulates a redial to a fresh backend session. Hooks run while calls
// are held off, as they would be on a real connector.
func (b *LocalBackend) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.hooks {
		fn()
	}
}

func (b *LocalBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrConnectionClosed
	}
	b.connected = true
	return nil
}

func (b *LocalBackend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

func (b *LocalBackend) Send(ctx context.Context, req *message.RemoteRequest) (*message.RemoteResponse, error) {
	return b.Call(ctx, req, nil)
}

func (b *LocalBackend) Call(ctx context.Context, req *message.RemoteRequest, commit func(*message.RemoteResponse) error) (*message.RemoteResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return nil, transport.ErrConnectionClosed
	case !b.connected:
		return nil, transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.fail != nil {
		if err := b.fail(req); err != nil {
			return nil, err
		}
	}

	env, err := message.RequestEnvelope(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	value, callErr := b.srv.dispatch(env)

	reply, err := b.roundTrip(message.ResponseEnvelope(env.Target, value, callErr))
	if err != nil {
		return nil, err
	}
	resp, err := reply.Response()
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

func (b *LocalBackend) roundTrip(env *message.Envelope) (*message.Envelope, error) {
	data, err := b.codec.Encode(env)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out message.Envelope
	if err := b.codec.Decode(data, &out); err != nil {
		return nil, errors.Trace(err)
	}
	return &out, nil
}

func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

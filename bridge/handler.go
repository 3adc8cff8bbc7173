package bridge

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"protocol-bridge/message"
	"protocol-bridge/middleware"
	"protocol-bridge/server"
	"protocol-bridge/translator"
	"protocol-bridge/transport"
	"protocol-bridge/xmlrpc"
)

// bind returns the handler for m. All methods share it; the method table decides
// the route.
func (b *Bridge) bind(m translator.Method) server.Handler {
	return func(ctx context.Context, params []any) (any, error) {
		_, args, err := b.translator.Parse(m.Name, params)
		if err != nil {
			return nil, b.fault(ctx, m, err)
		}

		switch {
		case m.Route == translator.RouteLocal:
			return translator.Success(b.URI()), nil
		case m.Route == translator.RouteQuery && b.opts.QuerySource != QueryBackend:
			return b.query(m, args), nil
		}

		b.mu.Lock()
		backend := b.backend
		b.mu.Unlock()
		if backend == nil {
			return nil, b.fault(ctx, m, transport.ErrConnectionClosed)
		}

		req, err := b.translator.ToBackend(m.Name, params)
		if err != nil {
			return nil, b.fault(ctx, m, err)
		}
		resp, err := backend.Call(ctx, req, func(*message.RemoteResponse) error {
			return b.mirror(ctx, m, args)
		})
		if err != nil {
			return b.failure(ctx, m, err)
		}
		triple, err := b.translator.ToXMLRPC(m.Name, resp)
		if err != nil {
			return nil, b.fault(ctx, m, err)
		}
		return triple, nil
	}
}

// mirror applies a backend-acknowledged registration change to the registry. The
// backend has already said yes, so its type wins over whatever the registry pinned.
func (b *Bridge) mirror(ctx context.Context, m translator.Method, a translator.Args) error {
	var (
		replaced string
		err      error
	)
	switch m.Name {
	case translator.RegisterPublisher:
		replaced, err = b.registry.ConfirmPublisher(a.CallerID, a.Topic, a.TopicType, a.CallerAPI)
	case translator.RegisterSubscriber:
		replaced, err = b.registry.ConfirmSubscriber(a.CallerID, a.Topic, a.TopicType, a.CallerAPI)
	case translator.UnregisterPublisher:
		b.registry.UnregisterPublisher(a.CallerID, a.Topic, a.CallerAPI)
	case translator.UnregisterSubscriber:
		b.registry.UnregisterSubscriber(a.CallerID, a.Topic, a.CallerAPI)
	}
	if replaced != "" {
		b.logger.Warn("registry type replaced by backend",
			zap.String("call_id", middleware.CallID(ctx)),
			zap.String("topic", a.Topic),
			zap.String("was", replaced),
			zap.String("now", a.TopicType))
	}
	return err
}

// query answers a discovery method from the registry.
func (b *Bridge) query(m translator.Method, a translator.Args) []any {
	switch m.Name {
	case translator.GetPublishedTopics:
		return translator.Success(translator.TopicPairs(b.registry.PublishedTopics(a.Subgraph)))
	case translator.GetTopicTypes:
		return translator.Success(translator.TopicPairs(b.registry.TopicTypes()))
	case translator.GetSystemState:
		return translator.Success(translator.SystemState(b.registry.SystemState()))
	}
	return translator.Success(translator.Empty(m.Result))
}

// failure turns a failed backend call into a failure triple when the master API
// has one for it, or a fault otherwise.
func (b *Bridge) failure(ctx context.Context, m translator.Method, err error) (any, error) {
	if triple, ok := b.translator.Failure(m.Name, err); ok {
		return triple, nil
	}
	return nil, b.fault(ctx, m, err)
}

func (b *Bridge) fault(ctx context.Context, m translator.Method, err error) *xmlrpc.Fault {
	var (
		te *translator.Error
		re *message.RemoteError
		f  *xmlrpc.Fault
	)
	switch {
	case errors.As(err, &f):
		return f
	case errors.As(err, &te):
		return xmlrpc.NewFault(te.Code, "%s", te.Message)
	case errors.As(err, &re):
		return xmlrpc.NewFault(xmlrpc.CodeApplication, "%s", re.Error())
	case errors.Is(err, transport.ErrConnectionClosed),
		errors.Is(err, transport.ErrTimeout),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return xmlrpc.NewFault(xmlrpc.CodeTransport, "backend unavailable: %v", err)
	}
	b.logger.Error("unexpected handler error",
		zap.String("call_id", middleware.CallID(ctx)),
		zap.String("method", m.Name),
		zap.Error(err))
	return xmlrpc.NewFault(xmlrpc.CodeInternalError, "%s: %v", m.Name, err)
}

package master

import (
	"fmt"

	"github.com/juju/errors"

	"protocol-bridge/message"
	"protocol-bridge/state"
)

// MasterServer is the master API served on the backend side. Its state lives in a
// state.Registry; a registry that is also mirrored by a bridge would double-count, so
// each MasterServer owns its own.
type MasterServer struct {
	reg *state.Registry
}

// NewMasterServer returns a master with an empty registry.
func NewMasterServer(opts ...state.Option) *MasterServer {
	return &MasterServer{reg: state.NewRegistry(opts...)}
}

// Registry exposes the master's state for inspection.
func (m *MasterServer) Registry() *state.Registry {
	return m.reg
}

// RegisterPublisher params: caller_id, topic, topic_type, caller_api.
// Returns the URIs of the topic's current subscribers.
func (m *MasterServer) RegisterPublisher(params []any) (any, error) {
	p, err := stringParams(params, 4)
	if err != nil {
		return nil, err
	}
	if err := m.reg.RegisterPublisher(p[0], p[1], p[2], p[3]); err != nil {
		return nil, remote(err)
	}
	return m.reg.SubscriberURIs(p[1]), nil
}

// RegisterSubscriber params: caller_id, topic, topic_type, caller_api.
// Returns the URIs of the topic's current publishers.
func (m *MasterServer) RegisterSubscriber(params []any) (any, error) {
	p, err := stringParams(params, 4)
	if err != nil {
		return nil, err
	}
	if err := m.reg.RegisterSubscriber(p[0], p[1], p[2], p[3]); err != nil {
		return nil, remote(err)
	}
	return m.reg.PublisherURIs(p[1]), nil
}

func (m *MasterServer) UnregisterPublisher(params []any) (any, error) {
	p, err := stringParams(params, 3)
	if err != nil {
		return nil, err
	}
	return m.reg.UnregisterPublisher(p[0], p[1], p[2]), nil
}

func (m *MasterServer) UnregisterSubscriber(params []any) (any, error) {
	p, err := stringParams(params, 3)
	if err != nil {
		return nil, err
	}
	return m.reg.UnregisterSubscriber(p[0], p[1], p[2]), nil
}

// LookupNode params: caller_id, node_name.
func (m *MasterServer) LookupNode(params []any) (any, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return nil, err
	}
	uri, ok := m.reg.LookupNode(p[1])
	if !ok {
		return nil, &message.RemoteError{Class: message.ClassUnknownNode, Message: fmt.Sprintf("unknown node [%s]", p[1])}
	}
	return uri, nil
}

// GetPublishedTopics params: caller_id, subgraph.
func (m *MasterServer) GetPublishedTopics(params []any) (any, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return nil, err
	}
	return pairs(m.reg.PublishedTopics(p[1])), nil
}

func (m *MasterServer) GetTopicTypes(params []any) (any, error) {
	if _, err := stringParams(params, 1); err != nil {
		return nil, err
	}
	return pairs(m.reg.TopicTypes()), nil
}

func (m *MasterServer) GetSystemState(params []any) (any, error) {
	if _, err := stringParams(params, 1); err != nil {
		return nil, err
	}
	s := m.reg.SystemState()
	return []any{members(s.Publishers), members(s.Subscribers), []any{}}, nil
}

func pairs(topics []state.TopicInfo) [][]string {
	out := make([][]string, 0, len(topics))
	for _, t := range topics {
		out = append(out, []string{t.Name, t.Type})
	}
	return out
}

func members(list []state.TopicMembers) []any {
	out := make([]any, 0, len(list))
	for _, tm := range list {
		out = append(out, []any{tm.Topic, tm.Nodes})
	}
	return out
}

func stringParams(params []any, n int) ([]string, error) {
	if len(params) != n {
		return nil, &message.RemoteError{
			Class:   "IllegalArgumentException",
			Message: fmt.Sprintf("expected %d params, got %d", n, len(params)),
		}
	}
	out := make([]string, n)
	for i, p := range params {
		s, ok := p.(string)
		if !ok {
			return nil, &message.RemoteError{
				Class:   "IllegalArgumentException",
				Message: fmt.Sprintf("param %d: expected string, got %T", i, p),
			}
		}
		out[i] = s
	}
	return out, nil
}

func remote(err error) error {
	switch {
	case errors.Is(err, state.ErrTypeMismatch):
		return &message.RemoteError{Class: message.ClassTypeMismatch, Message: err.Error()}
	case errors.Is(err, errors.NotValid):
		return &message.RemoteError{Class: "IllegalArgumentException", Message: err.Error()}
	}
	return err
}

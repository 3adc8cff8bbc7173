// Package translator converts master API calls between the XML-RPC calling
// convention and backend RemoteRequests.
//
// Every XML-RPC answer that reached the master is a positional triple
// [statusCode, statusMessage, value]. Clients parse it by position, so the shape is
// fixed: 1 is success, 0 a failure the master decided on, -1 a caller error. A call
// that could not be made at all is not a triple but a fault; that mapping lives with
// the caller of this package.
package translator

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/juju/errors"

	"protocol-bridge/message"
	"protocol-bridge/state"
	"protocol-bridge/xmlrpc"
)

// Status codes of the master API triple.
const (
	StatusSuccess = 1
	StatusFailure = 0
	StatusError   = -1
)

// DefaultClassName is the backend class that serves the master API.
const DefaultClassName = "MasterServer"

// Error is a translation failure: the call could not be expressed for the backend,
// or the backend answer could not be expressed for the client.
type Error struct {
	Code    int // xmlrpc fault code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func methodNotFound(name string) *Error {
	return &Error{Code: xmlrpc.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", name)}
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: xmlrpc.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func badResult(method string, v any) *Error {
	return &Error{Code: xmlrpc.CodeInternalError, Message: fmt.Sprintf("backend returned unexpected %T for %s", v, method)}
}

// Args are the parsed positional parameters of a call. Fields a method does not
// take stay empty.
type Args struct {
	CallerID  string
	Topic     string
	TopicType string
	CallerAPI string
	NodeName  string
	Subgraph  string
}

func (a *Args) set(name, value string) {
	switch name {
	case "caller_id":
		a.CallerID = value
	case "topic":
		a.Topic = value
	case "topic_type":
		a.TopicType = value
	case "caller_api":
		a.CallerAPI = value
	case "node_name":
		a.NodeName = value
	case "subgraph":
		a.Subgraph = value
	}
}

// Translator maps master API calls onto one backend class.
type Translator struct {
	className string
}

// New returns a translator targeting className; empty means DefaultClassName.
func New(className string) *Translator {
	if className == "" {
		className = DefaultClassName
	}
	return &Translator{className: className}
}

// ClassName is the backend class every request is addressed to.
func (t *Translator) ClassName() string {
	return t.className
}

// Parse validates params against the method signature.
func (t *Translator) Parse(method string, params []any) (Method, Args, error) {
	m, ok := Lookup(method)
	if !ok {
		return Method{}, Args{}, methodNotFound(method)
	}
	if len(params) != len(m.Params) {
		return m, Args{}, invalidParams("%s takes %d params, got %d", method, len(m.Params), len(params))
	}
	var args Args
	for i, p := range m.Params {
		s, ok := params[i].(string)
		if !ok {
			return m, Args{}, invalidParams("%s: param %s must be a string, got %T", method, p.Name, params[i])
		}
		if s == "" && !p.AllowEmpty {
			return m, Args{}, invalidParams("%s: param %s must not be empty", method, p.Name)
		}
		args.set(p.Name, s)
	}
	return m, args, nil
}

// ToBackend builds the RemoteRequest for an inbound call. Parameters map 1:1.
func (t *Translator) ToBackend(method string, params []any) (*message.RemoteRequest, error) {
	if _, _, err := t.Parse(method, params); err != nil {
		return nil, err
	}
	return message.NewRemoteRequest(t.className, method, params...), nil
}

// ToXMLRPC wraps a successful backend outcome as a success triple, normalising the
// value to the method's result shape.
func (t *Translator) ToXMLRPC(method string, resp *message.RemoteResponse) ([]any, error) {
	m, ok := Lookup(method)
	if !ok {
		return nil, methodNotFound(method)
	}
	var raw any
	if resp != nil {
		raw = resp.Value
	}
	value, err := normalize(m, raw)
	if err != nil {
		return nil, err
	}
	return Success(value), nil
}

// Failure turns a backend "no" into a failure triple. It reports false for errors
// that mean the call could not be made, which must become faults instead.
func (t *Translator) Failure(method string, err error) ([]any, bool) {
	m, ok := Lookup(method)
	if !ok {
		return nil, false
	}
	if errors.Is(err, state.ErrTypeMismatch) {
		return Triple(StatusFailure, err.Error(), Empty(m.Result)), true
	}
	var re *message.RemoteError
	if !errors.As(err, &re) {
		return nil, false
	}
	switch re.Class {
	case message.ClassTypeMismatch:
		return Triple(StatusFailure, re.Message, Empty(m.Result)), true
	case message.ClassUnknownNode:
		return Triple(StatusError, re.Message, Empty(m.Result)), true
	}
	return nil, false
}

// Triple builds [code, message, value].
func Triple(code int, msg string, value any) []any {
	return []any{code, msg, value}
}

// Success builds [1, "", value].
func Success(value any) []any {
	return Triple(StatusSuccess, "", value)
}

// Empty is the value placed in a failure triple for a result kind.
func Empty(kind ResultKind) any {
	switch kind {
	case ResultURIList:
		return []string{}
	case ResultCount:
		return 0
	case ResultURI:
		return ""
	case ResultTopicPairs:
		return [][]string{}
	case ResultSystemState:
		return []any{[]any{}, []any{}, []any{}}
	}
	return ""
}

// TopicPairs renders registry topics as [[name, type], ...].
func TopicPairs(topics []state.TopicInfo) [][]string {
	out := make([][]string, 0, len(topics))
	for _, t := range topics {
		out = append(out, []string{t.Name, t.Type})
	}
	return out
}

// SystemState renders a registry snapshot as [publishers, subscribers, services].
// The bridge mirrors no services, so the third list is always empty.
func SystemState(s state.SystemState) []any {
	return []any{members(s.Publishers), members(s.Subscribers), []any{}}
}

func members(list []state.TopicMembers) []any {
	out := make([]any, 0, len(list))
	for _, tm := range list {
		out = append(out, []any{tm.Topic, tm.Nodes})
	}
	return out
}

func normalize(m Method, v any) (any, error) {
	switch m.Result {
	case ResultURIList:
		if v == nil {
			return []string{}, nil
		}
		list, ok := toStrings(v)
		if !ok {
			return nil, badResult(m.Name, v)
		}
		return list, nil
	case ResultCount:
		n, ok := toInt(v)
		if !ok {
			return nil, badResult(m.Name, v)
		}
		return n, nil
	case ResultURI:
		s, ok := v.(string)
		if !ok {
			return nil, badResult(m.Name, v)
		}
		return s, nil
	case ResultTopicPairs:
		return topicPairs(m.Name, v)
	case ResultSystemState:
		return systemState(m.Name, v)
	}
	return nil, badResult(m.Name, v)
}

func topicPairs(method string, v any) (any, error) {
	if v == nil {
		return [][]string{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, badResult(method, v)
	}
	out := make([][]string, 0, len(list))
	for _, item := range list {
		pair, ok := toStrings(item)
		if !ok || len(pair) != 2 {
			return nil, badResult(method, item)
		}
		out = append(out, pair)
	}
	return out, nil
}

func systemState(method string, v any) (any, error) {
	lists, ok := v.([]any)
	if !ok || len(lists) != 3 {
		return nil, badResult(method, v)
	}
	out := make([]any, 0, 3)
	for _, l := range lists {
		entries, ok := l.([]any)
		if !ok {
			return nil, badResult(method, l)
		}
		normalized := make([]any, 0, len(entries))
		for _, e := range entries {
			entry, ok := e.([]any)
			if !ok || len(entry) != 2 {
				return nil, badResult(method, e)
			}
			name, ok := entry[0].(string)
			if !ok {
				return nil, badResult(method, entry[0])
			}
			nodes, ok := toStrings(entry[1])
			if !ok {
				return nil, badResult(method, entry[1])
			}
			normalized = append(normalized, []any{name, nodes})
		}
		out = append(out, normalized)
	}
	return out, nil
}

func toStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

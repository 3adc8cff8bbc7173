// Package message defines the values exchanged with the serialization-protocol master.
//
// RemoteRequest and RemoteResponse are what the bridge reasons about. Envelope is the
// form they take on the wire: it gets serialized by the codec layer and wrapped in a
// protocol frame for transmission over TCP.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteRequest names one method invocation on the backend master.
// It is built once per backend call and never mutated afterwards; a retry resends
// the identical value.
type RemoteRequest struct {
	ClassName  string // Backend class that owns the method, e.g. "MasterServer"
	MethodName string // Backend method, e.g. "registerPublisher"
	Params     []any  // Positional parameters, mapped 1:1 from the inbound call
}

// NewRemoteRequest copies params so later changes by the caller cannot leak into the request.
func NewRemoteRequest(className, methodName string, params ...any) *RemoteRequest {
	p := make([]any, len(params))
	copy(p, params)
	return &RemoteRequest{ClassName: className, MethodName: methodName, Params: p}
}

// Target returns "ClassName.MethodName".
func (r *RemoteRequest) Target() string {
	return r.ClassName + "." + r.MethodName
}

// RemoteResponse is a successful backend outcome.
// Backend application errors travel as *RemoteError instead, so a response never
// carries both a value and an error.
type RemoteResponse struct {
	Value any
}

// RemoteError is an application-level exception reported by the backend.
type RemoteError struct {
	Class   string // Exception class reported by the backend, e.g. "TypeMismatch"
	Message string
}

func (e *RemoteError) Error() string {
	if e.Class == "" {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Class, e.Message)
}

// Well-known backend exception classes. Anything else is an opaque invocation failure.
const (
	ClassTypeMismatch = "TypeMismatch"
	ClassUnknownNode  = "UnknownNode"
	ClassNoSuchMethod = "NoSuchMethod"
	ClassException    = "RemoteException"
)

// Envelope carries a single request or response inside a protocol frame.
//
//   - On request:  Target is set, Payload holds the JSON-encoded params.
//   - On response: Payload holds the JSON-encoded value, or ErrorClass/Error are set.
type Envelope struct {
	Target     string // Format: "ClassName.MethodName"; class names may contain dots
	ErrorClass string
	Error      string
	Payload    []byte
}

// SplitTarget splits "a.b.Class.method" at the last dot.
func SplitTarget(target string) (className, methodName string, ok bool) {
	i := strings.LastIndex(target, ".")
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// RequestEnvelope wraps req for the wire.
func RequestEnvelope(req *RemoteRequest) (*Envelope, error) {
	params := req.Params
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", req.Target(), err)
	}
	return &Envelope{Target: req.Target(), Payload: payload}, nil
}

// Request unwraps a request envelope.
func (e *Envelope) Request() (*RemoteRequest, error) {
	className, methodName, ok := SplitTarget(e.Target)
	if !ok {
		return nil, fmt.Errorf("invalid target %q", e.Target)
	}
	var params []any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &params); err != nil {
			return nil, fmt.Errorf("decoding params for %s: %w", e.Target, err)
		}
	}
	return &RemoteRequest{ClassName: className, MethodName: methodName, Params: params}, nil
}

// ResponseEnvelope wraps a backend outcome. A non-nil err wins over value.
func ResponseEnvelope(target string, value any, err error) *Envelope {
	env := &Envelope{Target: target}
	if err != nil {
		if re, ok := err.(*RemoteError); ok {
			env.ErrorClass = re.Class
			env.Error = re.Message
		} else {
			env.ErrorClass = ClassException
			env.Error = err.Error()
		}
		return env
	}
	payload, mErr := json.Marshal(value)
	if mErr != nil {
		env.ErrorClass = ClassException
		env.Error = "encoding result: " + mErr.Error()
		return env
	}
	env.Payload = payload
	return env
}

// Response unwraps a response envelope into either a value or a *RemoteError.
func (e *Envelope) Response() (*RemoteResponse, error) {
	if e.ErrorClass != "" || e.Error != "" {
		return nil, &RemoteError{Class: e.ErrorClass, Message: e.Error}
	}
	var value any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &value); err != nil {
			return nil, fmt.Errorf("decoding result of %s: %w", e.Target, err)
		}
	}
	return &RemoteResponse{Value: value}, nil
}

// Handshake is exchanged once when a backend connection is opened.
type Handshake struct {
	Peer    string `json:"peer"`
	Version string `json:"version"`
}

package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		target, class, method string
		ok                    bool
	}{
		{"MasterServer.registerPublisher", "MasterServer", "registerPublisher", true},
		{"org.ros.master.MasterServer.lookupNode", "org.ros.master.MasterServer", "lookupNode", true},
		{"noDot", "", "", false},
		{".method", "", "", false},
		{"Class.", "", "", false},
	}
	for _, tc := range cases {
		class, method, ok := SplitTarget(tc.target)
		assert.Equal(t, tc.ok, ok, tc.target)
		assert.Equal(t, tc.class, class, tc.target)
		assert.Equal(t, tc.method, method, tc.target)
	}
}

func TestNewRemoteRequestCopiesParams(t *testing.T) {
	params := []any{"/talker", "/chatter"}
	req := NewRemoteRequest("MasterServer", "registerPublisher", params...)
	params[0] = "/mutated"
	assert.Equal(t, "/talker", req.Params[0])
	assert.Equal(t, "MasterServer.registerPublisher", req.Target())
}

func TestRequestEnvelope(t *testing.T) {
	req := NewRemoteRequest("MasterServer", "lookupNode", "/caller", "/talker")
	env, err := RequestEnvelope(req)
	require.NoError(t, err)

	back, err := env.Request()
	require.NoError(t, err)
	assert.Equal(t, req, back)
}

func TestResponseEnvelope(t *testing.T) {
	env := ResponseEnvelope("MasterServer.registerPublisher", []string{"http://listener:1234"}, nil)
	resp, err := env.Response()
	require.NoError(t, err)
	assert.Equal(t, []any{"http://listener:1234"}, resp.Value)

	env = ResponseEnvelope("MasterServer.lookupNode", nil, &RemoteError{Class: ClassUnknownNode, Message: "unknown node [/x]"})
	_, err = env.Response()
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ClassUnknownNode, re.Class)

	env = ResponseEnvelope("MasterServer.lookupNode", nil, errors.New("boom"))
	_, err = env.Response()
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ClassException, re.Class)
	assert.Equal(t, "boom", re.Message)
}

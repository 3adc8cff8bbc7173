package codec

import (
	"protocol-bridge/message"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Codec, original *message.Envelope) {
	t.Helper()

	data, err := c.Encode(original)
	require.NoError(t, err, "%s Encode failed", c.Type())

	var decoded message.Envelope
	require.NoError(t, c.Decode(data, &decoded), "%s Decode failed", c.Type())

	assert.Equal(t, original.Target, decoded.Target)
	assert.Equal(t, original.ErrorClass, decoded.ErrorClass)
	assert.Equal(t, original.Error, decoded.Error)
	assert.Equal(t, string(original.Payload), string(decoded.Payload))
}

func TestCodecs(t *testing.T) {
	request := &message.Envelope{
		Target:  "MasterServer.registerPublisher",
		Payload: []byte(`["/talker","/chatter","std_msgs/String","http://talker:5678"]`),
	}
	failure := &message.Envelope{
		Target:     "MasterServer.lookupNode",
		ErrorClass: message.ClassUnknownNode,
		Error:      "unknown node [/nobody]",
	}

	for _, c := range []Codec{GetCodec(CodecTypeJSON), GetCodec(CodecTypeBinary)} {
		t.Run(c.Type().String(), func(t *testing.T) {
			roundTrip(t, c, request)
			roundTrip(t, c, failure)
		})
	}
}

func TestBinaryCodecRejectsTruncatedInput(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.Envelope{Target: "MasterServer.getUri", Payload: []byte(`["/c"]`)})
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var env message.Envelope
		assert.Error(t, c.Decode(data[:n], &env), "truncated to %d bytes", n)
	}
}

func TestBinaryCodecRejectsWrongType(t *testing.T) {
	c := &BinaryCodec{}
	_, err := c.Encode("not an envelope")
	assert.Error(t, err)
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)

	ct, err = ParseCodecType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	_, err = ParseCodecType("gob")
	assert.Error(t, err)
}

func TestJSONRejectsUnknownFields(t *testing.T) {
	var env message.Envelope
	err := GetCodec(CodecTypeJSON).Decode([]byte(`{"Target":"MasterServer.lookupNode","Deadline":5}`), &env)
	assert.Error(t, err)
}

package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec is the default body encoding. Human-readable on the wire, which helps
// when sniffing traffic to a master.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode rejects fields the target does not declare, so a peer speaking another
// envelope version fails loudly instead of decoding to zero values.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"protocol-bridge/message"
)

// BinaryCodec lays an Envelope out as length-prefixed fields:
//
//	target len(2) | target | class len(2) | class | error len(2) | error | payload len(4) | payload
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Envelope")
	}
	for _, s := range []string{env.Target, env.ErrorClass, env.Error} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: field of %d bytes exceeds limit", len(s))
		}
	}
	total := 2 + len(env.Target) + 2 + len(env.ErrorClass) + 2 + len(env.Error) + 4 + len(env.Payload)
	buf := make([]byte, total)

	offset := putString(buf, 0, env.Target)
	offset = putString(buf, offset, env.ErrorClass)
	offset = putString(buf, offset, env.Error)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Payload)))
	offset += 4
	copy(buf[offset:], env.Payload)
	return buf, nil
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *Envelope")
	}

	offset := 0
	var err error
	if env.Target, offset, err = readString(data, offset); err != nil {
		return err
	}
	if env.ErrorClass, offset, err = readString(data, offset); err != nil {
		return err
	}
	if env.Error, offset, err = readString(data, offset); err != nil {
		return err
	}

	if len(data) < offset+4 {
		return errShortBuffer
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShortBuffer
	}
	env.Payload = nil
	if payloadLen > 0 {
		env.Payload = make([]byte, payloadLen)
		copy(env.Payload, data[offset:offset+payloadLen])
	}
	return nil
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, errShortBuffer
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// Package protocol implements the frame format spoken to the serialization-protocol master.
//
// Every frame is a fixed 14-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ rjb  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A connection starts with one handshake frame in each direction, after which the
// client sends requests and the master answers with responses carrying the same seq.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "rjb". Lets either side reject a peer that speaks something else,
// e.g. an XML-RPC client pointed at the backend port.
const (
	MagicNumber byte   = 0x72 // 'r'
	MagicByte2  byte   = 0x6a // 'j'
	MagicByte3  byte   = 0x62 // 'b'
	Version     byte   = 0x01
	HeaderSize  int    = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20
)

// MsgType distinguishes the frames that may appear on a connection.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Bridge → master
	MsgTypeResponse  MsgType = 1 // Master → bridge
	MsgTypeHeartbeat MsgType = 2 // Keep-alive, no body, never answered
	MsgTypeHandshake MsgType = 3 // First frame in each direction
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeHandshake:
		return "handshake"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Body serialization: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, Heartbeat or Handshake
	Seq       uint32  // Matches a response to its request
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must serialize writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length %d does not match header %d", len(body), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("body of %d bytes exceeds limit", h.BodyLen)
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	// Sequence number and body length: big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic, version, codec type, message type and body length, and uses
// io.ReadFull so a frame is never returned half-read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHandshake {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body of %d bytes exceeds limit", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

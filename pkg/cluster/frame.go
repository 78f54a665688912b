// Package cluster implements the binary framing codec and Unix-socket
// transport that connects a root process to its forked worker children
// (spec §4.4/§4.5).
package cluster

import (
	"encoding/binary"
	"fmt"
)

// FrameType enumerates the cluster wire protocol's message kinds (spec §4.4).
type FrameType uint32

const (
	FrameForward FrameType = iota
	FrameJSON
	FrameRoot
	FrameRootJSON
	FramePubSubSub
	FramePubSubUnsub
	FramePatternSub
	FramePatternUnsub
	FrameShutdown
	FrameError
	FramePing
)

func (t FrameType) String() string {
	switch t {
	case FrameForward:
		return "FORWARD"
	case FrameJSON:
		return "JSON"
	case FrameRoot:
		return "ROOT"
	case FrameRootJSON:
		return "ROOT_JSON"
	case FramePubSubSub:
		return "PUBSUB_SUB"
	case FramePubSubUnsub:
		return "PUBSUB_UNSUB"
	case FramePatternSub:
		return "PATTERN_SUB"
	case FramePatternUnsub:
		return "PATTERN_UNSUB"
	case FrameShutdown:
		return "SHUTDOWN"
	case FrameError:
		return "ERROR"
	case FramePing:
		return "PING"
	default:
		return fmt.Sprintf("FrameType(%d)", uint32(t))
	}
}

// Header size and the two fatal limits from spec §4.4. The frame codec is
// host-byte-order: peers are forked children of the same binary and never
// cross a machine boundary, so there's nothing to guard against except
// corruption.
const (
	headerSize    = 16
	maxChannelLen = 16 * 1024 * 1024
	maxPayloadLen = 64 * 1024 * 1024
)

// Frame is a single binary message on the cluster socket (spec §4.4).
type Frame struct {
	Type    FrameType
	Filter  int32
	Channel []byte
	Payload []byte
}

// ErrFrameTooLarge reports a ProtocolLimitExceeded violation (spec §7):
// since both peers are forked from the same binary, this indicates
// corruption and is fatal on the receiving connection.
type ErrFrameTooLarge struct {
	Field string
	Len   uint32
	Limit uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("cluster: %s length %d exceeds limit %d", e.Field, e.Len, e.Limit)
}

// Encode serializes f into the wire layout described in spec §4.4.
func Encode(f Frame) ([]byte, error) {
	if len(f.Channel) >= maxChannelLen {
		return nil, &ErrFrameTooLarge{Field: "channel", Len: uint32(len(f.Channel)), Limit: maxChannelLen}
	}
	if len(f.Payload) >= maxPayloadLen {
		return nil, &ErrFrameTooLarge{Field: "payload", Len: uint32(len(f.Payload)), Limit: maxPayloadLen}
	}
	out := make([]byte, headerSize+len(f.Channel)+len(f.Payload))
	binary.NativeEndian.PutUint32(out[0:4], uint32(len(f.Channel)))
	binary.NativeEndian.PutUint32(out[4:8], uint32(len(f.Payload)))
	binary.NativeEndian.PutUint32(out[8:12], uint32(f.Type))
	binary.NativeEndian.PutUint32(out[12:16], uint32(f.Filter))
	copy(out[headerSize:headerSize+len(f.Channel)], f.Channel)
	copy(out[headerSize+len(f.Channel):], f.Payload)
	return out, nil
}

// Decode parses a single complete frame out of buf, which must contain
// at least the bytes Encode would have produced. Bytes past the end of
// the frame are ignored.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("cluster: short frame: %d bytes", len(buf))
	}
	channelLen := binary.NativeEndian.Uint32(buf[0:4])
	payloadLen := binary.NativeEndian.Uint32(buf[4:8])
	typ := FrameType(binary.NativeEndian.Uint32(buf[8:12]))
	filter := int32(binary.NativeEndian.Uint32(buf[12:16]))
	if channelLen >= maxChannelLen {
		return Frame{}, &ErrFrameTooLarge{Field: "channel", Len: channelLen, Limit: maxChannelLen}
	}
	if payloadLen >= maxPayloadLen {
		return Frame{}, &ErrFrameTooLarge{Field: "payload", Len: payloadLen, Limit: maxPayloadLen}
	}
	want := headerSize + int(channelLen) + int(payloadLen)
	if len(buf) < want {
		return Frame{}, fmt.Errorf("cluster: truncated frame: have %d, want %d", len(buf), want)
	}
	channel := make([]byte, channelLen)
	copy(channel, buf[headerSize:headerSize+int(channelLen)])
	payload := make([]byte, payloadLen)
	copy(payload, buf[headerSize+int(channelLen):want])
	return Frame{Type: typ, Filter: filter, Channel: channel, Payload: payload}, nil
}

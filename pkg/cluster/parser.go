package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// readBufSize mirrors the source's fixed 16KiB connection read buffer
// (spec §4.4); bufio.Reader plays the role of that buffer here, with
// ReadFrame performing the header-then-channel-then-payload fill
// sequence the source implements by hand with memmove.
const readBufSize = 16384

// Parser holds the streaming parse state for one cluster connection.
// It is not safe for concurrent use; each connection owns exactly one.
type Parser struct {
	r *bufio.Reader
}

// NewParser wraps r for frame-at-a-time reads.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, readBufSize)}
}

// ReadFrame blocks until one complete frame has arrived, or returns the
// read error (including io.EOF on clean peer close). A ProtocolLimitExceeded
// violation (*ErrFrameTooLarge) is fatal for the connection per spec §7:
// callers must not attempt to resynchronize and should close the conn.
func (p *Parser) ReadFrame() (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(p.r, header[:]); err != nil {
		return Frame{}, err
	}
	channelLen := binary.NativeEndian.Uint32(header[0:4])
	payloadLen := binary.NativeEndian.Uint32(header[4:8])
	typ := FrameType(binary.NativeEndian.Uint32(header[8:12]))
	filter := int32(binary.NativeEndian.Uint32(header[12:16]))

	if channelLen >= maxChannelLen {
		return Frame{}, &ErrFrameTooLarge{Field: "channel", Len: channelLen, Limit: maxChannelLen}
	}
	if payloadLen >= maxPayloadLen {
		return Frame{}, &ErrFrameTooLarge{Field: "payload", Len: payloadLen, Limit: maxPayloadLen}
	}

	channel := make([]byte, channelLen)
	if _, err := io.ReadFull(p.r, channel); err != nil {
		return Frame{}, fmt.Errorf("cluster: reading channel: %w", err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return Frame{}, fmt.Errorf("cluster: reading payload: %w", err)
	}
	return Frame{Type: typ, Filter: filter, Channel: channel, Payload: payload}, nil
}

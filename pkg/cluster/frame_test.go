package cluster

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: FrameForward, Filter: 0, Channel: []byte("news"), Payload: []byte("hello")},
		{Type: FrameJSON, Filter: 0, Channel: []byte(`"news"`), Payload: []byte(`42`)},
		{Type: FramePubSubSub, Filter: 0, Channel: []byte("x"), Payload: nil},
		{Type: FramePing, Filter: 0, Channel: nil, Payload: nil},
		{Type: FrameRoot, Filter: -7, Channel: []byte("f"), Payload: []byte{}},
	}
	for _, want := range cases {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%v): %v", want.Type, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Type != want.Type || got.Filter != want.Filter {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Channel, want.Channel) {
			t.Fatalf("channel mismatch: got %q, want %q", got.Channel, want.Channel)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("payload mismatch: got %q, want %q", got.Payload, want.Payload)
		}
	}
}

func TestEncodeRejectsOversizedChannel(t *testing.T) {
	_, err := Encode(Frame{Channel: make([]byte, maxChannelLen)})
	if err == nil {
		t.Fatal("expected error for oversized channel")
	}
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *ErrFrameTooLarge, got %T", err)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	raw, err := Encode(Frame{Type: FrameForward, Channel: []byte("news"), Payload: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw[:len(raw)-2]); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

package pubsub

import (
	"sync/atomic"

	"github.com/adred-codev/fiopost/pkg/value"
)

// MetaFinisher is invoked once per metadata entry when the owning
// message's reference count drops to zero.
type MetaFinisher func(msg *Message, data any)

// metadataEntry is one link in a Message's metadata list (spec §3).
// Hooks are prepended, so the most-recently-registered hook that
// produced a non-nil entry ends up first.
type metadataEntry struct {
	typeID   int64
	data     any
	onFinish MetaFinisher
	next     *metadataEntry
}

// sharedMessage is the state common to every per-subscription delivery
// of a single publish: the payload, the metadata chain, and the
// reference count gating when onFinish hooks fire (spec invariant 4).
type sharedMessage struct {
	channel value.Value
	payload value.Value
	filter  int32
	meta    *metadataEntry
	ref     int64
}

// Message is the per-delivery view handed to a subscription's OnMessage
// callback. Channel/Payload/Filter/Metadata are shared across every
// subscriber of a publish; UData1/UData2 are populated from the
// receiving Subscription so each callback sees its own user pointers
// (spec §3: "a shallow copy of M is made per callback").
type Message struct {
	shared   *sharedMessage
	UData1   any
	UData2   any
	deferred bool
}

// Channel returns the channel the message was published to.
func (m *Message) Channel() value.Value { return m.shared.channel }

// Payload returns the published payload.
func (m *Message) Payload() value.Value { return m.shared.payload }

// Filter returns the filter number, or 0 for channel-keyed publishes.
func (m *Message) Filter() int32 { return m.shared.filter }

// Metadata looks up the first metadata entry with the given type id,
// or returns nil if none was attached (spec §6 message_metadata).
func (m *Message) Metadata(typeID int64) any {
	for e := m.shared.meta; e != nil; e = e.next {
		if e.typeID == typeID {
			return e.data
		}
	}
	return nil
}

// Defer requests redelivery of this logical message to the same
// subscription after the current OnMessage callback returns (spec §4.2
// message_defer). It must be called from inside OnMessage; calling it
// elsewhere has no effect.
func (m *Message) Defer() { m.deferred = true }

func newSharedMessage(channel, payload value.Value, filter int32) *sharedMessage {
	return &sharedMessage{channel: channel, payload: payload, filter: filter, ref: 1}
}

func (m *sharedMessage) addRef(n int64) {
	atomic.AddInt64(&m.ref, n)
}

// release drops n references and, if the count reaches zero, releases
// the underlying Values and runs every metadata hook's onFinish exactly
// once, in list order.
func (m *sharedMessage) release(n int64) {
	if atomic.AddInt64(&m.ref, -n) != 0 {
		return
	}
	m.channel.Release()
	m.payload.Release()
	view := &Message{shared: m}
	for e := m.meta; e != nil; e = e.next {
		if e.onFinish != nil {
			e.onFinish(view, e.data)
		}
	}
}

func (m *sharedMessage) prependMeta(typeID int64, data any, onFinish MetaFinisher) {
	m.meta = &metadataEntry{typeID: typeID, data: data, onFinish: onFinish, next: m.meta}
}

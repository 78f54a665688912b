// Package value implements the opaque, reference-counted payload carrier
// used throughout the pub/sub core for channel identifiers and message
// bodies. It stands in for facil.io's FIOBJ: a small tagged union with
// cheap equality, a cached hash, and JSON round-tripping.
package value

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// Kind distinguishes the two carrier shapes a Value can take.
type Kind uint8

const (
	// KindString holds an immutable byte payload (channel name or message body).
	KindString Kind = iota
	// KindNumber holds a filter integer, wrapped so it can live in the same
	// map key space as string channels.
	KindNumber
)

// Value is an opaque reference-counted carrier. The zero Value is not
// valid; construct one with String or Number.
//
// Values are safe for concurrent Dup/Release/Hash/Equal; they are not
// safe for concurrent mutation because they are immutable after
// construction.
type Value struct {
	kind  Kind
	bytes []byte
	num   int64
	hash  uint64
	ref   *int64
}

// String freezes b into a new Value with ref count 1. The byte slice is
// copied so callers remain free to reuse their buffer.
func String(b []byte) Value {
	frozen := make([]byte, len(b))
	copy(frozen, b)
	ref := int64(1)
	return Value{
		kind:  KindString,
		bytes: frozen,
		hash:  hashBytes(frozen),
		ref:   &ref,
	}
}

// StringFrom is a convenience wrapper over String for a Go string.
func StringFrom(s string) Value {
	return String([]byte(s))
}

// Number wraps a filter integer as a Value. Negative filters are valid
// per spec §9 Open Questions — their meaning is reserved, not rejected.
func Number(n int32) Value {
	ref := int64(1)
	return Value{
		kind: KindNumber,
		num:  int64(n),
		hash: hashNumber(int64(n)),
		ref:  &ref,
	}
}

// TypeIsString reports whether this Value carries a string/byte payload
// rather than a numeric filter.
func (v Value) TypeIsString() bool { return v.kind == KindString }

// AsBytes returns the underlying payload. It is empty for numeric Values.
// The returned slice must not be mutated; it is shared across every
// Dup of this Value.
func (v Value) AsBytes() []byte { return v.bytes }

// AsString is a convenience accessor equivalent to string(v.AsBytes()).
func (v Value) AsString() string { return string(v.bytes) }

// AsInt32 returns the wrapped filter integer. It is zero for string Values.
func (v Value) AsInt32() int32 { return int32(v.num) }

// Hash returns the cached hash for string Values, or the derived hash for
// numeric Values. Values that compare Equal always hash equal.
func (v Value) Hash() uint64 { return v.hash }

// Equal reports whether a and b carry the same kind and payload.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	if a.kind == KindNumber {
		return a.num == b.num
	}
	return string(a.bytes) == string(b.bytes)
}

// Dup increments the reference count and returns a shallow copy sharing
// the underlying storage.
func (v Value) Dup() Value {
	if v.ref != nil {
		atomic.AddInt64(v.ref, 1)
	}
	return v
}

// Release decrements the reference count. It does not free Go-managed
// memory (the garbage collector does that once the last reference and
// the last Value sharing v.ref are gone); it exists so the call sites
// mirror the C original's explicit dup/release discipline and so ref
// counts stay inspectable in tests.
func (v Value) Release() {
	if v.ref != nil {
		atomic.AddInt64(v.ref, -1)
	}
}

// RefCount returns the current reference count, for tests and diagnostics.
func (v Value) RefCount() int64 {
	if v.ref == nil {
		return 0
	}
	return atomic.LoadInt64(v.ref)
}

// MarshalJSON encodes the Value the way it would appear on the wire:
// strings as JSON strings, numbers as JSON numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber {
		return []byte(strconv.FormatInt(v.num, 10)), nil
	}
	return json.Marshal(string(v.bytes))
}

// DecodeJSON attempts to JSON-decode raw into a Value, used by the local
// dispatcher to recover non-string channel/payload values that were
// string-encoded for the cluster wire (spec §4.2 step 2). It returns
// ok=false (and an unchanged Value) if raw is not valid JSON, in which
// case callers keep the original string Value.
func DecodeJSON(raw []byte) (out Value, ok bool) {
	// A JSON string always decodes to a string Value, even when its
	// contents are digits: json.Number would accept "42" as well as 42.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] != '"' {
		var asNumber json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&asNumber); err == nil {
			if n, err := asNumber.Int64(); err == nil {
				return Number(int32(n)), true
			}
		}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return StringFrom(asString), true
	}
	return Value{}, false
}

func hashBytes(b []byte) uint64 {
	// FNV-1a: matches the cheap, dependency-free hash the teacher's
	// in-process subscription index uses for channel keys.
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func hashNumber(n int64) uint64 {
	u := uint64(n)
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	u *= 0xc4ceb9fe1a85ec53
	u ^= u >> 33
	return u
}

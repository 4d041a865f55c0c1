// Package dimension implements DimensionKey: a projection of an event's
// fields into a canonical, hashable key used to split a metric into
// independent per-dimension series (spec §3).
//
// The canonical byte form is grounded on storage/bolt.go's binaryKey()
// (deterministic sha256-hex key derivation), generalized from a single
// byte slice input to an ordered field-path/value sequence.
package dimension

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/statsdengine/statsdengine/internal/event"
)

// Spec names which field paths project into a dimension key.
type Spec struct {
	Paths []event.FieldPath
}

// Key is the canonical, hashable projection of an event along a Spec. Two
// events that agree on every path in the spec produce an equal Key.
type Key struct {
	hash  string
	parts []event.Value
}

// Project builds a Key from an event along the given spec. An empty spec
// yields the single default key shared by all events (spec §3: "single
// default if unspecified").
func Project(e *event.Event, spec Spec) Key {
	parts := make([]event.Value, 0, len(spec.Paths))
	for _, p := range spec.Paths {
		v, ok := e.Field(p.Field, p.Position)
		if ok {
			parts = append(parts, v)
		}
	}
	return KeyFromValues(parts)
}

// KeyFromValues builds a Key directly from an already-resolved ordered
// value sequence, used when the values come from a link projection rather
// than a direct field lookup on one event (see internal/metric's
// condition-key derivation via MetricSpec.links).
func KeyFromValues(parts []event.Value) Key {
	return newKey(parts)
}

func newKey(parts []event.Value) Key {
	h := sha256.New()
	for _, v := range parts {
		var buf [9]byte
		buf[0] = byte(v.Kind)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(v.Path.Field))
		binary.LittleEndian.PutUint32(buf[5:9], uint32(v.Path.Position))
		h.Write(buf[:])
		switch v.Kind {
		case event.KindInt32:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(v.Int32))
			h.Write(b[:])
		case event.KindInt64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v.Int64))
			h.Write(b[:])
		case event.KindFloat:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(v.Float))
			h.Write(b[:])
		case event.KindString:
			h.Write([]byte(v.Str))
		case event.KindStorageKey:
			h.Write(v.Binary)
		}
	}
	return Key{hash: fmt.Sprintf("%x", h.Sum(nil)), parts: parts}
}

// String returns the key's stable hex form, suitable as a map key and as
// the dimension field of the output proto.
func (k Key) String() string { return k.hash }

// KeyFromHash wraps an already-computed hash string (e.g. a Bucket map's
// dimension key, whose originating Key has been erased) back into a Key
// carrier. Parts() is empty on the result; only callers that exclusively
// use String() identity, such as internal/anomaly's per-dimension ring,
// may use this.
func KeyFromHash(hash string) Key { return Key{hash: hash} }

// Parts returns the ordered (field-path, value) pairs the key was built
// from, for serialization into dimension_in_what / dimension_in_condition.
func (k Key) Parts() []event.Value { return k.parts }

// MetricDimensionKey pairs a dim_in_what key with a dim_in_condition key,
// per spec §3.
type MetricDimensionKey struct {
	What      Key
	Condition Key
}

// String returns a stable composite identity suitable as a map key.
func (k MetricDimensionKey) String() string {
	return k.What.String() + "|" + k.Condition.String()
}

// Package wire — reader.go
//
// Reader decodes the flat output of Writer.Compact back into a sequence of
// typed fields, used by tests to check the round-trip invariant (spec §8
// invariant 4: decode(compact(encode(msg))) == msg) and by any consumer that
// wants to inspect an encoded atom without a generated schema.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded top-level field: a scalar value or, for
// length-delimited fields, the raw nested bytes (decode those recursively
// with NewReader).
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Varint uint64
	Fixed  uint64
	Bytes  []byte
}

// Reader walks a flat compacted byte slice field by field.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a compacted buffer for decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Done reports whether the reader has consumed the entire buffer.
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

// Next decodes and returns the next field, advancing the cursor.
func (r *Reader) Next() (Field, error) {
	if r.Done() {
		return Field{}, fmt.Errorf("wire: Next called at end of buffer")
	}
	num, wt, n := protowire.ConsumeTag(r.buf[r.pos:])
	if n < 0 {
		return Field{}, protowire.ParseError(n)
	}
	r.pos += n

	f := Field{Number: num, Type: wt}
	switch wt {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(r.buf[r.pos:])
		if n < 0 {
			return Field{}, protowire.ParseError(n)
		}
		f.Varint = v
		r.pos += n
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(r.buf[r.pos:])
		if n < 0 {
			return Field{}, protowire.ParseError(n)
		}
		f.Fixed = uint64(v)
		r.pos += n
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(r.buf[r.pos:])
		if n < 0 {
			return Field{}, protowire.ParseError(n)
		}
		f.Fixed = v
		r.pos += n
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(r.buf[r.pos:])
		if n < 0 {
			return Field{}, protowire.ParseError(n)
		}
		f.Bytes = v
		r.pos += n
	default:
		return Field{}, fmt.Errorf("wire: unsupported wire type %d", wt)
	}
	return f, nil
}

// ReadAll decodes every top-level field in order.
func (r *Reader) ReadAll() ([]Field, error) {
	var out []Field
	for !r.Done() {
		f, err := r.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// DecodeInt64Field reverses WriteInt64Field's zigzag encoding.
func DecodeInt64Field(f Field) int64 {
	return protowire.DecodeZigZag(f.Varint)
}

// DecodeFloatField reverses WriteFloatField's fixed32 encoding.
func DecodeFloatField(f Field) float32 {
	return math.Float32frombits(uint32(f.Fixed))
}

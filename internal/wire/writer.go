// Package wire — writer.go
//
// Writer is the ProtoWriter of spec §4.1: wire-format primitives over a
// Buffer, reserved-placeholder nested messages, and two-pass compaction.
//
// Leaf varint/fixed encoding delegates to google.golang.org/protobuf's
// protowire package; the chunked buffer, placeholder convention, and
// two-pass compaction walk are hand-written (see DESIGN.md — no library
// implements this specific reserved-8-byte-placeholder scheme).
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire types, matching spec §6: varint=0, fixed64=1, length-delimited=2,
// fixed32=5.
const (
	WireVarint          = protowire.VarintType
	WireFixed64         = protowire.Fixed64Type
	WireLengthDelimited = protowire.BytesType
	WireFixed32         = protowire.Fixed32Type
)

// ErrMismatchedNesting is returned by End when the token's recorded depth
// does not match the writer's current depth (spec §4.1 invariant i).
var ErrMismatchedNesting = errors.New("wire: mismatched nesting token")

// ErrAlreadyCompacted is returned when Compact is called more than once
// (spec §4.1 invariant ii).
var ErrAlreadyCompacted = errors.New("wire: buffer already compacted")

// Token is returned by StartMessage and consumed by End. It encodes enough
// state to validate balanced nesting and to locate the reserved placeholder
// this message's encoded size must be written into.
type Token struct {
	tagSize        int
	depth          int
	placeholderPos int
}

// Writer wraps a Buffer with protobuf wire-format write operations.
type Writer struct {
	buf   *Buffer
	depth int
}

// NewWriter creates a Writer over a fresh Buffer.
func NewWriter() *Writer {
	return &Writer{buf: NewBuffer()}
}

// Buffer exposes the underlying Buffer (for tests and Bytes()).
func (w *Writer) Buffer() *Buffer { return w.buf }

// field packs a field number and wire type into the (id<<3)|wire_type tag.
func field(fieldID uint32, wt protowire.Type) uint64 {
	return uint64(protowire.EncodeTag(protowire.Number(fieldID), wt))
}

// WriteVarint appends a bare varint and returns the number of bytes written.
func (w *Writer) WriteVarint(v uint64) int {
	b := protowire.AppendVarint(nil, v)
	w.buf.WriteBytes(b)
	return len(b)
}

// WriteFixed32 appends a little-endian uint32.
func (w *Writer) WriteFixed32(v uint32) int {
	b := protowire.AppendFixed32(nil, v)
	w.buf.WriteBytes(b)
	return len(b)
}

// WriteFixed64 appends a little-endian uint64.
func (w *Writer) WriteFixed64(v uint64) int {
	b := protowire.AppendFixed64(nil, v)
	w.buf.WriteBytes(b)
	return len(b)
}

// WriteHeader emits (field_id<<3)|wire_type as a varint.
func (w *Writer) WriteHeader(fieldID uint32, wt protowire.Type) int {
	return w.WriteVarint(field(fieldID, wt))
}

// WriteInt64Field writes a complete varint-typed field: header + value.
func (w *Writer) WriteInt64Field(fieldID uint32, v int64) {
	w.WriteHeader(fieldID, WireVarint)
	w.WriteVarint(protowire.EncodeZigZag(v))
}

// WriteUint64Field writes a complete unsigned varint-typed field.
func (w *Writer) WriteUint64Field(fieldID uint32, v uint64) {
	w.WriteHeader(fieldID, WireVarint)
	w.WriteVarint(v)
}

// WriteBoolField writes a bool as a varint 0/1.
func (w *Writer) WriteBoolField(fieldID uint32, v bool) {
	w.WriteHeader(fieldID, WireVarint)
	if v {
		w.WriteVarint(1)
	} else {
		w.WriteVarint(0)
	}
}

// WriteFloatField writes a float32 as a fixed32 field.
func (w *Writer) WriteFloatField(fieldID uint32, v float32) {
	w.WriteHeader(fieldID, WireFixed32)
	w.WriteFixed32(math.Float32bits(v))
}

// WriteStringField writes a length-delimited string field. The length is
// written twice as fixed32 (the same 8-byte layout as a nested message
// placeholder); Compact collapses it to a varint.
func (w *Writer) WriteStringField(fieldID uint32, s string) {
	w.WriteHeader(fieldID, WireLengthDelimited)
	w.WriteFixed32(uint32(len(s)))
	w.WriteFixed32(uint32(len(s)))
	w.buf.WriteBytes([]byte(s))
}

// WriteBytesField writes a length-delimited bytes field, with the same
// doubled fixed32 length as WriteStringField.
func (w *Writer) WriteBytesField(fieldID uint32, data []byte) {
	w.WriteHeader(fieldID, WireLengthDelimited)
	w.WriteFixed32(uint32(len(data)))
	w.WriteFixed32(uint32(len(data)))
	w.buf.WriteBytes(data)
}

// StartMessage begins a nested length-delimited message: writes the header
// then an 8-byte reserved placeholder (two little-endian uint32 words),
// and returns a Token that End must be passed to close it.
func (w *Writer) StartMessage(fieldID uint32) Token {
	tagSize := w.WriteHeader(fieldID, WireLengthDelimited)
	placeholderPos := w.buf.wp.Pos()
	w.buf.WriteFixed32Zero()
	w.buf.WriteFixed32Zero()
	w.depth++
	return Token{tagSize: tagSize, depth: w.depth, placeholderPos: placeholderPos}
}

// End closes a nested message opened by StartMessage. If the token's depth
// does not match the writer's current depth, ErrMismatchedNesting is
// returned and the writer's internal depth counter is left untouched to
// surface the caller's bug. On success the depth is decremented.
//
// If the enclosed message turned out to be empty (zero raw bytes written),
// the header and placeholder are rewound entirely — the field disappears,
// matching the source's "erase the header tag of the message when its size
// is 0" behavior.
func (w *Writer) End(tok Token) error {
	if tok.depth != w.depth {
		return fmt.Errorf("%w: token depth %d, writer depth %d", ErrMismatchedNesting, tok.depth, w.depth)
	}
	w.depth--

	rawSize := w.buf.wp.Pos() - tok.placeholderPos - 8
	if rawSize > 0 {
		// Negative-size marker convention: first word carries -rawSize,
		// second word carries -1, identifying this placeholder as a
		// compactable nested message to the first compaction pass.
		w.buf.EditFixed32At(tok.placeholderPos, uint32(int32(-rawSize)))
		w.buf.EditFixed32At(tok.placeholderPos+4, uint32(int32(-1)))
		return nil
	}
	// Empty message: rewind to before the header tag, erasing the field.
	w.buf.Truncate(Pointer{chunkSize: w.buf.chunkSize}.Move(tok.placeholderPos - tok.tagSize))
	return nil
}

// WriteFixed32Zero appends a zeroed 4-byte word. Helper for placeholder
// writes where the value will be patched in later.
func (b *Buffer) WriteFixed32Zero() {
	b.WriteBytes([]byte{0, 0, 0, 0})
}

// Compact performs the two-pass placeholder-to-varint rewrite described in
// spec §4.1 and returns the final encoded byte slice. Safe to call exactly
// once; a second call returns ErrAlreadyCompacted. The writer must not be
// mid-nesting (End must have been called for every StartMessage).
func (w *Writer) Compact() ([]byte, error) {
	if w.buf.compacted {
		return nil, ErrAlreadyCompacted
	}
	if w.depth != 0 {
		return nil, fmt.Errorf("wire: cannot compact with %d open nested message(s)", w.depth)
	}

	rawSize := w.buf.wp.Pos()
	if rawSize == 0 {
		w.buf.markCompacted(0)
		return nil, nil
	}

	// Pass 1: compute final encoded sizes for every nested placeholder,
	// patching the first placeholder word in place with the positive size.
	if _, err := w.editEncodedSize(0, rawSize); err != nil {
		return nil, err
	}

	// Pass 2: copy forward, collapsing each patched placeholder into a
	// minimal varint of the now-known size. The write cursor is rewound to
	// the start so the copy-forward always trails the read cursor, since
	// compacted output is never larger than the raw input.
	w.buf.Truncate(Pointer{chunkSize: w.buf.chunkSize})
	finalSize, err := w.compactSize(0, rawSize)
	if err != nil {
		return nil, err
	}

	w.buf.markCompacted(finalSize)
	return w.buf.ReadBytesAt(0, finalSize), nil
}

// readVarintAt reads a varint starting at pos, returning its value and the
// number of bytes consumed.
func (w *Writer) readVarintAt(pos int) (uint64, int) {
	var v uint64
	var shift uint
	n := 0
	for {
		c := w.buf.ReadByteAt(pos + n)
		n++
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return v, n
}

// editEncodedSize is pass 1 (mirrors ProtoOutputStream::editEncodedSize):
// walks [start, start+rawSize), returning the final encoded size of that
// span after placeholder collapse, recursing into nested messages and
// patching their placeholder's first word with the computed positive size.
func (w *Writer) editEncodedSize(start, rawSize int) (int, error) {
	pos := start
	end := start + rawSize
	encodedSize := 0

	for pos < end {
		tag, n := w.readVarintAt(pos)
		encodedSize += n
		pos += n

		wt := protowire.Type(tag & 0x7)
		switch wt {
		case protowire.VarintType:
			start := pos
			for {
				c := w.buf.ReadByteAt(pos)
				pos++
				if c&0x80 == 0 {
					break
				}
			}
			encodedSize += pos - start
		case protowire.Fixed64Type:
			encodedSize += 8
			pos += 8
		case protowire.Fixed32Type:
			encodedSize += 4
			pos += 4
		case protowire.BytesType:
			childRawSize := int32(w.buf.readFixed32At(pos))
			childSizePos := pos + 4
			childEncodedSize := int32(w.buf.readFixed32At(childSizePos))
			pos += 8

			var finalChildSize int
			switch {
			case childRawSize >= 0 && childRawSize == childEncodedSize:
				// A plain (non-nested) string or bytes field: the writer
				// stores its length twice as fixed32, so both words are
				// equal and the payload follows unchanged.
				finalChildSize = int(childRawSize)
				pos += finalChildSize
			case childRawSize < 0 && childEncodedSize == -1:
				size, err := w.editEncodedSize(childSizePos+4, int(-childRawSize))
				if err != nil {
					return 0, err
				}
				finalChildSize = size
				w.buf.EditFixed32At(childSizePos, uint32(int32(size)))
				pos += int(-childRawSize)
			default:
				return 0, fmt.Errorf("wire: corrupt placeholder at %d (raw=%d encoded=%d)", pos, childRawSize, childEncodedSize)
			}
			encodedSize += varintSize(uint64(finalChildSize)) + finalChildSize
		default:
			return 0, fmt.Errorf("wire: unexpected wire type %d at offset %d", wt, pos)
		}
	}
	return encodedSize, nil
}

// compactSize is pass 2 (mirrors ProtoOutputStream::compactSize): walks
// [start, start+rawSize) a second time, copying literal bytes forward and
// replacing each 8-byte placeholder with the minimal varint encoding of the
// size computed during pass 1.
func (w *Writer) compactSize(start, rawSize int) (int, error) {
	pos := start
	end := start + rawSize
	copyBegin := start
	writeStart := w.buf.wp.Pos()

	for pos < end {
		tag, n := w.readVarintAt(pos)
		pos += n

		wt := protowire.Type(tag & 0x7)
		switch wt {
		case protowire.VarintType:
			for {
				c := w.buf.ReadByteAt(pos)
				pos++
				if c&0x80 == 0 {
					break
				}
			}
		case protowire.Fixed64Type:
			pos += 8
		case protowire.Fixed32Type:
			pos += 4
		case protowire.BytesType:
			// Flush the literal run up to (not including) the placeholder.
			w.buf.WriteBytes(w.buf.ReadBytesAt(copyBegin, pos-copyBegin))

			childRawSize := int32(w.buf.readFixed32At(pos))
			childEncodedSize := int32(w.buf.readFixed32At(pos + 4))
			pos += 8
			copyBegin = pos

			w.WriteVarint(uint64(childEncodedSize))
			if childRawSize >= 0 && childRawSize == childEncodedSize {
				pos += int(childEncodedSize)
			} else if childRawSize < 0 {
				if _, err := w.compactSize(pos, int(-childRawSize)); err != nil {
					return 0, err
				}
				pos += int(-childRawSize)
				copyBegin = pos
			} else {
				return 0, fmt.Errorf("wire: corrupt placeholder during compaction at %d", pos)
			}
		default:
			return 0, fmt.Errorf("wire: unexpected wire type %d at offset %d", wt, pos)
		}
	}
	if copyBegin < end {
		w.buf.WriteBytes(w.buf.ReadBytesAt(copyBegin, end-copyBegin))
	}
	return w.buf.wp.Pos() - writeStart, nil
}

// varintSize returns the number of bytes protowire.AppendVarint would emit
// for v, without allocating.
func varintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// readFixed32At reads a little-endian uint32 at a linear position.
func (b *Buffer) readFixed32At(pos int) uint32 {
	raw := b.ReadBytesAt(pos, 4)
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
}

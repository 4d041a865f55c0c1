// Package wire — buffer.go
//
// EncodedBuffer: a chunked, append-only byte buffer with wire-format
// primitives and a two-pass compaction scheme for reserved length-delimited
// placeholders.
//
// Chunking mirrors android/util/EncodedBuffer.cpp: the buffer is a list of
// fixed-size chunks (default 8 KiB); a logical position is (chunk index,
// offset within chunk). Distinct cursors (write, read, edit) are maintained
// independently so nested-message sizes can be patched in after the fact
// without disturbing the in-progress write cursor.
package wire

import "fmt"

// ChunkSize is the default chunk size in bytes (8 KiB, matching the source).
const ChunkSize = 8 * 1024

// Buffer is a chunked append-only byte buffer.
type Buffer struct {
	chunks    [][]byte
	chunkSize int
	wp        Pointer // write cursor
	compacted bool
}

// NewBuffer creates an empty Buffer using the default chunk size.
func NewBuffer() *Buffer {
	return NewBufferSize(ChunkSize)
}

// NewBufferSize creates an empty Buffer with a custom chunk size.
// Exposed for tests that want small chunks to exercise chunk-boundary code.
func NewBufferSize(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	b := &Buffer{chunkSize: chunkSize}
	b.wp = Pointer{chunkSize: chunkSize}
	return b
}

// Pointer is a logical position within a Buffer: (chunk index, offset).
// pos() == index*chunkSize + offset is the linear byte position.
type Pointer struct {
	index     int
	offset    int
	chunkSize int
}

// Pos returns the linear byte position.
func (p Pointer) Pos() int { return p.index*p.chunkSize + p.offset }

// Index returns the chunk index.
func (p Pointer) Index() int { return p.index }

// Offset returns the offset within the current chunk.
func (p Pointer) Offset() int { return p.offset }

// Move advances the pointer by amt bytes, rolling over chunk boundaries.
func (p Pointer) Move(amt int) Pointer {
	newOffset := p.offset + amt
	p.index += newOffset / p.chunkSize
	p.offset = newOffset % p.chunkSize
	return p
}

// Rewind resets the pointer to the start of the buffer.
func (p Pointer) Rewind() Pointer {
	p.index = 0
	p.offset = 0
	return p
}

// WP returns a copy of the current write cursor.
func (b *Buffer) WP() Pointer { return b.wp }

// Size returns the total logical size of the buffer in bytes.
func (b *Buffer) Size() int { return b.wp.Pos() }

// ensureChunk grows the chunk list so that index idx exists.
func (b *Buffer) ensureChunk(idx int) {
	for len(b.chunks) <= idx {
		b.chunks = append(b.chunks, make([]byte, b.chunkSize))
	}
}

// WriteByte appends a single byte at the write cursor.
func (b *Buffer) WriteByte(c byte) {
	b.ensureChunk(b.wp.index)
	b.chunks[b.wp.index][b.wp.offset] = c
	b.wp = b.wp.Move(1)
}

// WriteBytes appends a byte slice at the write cursor, splitting across
// chunk boundaries as needed.
func (b *Buffer) WriteBytes(data []byte) {
	for len(data) > 0 {
		b.ensureChunk(b.wp.index)
		room := b.chunkSize - b.wp.offset
		n := len(data)
		if n > room {
			n = room
		}
		copy(b.chunks[b.wp.index][b.wp.offset:], data[:n])
		b.wp = b.wp.Move(n)
		data = data[n:]
	}
}

// ReadByteAt returns the byte at the given linear position.
func (b *Buffer) ReadByteAt(pos int) byte {
	idx := pos / b.chunkSize
	off := pos % b.chunkSize
	return b.chunks[idx][off]
}

// ReadBytesAt returns a copy of n bytes starting at the given linear
// position, handling chunk-boundary crossings.
func (b *Buffer) ReadBytesAt(pos, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		idx := (pos + i) / b.chunkSize
		off := (pos + i) % b.chunkSize
		room := b.chunkSize - off
		m := n - i
		if m > room {
			m = room
		}
		copy(out[i:i+m], b.chunks[idx][off:off+m])
		i += m
	}
	return out
}

// EditFixed32At overwrites 4 little-endian bytes at the given linear
// position. Used by the compaction pass to patch in computed sizes.
func (b *Buffer) EditFixed32At(pos int, v uint32) {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	b.writeBytesAt(pos, buf[:])
}

func (b *Buffer) writeBytesAt(pos int, data []byte) {
	for i, c := range data {
		idx := (pos + i) / b.chunkSize
		off := (pos + i) % b.chunkSize
		b.chunks[idx][off] = c
	}
}

// Truncate discards everything at and after the given write pointer.
// Used by Writer.End when a nested message turns out to be empty (mirrors
// the source's "rewind and erase the header" behavior).
func (b *Buffer) Truncate(p Pointer) {
	b.wp = p
}

// Bytes returns the final, minimal-size protobuf encoding once
// Writer.Compact has run, and an error before that. Safe to call more than
// once; every call after compaction returns the same compacted bytes.
func (b *Buffer) Bytes() ([]byte, error) {
	if !b.compacted {
		return nil, fmt.Errorf("wire: Bytes() called before Compact()")
	}
	return b.ReadBytesAt(0, b.wp.Pos()), nil
}

// markCompacted is called by Writer.Compact once the in-place compaction
// pass has finished shrinking the buffer.
func (b *Buffer) markCompacted(finalSize int) {
	b.compacted = true
	b.wp = Pointer{chunkSize: b.chunkSize}.Move(finalSize)
}

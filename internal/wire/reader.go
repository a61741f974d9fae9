// Package wire implements the byte cursors every packet codec is built on.
// Multi-byte fields are big-endian on the wire except for a handful of legacy
// address fields, so both byte orders are explicit arguments rather than a
// hidden default.
package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// ByteOrder selects the byte order of a multi-byte field.
type ByteOrder = binary.ByteOrder

var (
	// BigEndian is the default order of the legacy protocol.
	BigEndian ByteOrder = binary.BigEndian
	// LittleEndian is used by a small set of address fields.
	LittleEndian ByteOrder = binary.LittleEndian
)

// Reader is a forward-only cursor over a caller-owned byte slice.
// A failed read reports ok=false and leaves the position untouched.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf without copying it.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Position returns the number of bytes consumed so far.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Peek returns the unread bytes without consuming them.
func (r *Reader) Peek() []byte {
	return r.buf[r.pos:]
}

func (r *Reader) take(n int) ([]byte, bool) {
	if n < 0 || r.Remaining() < n {
		return nil, false
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) bool {
	_, ok := r.take(n)
	return ok
}

// ReadBytes returns the next n bytes. The result aliases the wrapped buffer.
func (r *Reader) ReadBytes(n int) ([]byte, bool) {
	return r.take(n)
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, bool) {
	b, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// ReadInt8 reads a signed byte.
func (r *Reader) ReadInt8() (int8, bool) {
	v, ok := r.ReadUint8()
	return int8(v), ok
}

// ReadBool reads a byte and reports whether it is non-zero.
func (r *Reader) ReadBool() (bool, bool) {
	v, ok := r.ReadUint8()
	return v != 0, ok
}

// ReadUint16 reads a 2-byte integer in the given order.
func (r *Reader) ReadUint16(order ByteOrder) (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return order.Uint16(b), true
}

// ReadUint32 reads a 4-byte integer in the given order.
func (r *Reader) ReadUint32(order ByteOrder) (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return order.Uint32(b), true
}

// ReadUint64 reads an 8-byte integer in the given order.
func (r *Reader) ReadUint64(order ByteOrder) (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return order.Uint64(b), true
}

// ReadInt16 reads a signed 2-byte integer in the given order.
func (r *Reader) ReadInt16(order ByteOrder) (int16, bool) {
	v, ok := r.ReadUint16(order)
	return int16(v), ok
}

// ReadInt32 reads a signed 4-byte integer in the given order.
func (r *Reader) ReadInt32(order ByteOrder) (int32, bool) {
	v, ok := r.ReadUint32(order)
	return int32(v), ok
}

// ReadUint16BE is shorthand for ReadUint16(BigEndian).
func (r *Reader) ReadUint16BE() (uint16, bool) { return r.ReadUint16(BigEndian) }

// ReadUint32BE is shorthand for ReadUint32(BigEndian).
func (r *Reader) ReadUint32BE() (uint32, bool) { return r.ReadUint32(BigEndian) }

// ReadUint32LE is shorthand for ReadUint32(LittleEndian).
func (r *Reader) ReadUint32LE() (uint32, bool) { return r.ReadUint32(LittleEndian) }

// ReadFixedASCII reads an n-byte ASCII field. The value ends at the first NUL
// and trailing spaces are trimmed.
func (r *Reader) ReadFixedASCII(n int) (string, bool) {
	b, ok := r.take(n)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " "), true
}

// ReadNullASCII reads ASCII bytes up to and including a NUL terminator.
// A missing terminator is a failed read.
func (r *Reader) ReadNullASCII() (string, bool) {
	rest := r.Peek()
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", false
	}
	r.pos += i + 1
	return string(rest[:i]), true
}

// ReadUnicode reads a string encoded as a big-endian character count followed
// by that many big-endian UTF-16 code units.
func (r *Reader) ReadUnicode() (string, bool) {
	start := r.pos
	count, ok := r.ReadUint16(BigEndian)
	if !ok {
		return "", false
	}
	b, ok := r.take(int(count) * 2)
	if !ok {
		r.pos = start
		return "", false
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = BigEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), true
}

package wire

import (
	"unicode/utf16"
)

// Writer builds an outbound frame. It supports seeking back to a remembered
// offset so a length field can be patched once the body is known.
type Writer struct {
	buf   []byte
	pos   int
	start int
}

// NewWriter creates a Writer with room for capacity bytes.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Position returns the current write offset.
func (w *Writer) Position() int {
	return w.pos
}

// Len returns the number of bytes written so far, independent of the cursor.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Seek moves the write cursor. Offsets past the end are clamped.
func (w *Writer) Seek(offset int) {
	switch {
	case offset < 0:
		w.pos = 0
	case offset > len(w.buf):
		w.pos = len(w.buf)
	default:
		w.pos = offset
	}
}

// MarkFrameStart records the current offset as the start of a frame for
// WritePacketLength.
func (w *Writer) MarkFrameStart() {
	w.start = w.pos
}

func (w *Writer) grow(n int) []byte {
	end := w.pos + n
	if end > len(w.buf) {
		if end > cap(w.buf) {
			nb := make([]byte, len(w.buf), 2*cap(w.buf)+n)
			copy(nb, w.buf)
			w.buf = nb
		}
		w.buf = w.buf[:end]
	}
	b := w.buf[w.pos:end]
	w.pos = end
	return b
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(p []byte) {
	copy(w.grow(len(p)), p)
}

// Fill writes n zero bytes.
func (w *Writer) Fill(n int) {
	clear(w.grow(n))
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.grow(1)[0] = v
}

// WriteInt8 writes a signed byte.
func (w *Writer) WriteInt8(v int8) {
	w.WriteUint8(uint8(v))
}

// WriteBool writes 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteUint16 writes a 2-byte integer in the given order.
func (w *Writer) WriteUint16(order ByteOrder, v uint16) {
	order.PutUint16(w.grow(2), v)
}

// WriteUint32 writes a 4-byte integer in the given order.
func (w *Writer) WriteUint32(order ByteOrder, v uint32) {
	order.PutUint32(w.grow(4), v)
}

// WriteUint64 writes an 8-byte integer in the given order.
func (w *Writer) WriteUint64(order ByteOrder, v uint64) {
	order.PutUint64(w.grow(8), v)
}

// WriteInt16 writes a signed 2-byte integer in the given order.
func (w *Writer) WriteInt16(order ByteOrder, v int16) {
	w.WriteUint16(order, uint16(v))
}

// WriteInt32 writes a signed 4-byte integer in the given order.
func (w *Writer) WriteInt32(order ByteOrder, v int32) {
	w.WriteUint32(order, uint32(v))
}

// WriteFixedASCII writes s into an n-byte field, truncating or zero padding.
func (w *Writer) WriteFixedASCII(s string, n int) {
	b := w.grow(n)
	k := copy(b, s)
	clear(b[k:])
}

// WriteNullASCII writes s followed by a NUL terminator.
func (w *Writer) WriteNullASCII(s string) {
	w.WriteBytes([]byte(s))
	w.WriteUint8(0)
}

// WriteUnicode writes a big-endian UTF-16 code unit count followed by the
// big-endian code units of s. Strings longer than 65535 units are truncated.
func (w *Writer) WriteUnicode(s string) {
	w.WriteUnicodeLimit(s, 0xFFFF)
}

// WriteUnicodeLimit is WriteUnicode keeping at most maxUnits code units. A
// surrogate pair split by the cut is dropped whole.
func (w *Writer) WriteUnicodeLimit(s string, maxUnits int) {
	maxUnits = min(max(maxUnits, 0), 0xFFFF)
	units := utf16.Encode([]rune(s))
	if len(units) > maxUnits {
		units = units[:maxUnits]
		if n := len(units); n > 0 && utf16.IsSurrogate(rune(units[n-1])) && units[n-1] < 0xDC00 {
			units = units[:n-1]
		}
	}
	w.WriteUint16(BigEndian, uint16(len(units)))
	b := w.grow(len(units) * 2)
	for i, u := range units {
		BigEndian.PutUint16(b[i*2:], u)
	}
}

// WritePacketLength backpatches the 2-byte length field that follows the
// opcode of the frame started at MarkFrameStart. The value covers the whole
// frame: opcode, length field and body. A frame longer than 0xFFFF bytes
// cannot be described; the field is left untouched and false is returned.
// The cursor is left at the end either way.
func (w *Writer) WritePacketLength() bool {
	length := len(w.buf) - w.start
	if length > 0xFFFF {
		return false
	}
	end := len(w.buf)
	w.Seek(w.start + 1)
	w.WriteUint16(BigEndian, uint16(length))
	w.Seek(end)
	return true
}

// Bytes returns an immutable copy of everything written.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

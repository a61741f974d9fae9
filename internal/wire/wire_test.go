package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderIntegersBothOrders(t *testing.T) {
	buf := []byte{
		0x7F,
		0x12, 0x34,
		0x34, 0x12,
		0xDE, 0xAD, 0xBE, 0xEF,
		0xEF, 0xBE, 0xAD, 0xDE,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	r := NewReader(buf)

	u8, ok := r.ReadUint8()
	require.True(t, ok)
	assert.Equal(t, uint8(0x7F), u8)

	be16, ok := r.ReadUint16(BigEndian)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), be16)

	le16, ok := r.ReadUint16(LittleEndian)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), le16)

	be32, ok := r.ReadUint32BE()
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), be32)

	le32, ok := r.ReadUint32LE()
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), le32)

	u64, ok := r.ReadUint64(BigEndian)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	assert.Equal(t, 0, r.Remaining())
	assert.Equal(t, len(buf), r.Position())
}

func TestReaderPastEndIsRecoverable(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03})

	_, ok := r.ReadUint32BE()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Position(), "failed read must not advance")

	v, ok := r.ReadUint16BE()
	require.True(t, ok)
	assert.Equal(t, uint16(0x0102), v)

	_, ok = r.ReadUint16BE()
	assert.False(t, ok)
	assert.Equal(t, 1, r.Remaining())

	_, ok = r.ReadFixedASCII(2)
	assert.False(t, ok)
	assert.False(t, r.Skip(5))
	assert.True(t, r.Skip(1))

	_, ok = r.ReadUint8()
	assert.False(t, ok)
}

func TestFixedASCIIPadsAndTrims(t *testing.T) {
	w := NewWriter(0)
	w.WriteFixedASCII("admin", 10)
	w.WriteFixedASCII("truncated-value", 4)
	w.WriteBytes([]byte("ab  \x00zz"))
	out := w.Bytes()
	require.Len(t, out, 10+4+7)
	assert.Equal(t, []byte{'a', 'd', 'm', 'i', 'n', 0, 0, 0, 0, 0}, out[:10])

	r := NewReader(out)
	s, ok := r.ReadFixedASCII(10)
	require.True(t, ok)
	assert.Equal(t, "admin", s)

	s, ok = r.ReadFixedASCII(4)
	require.True(t, ok)
	assert.Equal(t, "trun", s)

	s, ok = r.ReadFixedASCII(7)
	require.True(t, ok)
	assert.Equal(t, "ab", s)
}

func TestUnicodeRoundTrip(t *testing.T) {
	for _, text := range []string{"", "hello", "Brítannia ☀", "𝄞 clef"} {
		w := NewWriter(16)
		w.WriteUnicode(text)
		r := NewReader(w.Bytes())
		got, ok := r.ReadUnicode()
		require.True(t, ok, text)
		assert.Equal(t, text, got)
		assert.Equal(t, 0, r.Remaining())
	}
}

func TestUnicodeTruncatedDoesNotAdvance(t *testing.T) {
	w := NewWriter(16)
	w.WriteUnicode("abcd")
	b := w.Bytes()

	r := NewReader(b[:len(b)-1])
	_, ok := r.ReadUnicode()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Position())
}

func TestNullASCII(t *testing.T) {
	w := NewWriter(8)
	w.WriteNullASCII("7.0.9.0")
	r := NewReader(w.Bytes())
	s, ok := r.ReadNullASCII()
	require.True(t, ok)
	assert.Equal(t, "7.0.9.0", s)

	_, ok = NewReader([]byte("no-terminator")).ReadNullASCII()
	assert.False(t, ok)
}

func TestWritePacketLengthBackpatch(t *testing.T) {
	w := NewWriter(8)
	w.MarkFrameStart()
	w.WriteUint8(0xA8)
	w.WriteUint16(BigEndian, 0) // placeholder
	w.WriteUint32(LittleEndian, 0x0100007F)
	w.WriteFixedASCII("shard", 8)
	w.WritePacketLength()
	w.WriteUint8(0xFF)

	out := w.Bytes()
	require.Len(t, out, 1+2+4+8+1)
	assert.Equal(t, byte(0xA8), out[0])
	assert.Equal(t, []byte{0x00, 15}, out[1:3])
	assert.Equal(t, []byte{0x7F, 0x00, 0x00, 0x01}, out[3:7])
	assert.Equal(t, byte(0xFF), out[15])
}

func TestWritePacketLengthOverflow(t *testing.T) {
	w := NewWriter(0)
	w.MarkFrameStart()
	w.WriteUint8(0xAD)
	w.WriteUint16(BigEndian, 0)
	w.Fill(0xFFFF)
	assert.False(t, w.WritePacketLength())

	out := w.Bytes()
	assert.Equal(t, []byte{0, 0}, out[1:3], "field is left as written")
	assert.Equal(t, len(out), w.Position())
}

func TestWriteUnicodeLimit(t *testing.T) {
	w := NewWriter(0)
	w.WriteUnicodeLimit("ab😀", 3)
	r := NewReader(w.Bytes())
	s, ok := r.ReadUnicode()
	require.True(t, ok)
	assert.Equal(t, "ab", s, "a split surrogate pair is dropped")
	assert.Zero(t, r.Remaining())
}

func TestWriterSeekRewrite(t *testing.T) {
	w := NewWriter(0)
	w.WriteUint32(BigEndian, 0)
	w.WriteUint8(9)
	w.Seek(0)
	w.WriteUint16(BigEndian, 0xBEEF)
	assert.Equal(t, 2, w.Position())
	assert.Equal(t, 5, w.Len())
	w.Seek(100)
	assert.Equal(t, 5, w.Position())
	assert.Equal(t, []byte{0xBE, 0xEF, 0, 0, 9}, w.Bytes())
}

func TestBytesIsImmutableCopy(t *testing.T) {
	w := NewWriter(4)
	w.WriteUint8(1)
	out := w.Bytes()
	w.Seek(0)
	w.WriteUint8(2)
	assert.Equal(t, byte(1), out[0])
}

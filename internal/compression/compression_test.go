package compression

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalTableIsPrefixFree(t *testing.T) {
	seen := make(map[code]int)
	for s, c := range tbl.codes {
		require.NotZero(t, c.len, "symbol %d has no code", s)
		require.LessOrEqual(t, int(c.len), MaxCodeBits())
		if prev, ok := seen[c]; ok {
			t.Fatalf("symbols %d and %d share a code", prev, s)
		}
		seen[c] = s
	}
	for a, ca := range tbl.codes {
		for b, cb := range tbl.codes {
			if a == b || ca.len > cb.len {
				continue
			}
			prefix := cb.bits >> (cb.len - ca.len)
			assert.False(t, prefix == ca.bits, "code of %d prefixes code of %d", a, b)
		}
	}
}

func TestFrequentSymbolsGetShortCodes(t *testing.T) {
	assert.Less(t, tbl.codes[0x00].len, tbl.codes[0x80].len)
	assert.Less(t, tbl.codes['a'].len, tbl.codes[0x80].len)
	assert.LessOrEqual(t, tbl.codes['a'].len, tbl.codes['A'].len)
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	inputs := [][]byte{
		{},
		{0x00},
		[]byte("admin"),
		bytes.Repeat([]byte{0xFF}, 300),
	}
	for n := 1; n <= 512; n += 37 {
		b := make([]byte, n)
		rng.Read(b)
		inputs = append(inputs, b)
	}

	for _, in := range inputs {
		packed := Compress(nil, in)
		assert.LessOrEqual(t, len(packed), MaxCompressedSize(len(in)))

		out, consumed, halt, err := Decompress(packed)
		require.NoError(t, err)
		require.False(t, halt)
		assert.Equal(t, len(packed), consumed)
		assert.Equal(t, in, out)
	}
}

func TestRoundTrip237Bytes(t *testing.T) {
	in := make([]byte, 237)
	for i := range in {
		in[i] = byte(i * 7)
	}
	packed := Compress(nil, in)
	out, consumed, halt, err := Decompress(packed)
	require.NoError(t, err)
	require.False(t, halt)
	assert.Equal(t, len(packed), consumed)
	require.Len(t, out, 237)
	assert.Equal(t, in, out)
}

func TestCompressAppendsToDst(t *testing.T) {
	prefix := []byte{1, 2, 3}
	packed := Compress(prefix, []byte("hello"))
	assert.Equal(t, prefix, packed[:3])

	out, _, _, err := Decompress(packed[3:])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestDecompressConcatenatedUnits(t *testing.T) {
	stream := Compress(nil, []byte("first"))
	firstLen := len(stream)
	stream = Compress(stream, []byte("second"))

	out, consumed, _, err := Decompress(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), out)
	assert.Equal(t, firstLen, consumed)

	out, consumed, _, err = Decompress(stream[firstLen:])
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), out)
	assert.Equal(t, len(stream)-firstLen, consumed)
}

func TestDecompressTruncatedHalts(t *testing.T) {
	packed := Compress(nil, []byte("account name"))
	for n := 0; n < len(packed); n++ {
		out, consumed, halt, err := Decompress(packed[:n])
		require.NoError(t, err)
		assert.True(t, halt, "prefix of %d bytes", n)
		assert.Zero(t, consumed)
		assert.Nil(t, out)
	}
}

func TestDecompressRejectsDirtyPadding(t *testing.T) {
	var packed []byte
	for n := 1; n < 64; n++ {
		packed = Compress(nil, bytes.Repeat([]byte{'a'}, n))
		if (n*int(tbl.codes['a'].len)+int(tbl.codes[terminal].len))%8 != 0 {
			break
		}
	}
	packed[len(packed)-1] |= 0x01
	_, _, _, err := Decompress(packed)
	assert.ErrorIs(t, err, ErrCorruptStream)
}

func TestDecompressRejectsOversizedUnit(t *testing.T) {
	// 0x00 never closes a unit, so a long run of its code overflows the limit.
	zero := tbl.codes[0x00]
	var acc uint64
	var nbits uint
	var stream []byte
	for i := 0; i <= MaxUnitSize; i++ {
		acc = acc<<zero.len | uint64(zero.bits)
		nbits += uint(zero.len)
		for nbits >= 8 {
			nbits -= 8
			stream = append(stream, byte(acc>>nbits))
		}
	}
	_, _, _, err := Decompress(stream)
	assert.ErrorIs(t, err, ErrCorruptStream)
}

func fiveByteUnit(t *testing.T) ([]byte, []byte) {
	t.Helper()
	for n := 1; n < 16; n++ {
		plain := bytes.Repeat([]byte{'a'}, n)
		if packed := Compress(nil, plain); len(packed) == 5 {
			return plain, packed
		}
	}
	t.Fatal("no run of 'a' compresses to exactly five bytes")
	return nil, nil
}

func TestStagePartialUnit(t *testing.T) {
	plain, unit := fiveByteUnit(t)
	s := NewStage()

	halt, consumed, out, err := s.OnReceive(unit[:1])
	require.NoError(t, err)
	assert.True(t, halt)
	assert.Zero(t, consumed)
	assert.Nil(t, out)

	halt, consumed, out, err = s.OnReceive(unit)
	require.NoError(t, err)
	assert.False(t, halt)
	assert.Equal(t, 5, consumed)
	assert.Equal(t, plain, out)
}

func TestStageSplitsOversizedFrames(t *testing.T) {
	frame := bytes.Repeat([]byte("z"), MaxUnitSize+10)
	packed, err := NewStage().OnSend(frame)
	require.NoError(t, err)

	var got []byte
	for len(packed) > 0 {
		out, consumed, halt, err := Decompress(packed)
		require.NoError(t, err)
		require.False(t, halt)
		got = append(got, out...)
		packed = packed[consumed:]
	}
	assert.Equal(t, frame, got)
}

package protocol

// Unknown marks an opcode whose frame size is not known; such a frame cannot
// be bounded in the stream.
const Unknown = -1

// LengthTable maps every opcode to its frame size: Unknown, Variable or a
// fixed byte count.
type LengthTable [256]int

// Lookup returns the frame size registered for op.
func (t *LengthTable) Lookup(op byte) int {
	return t[op]
}

// Set records the frame size of op.
func (t *LengthTable) Set(op byte, length int) {
	t[op] = length
}

// defaultLengths lists the frame sizes of the legacy client for the opcodes
// the engine may see before anything is bound to them.
var defaultLengths = map[byte]int{
	0x00: 104,
	0x01: 5,
	0x02: 7,
	0x03: Variable,
	0x05: 5,
	0x06: 5,
	0x07: 7,
	0x08: 15,
	0x09: 5,
	0x12: Variable,
	0x13: 10,
	0x22: 3,
	0x2C: 2,
	0x34: 10,
	0x3A: Variable,
	0x3B: Variable,
	0x56: 11,
	0x5D: 73,
	0x66: Variable,
	0x6C: 19,
	0x6F: Variable,
	0x71: Variable,
	0x72: 5,
	0x73: 2,
	0x75: 35,
	0x7D: 13,
	0x80: 62,
	0x82: 2,
	0x83: 39,
	0x8C: 11,
	0x91: 65,
	0x95: 9,
	0x98: Variable,
	0x9A: Variable,
	0x9B: 258,
	0xA0: 3,
	0xA4: 149,
	0xA7: 4,
	0xA8: Variable,
	0xA9: Variable,
	0xAD: Variable,
	0xB1: Variable,
	0xB5: 64,
	0xB6: 9,
	0xB8: Variable,
	0xBD: Variable,
	0xBF: Variable,
	0xC8: 2,
	0xCF: 78,
	0xD7: Variable,
	0xEF: 21,
	0xF8: 106,
}

// DefaultLengths returns the built-in frame size table.
func DefaultLengths() LengthTable {
	var t LengthTable
	for i := range t {
		t[i] = Unknown
	}
	for op, n := range defaultLengths {
		t[op] = n
	}
	return t
}

// Package protocol implements the packet codec contract and the login-flow
// packet catalog of the legacy client protocol. Frames are either fixed
// length, with the size implied by the opcode, or variable length with a
// 2-byte big-endian length after the opcode that covers the whole frame.
package protocol

// Packet is implemented by every packet type. Packets are pure codecs: they
// perform no I/O, locking or game logic while decoding or encoding.
type Packet interface {
	// Opcode returns the one-byte tag of the packet's wire shape.
	Opcode() byte

	// Length returns the fixed frame size, or Variable.
	Length() int

	// Decode populates the packet from a complete frame. It returns false on
	// empty input, a mismatched opcode, a bad length field or any field that
	// fails validation, and leaves the packet unchanged in that case.
	Decode(frame []byte) bool

	// Encode serializes the packet into a new frame that begins with Opcode.
	Encode() []byte
}

const (
	// Variable marks a packet whose frame carries its own length field.
	Variable = 0

	// MinVariableLength is the smallest legal variable frame (opcode + length).
	MinVariableLength = 3

	// MaxFrameSize is the largest frame the 2-byte length field can describe.
	MaxFrameSize = 0xFFFF
)

// Opcodes of the login flow.
const (
	OpPlayCharacter       byte = 0x5D
	OpPing                byte = 0x73
	OpAccountLogin        byte = 0x80
	OpAccountLoginReject  byte = 0x82
	OpServerRedirect      byte = 0x8C
	OpGameLogin           byte = 0x91
	OpSelectServer        byte = 0xA0
	OpServerList          byte = 0xA8
	OpCharacterList       byte = 0xA9
	OpUnicodeSpeech       byte = 0xAD
	OpClientVersionReport byte = 0xBD
	OpLoginSeed           byte = 0xEF
)

// Login rejection reasons carried by AccountLoginRejected.
const (
	RejectInvalid       byte = 0x00
	RejectInUse         byte = 0x01
	RejectBlocked       byte = 0x02
	RejectBadPassword   byte = 0x03
	RejectIdle          byte = 0xFE
	RejectCommunication byte = 0xFF
)

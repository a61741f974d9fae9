package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownOpcode means the frame size of the leading opcode is not known.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrInvalidLength means a variable frame carries an impossible length.
	ErrInvalidLength = errors.New("invalid frame length")
)

// FrameError is a framing fault. The stream cannot be resynchronised past
// it, so Discard covers every byte that was buffered.
type FrameError struct {
	Opcode  byte
	Length  int
	Discard int
	Err     error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame 0x%02X (length %d): %v", e.Opcode, e.Length, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// NextFrame extracts the first complete frame from buf. It returns
// (nil, 0, nil) when more bytes are needed, (frame, len(frame), nil) for a
// complete frame, and a *FrameError for a frame that cannot be bounded.
// The returned frame aliases buf.
func NextFrame(buf []byte, lengths *LengthTable, maxFrame int) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}

	op := buf[0]
	size := lengths.Lookup(op)

	switch {
	case size == Unknown:
		return nil, 0, &FrameError{Opcode: op, Length: Unknown, Discard: len(buf), Err: ErrUnknownOpcode}

	case size == Variable:
		if len(buf) < MinVariableLength {
			return nil, 0, nil
		}
		size = int(binary.BigEndian.Uint16(buf[1:3]))
		if size < MinVariableLength || size > maxFrame {
			return nil, 0, &FrameError{Opcode: op, Length: size, Discard: len(buf), Err: ErrInvalidLength}
		}
	}

	if len(buf) < size {
		return nil, 0, nil
	}
	return buf[:size], size, nil
}

// checkFrame validates the envelope shared by every Decode: non-empty, the
// expected opcode, and for variable frames a length field that equals the
// frame size.
func checkFrame(frame []byte, op byte, length int) bool {
	if len(frame) == 0 || frame[0] != op {
		return false
	}
	if length != Variable {
		return len(frame) == length
	}
	if len(frame) < MinVariableLength {
		return false
	}
	return int(binary.BigEndian.Uint16(frame[1:3])) == len(frame)
}

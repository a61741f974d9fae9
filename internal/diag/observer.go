// Package diag exposes read-only observation points of the protocol engine:
// packets crossing the codec, sizes across the transform pipeline, and
// faults charged to sessions.
package diag

import (
	"github.com/rs/zerolog"
)

// Direction is the travel direction of a packet relative to the server.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// FaultKind classifies protocol faults.
type FaultKind string

const (
	// FaultFraming covers unknown opcodes and impossible length fields.
	FaultFraming FaultKind = "framing"
	// FaultDecode is a frame the packet codec rejected.
	FaultDecode FaultKind = "decode"
	// FaultTransform is a compression or cipher failure; always terminal.
	FaultTransform FaultKind = "transform"
	// FaultState is a feature change deferred by a buffering pipeline.
	FaultState FaultKind = "state"
)

// PacketEvent is emitted for every frame that crosses the codec.
type PacketEvent struct {
	SessionID uint64
	Opcode    byte
	Direction Direction
	Size      int
}

// TransformEvent records sizes before and after the pipeline.
type TransformEvent struct {
	SessionID uint64
	Direction Direction
	Before    int
	After     int
}

// FaultEvent is a fault charged to a session.
type FaultEvent struct {
	SessionID uint64
	Kind      FaultKind
	Opcode    int
	Err       error
}

// Observer receives diagnostics. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	OnPacket(PacketEvent)
	OnTransform(TransformEvent)
	OnFault(FaultEvent)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) OnPacket(PacketEvent)       {}
func (Nop) OnTransform(TransformEvent) {}
func (Nop) OnFault(FaultEvent)         {}

// Multi fans observations out to several observers.
type Multi []Observer

func (m Multi) OnPacket(e PacketEvent) {
	for _, o := range m {
		o.OnPacket(e)
	}
}

func (m Multi) OnTransform(e TransformEvent) {
	for _, o := range m {
		o.OnTransform(e)
	}
}

func (m Multi) OnFault(e FaultEvent) {
	for _, o := range m {
		o.OnFault(e)
	}
}

// LogObserver writes packets and transforms at trace level and faults at
// warn level.
type LogObserver struct {
	Logger zerolog.Logger
}

func (l LogObserver) OnPacket(e PacketEvent) {
	l.Logger.Trace().
		Uint64("session", e.SessionID).
		Str("dir", e.Direction.String()).
		Hex("opcode", []byte{e.Opcode}).
		Int("size", e.Size).
		Msg("packet")
}

func (l LogObserver) OnTransform(e TransformEvent) {
	l.Logger.Trace().
		Uint64("session", e.SessionID).
		Str("dir", e.Direction.String()).
		Int("before", e.Before).
		Int("after", e.After).
		Msg("transform")
}

func (l LogObserver) OnFault(e FaultEvent) {
	l.Logger.Warn().
		Uint64("session", e.SessionID).
		Str("kind", string(e.Kind)).
		Int("opcode", e.Opcode).
		Err(e.Err).
		Msg("protocol fault")
}

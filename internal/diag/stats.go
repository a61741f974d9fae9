package diag

import (
	"fmt"
	"sync/atomic"
	"time"
)

type opcodeCounters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Stats is an Observer that keeps process-wide counters. Every counter is
// atomic: concurrent connections never skip an update.
type Stats struct {
	started time.Time

	in  [256]opcodeCounters
	out [256]opcodeCounters

	wireIn    atomic.Uint64
	plainIn   atomic.Uint64
	wireOut   atomic.Uint64
	plainOut  atomic.Uint64
	faults    [4]atomic.Uint64
	sessions  atomic.Int64
	accepted  atomic.Uint64
	handshake atomic.Uint64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

func faultIndex(k FaultKind) int {
	switch k {
	case FaultFraming:
		return 0
	case FaultDecode:
		return 1
	case FaultTransform:
		return 2
	default:
		return 3
	}
}

func (s *Stats) OnPacket(e PacketEvent) {
	c := &s.in[e.Opcode]
	if e.Direction == Outbound {
		c = &s.out[e.Opcode]
	}
	c.packets.Add(1)
	c.bytes.Add(uint64(e.Size))
}

func (s *Stats) OnTransform(e TransformEvent) {
	if e.Direction == Outbound {
		s.plainOut.Add(uint64(e.Before))
		s.wireOut.Add(uint64(e.After))
		return
	}
	s.wireIn.Add(uint64(e.Before))
	s.plainIn.Add(uint64(e.After))
}

func (s *Stats) OnFault(e FaultEvent) {
	s.faults[faultIndex(e.Kind)].Add(1)
}

// SessionOpened and SessionClosed track the live session gauge.
func (s *Stats) SessionOpened() {
	s.sessions.Add(1)
	s.accepted.Add(1)
}

func (s *Stats) SessionClosed() {
	s.sessions.Add(-1)
}

// HandshakeFailed counts connections dropped before a valid seed arrived.
func (s *Stats) HandshakeFailed() {
	s.handshake.Add(1)
}

// OpcodeStats is one row of the per-opcode counters.
type OpcodeStats struct {
	Opcode  string `json:"opcode"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime           string            `json:"uptime"`
	LiveSessions     int64             `json:"live_sessions"`
	AcceptedSessions uint64            `json:"accepted_sessions"`
	HandshakeFailed  uint64            `json:"handshake_failed"`
	WireBytesIn      uint64            `json:"wire_bytes_in"`
	PlainBytesIn     uint64            `json:"plain_bytes_in"`
	WireBytesOut     uint64            `json:"wire_bytes_out"`
	PlainBytesOut    uint64            `json:"plain_bytes_out"`
	Faults           map[string]uint64 `json:"faults"`
	Inbound          []OpcodeStats     `json:"inbound"`
	Outbound         []OpcodeStats     `json:"outbound"`
}

// Snapshot copies the counters. Opcodes never seen are omitted.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:           time.Since(s.started).Truncate(time.Second).String(),
		LiveSessions:     s.sessions.Load(),
		AcceptedSessions: s.accepted.Load(),
		HandshakeFailed:  s.handshake.Load(),
		WireBytesIn:      s.wireIn.Load(),
		PlainBytesIn:     s.plainIn.Load(),
		WireBytesOut:     s.wireOut.Load(),
		PlainBytesOut:    s.plainOut.Load(),
		Faults: map[string]uint64{
			string(FaultFraming):   s.faults[0].Load(),
			string(FaultDecode):    s.faults[1].Load(),
			string(FaultTransform): s.faults[2].Load(),
			string(FaultState):     s.faults[3].Load(),
		},
	}
	for op := 0; op < 256; op++ {
		if n := s.in[op].packets.Load(); n > 0 {
			snap.Inbound = append(snap.Inbound, OpcodeStats{fmt.Sprintf("0x%02X", op), n, s.in[op].bytes.Load()})
		}
		if n := s.out[op].packets.Load(); n > 0 {
			snap.Outbound = append(snap.Outbound, OpcodeStats{fmt.Sprintf("0x%02X", op), n, s.out[op].bytes.Load()})
		}
	}
	return snap
}

// TotalFaults sums every fault kind.
func (snap Snapshot) TotalFaults() uint64 {
	var n uint64
	for _, v := range snap.Faults {
		n += v
	}
	return n
}

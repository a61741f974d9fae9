// Package dispatch binds opcodes to packet types and handlers and delivers
// decoded packets to those handlers through an ordering-preserving queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
)

var (
	// ErrOpcodeTaken rejects binding a second packet type to an opcode.
	ErrOpcodeTaken = errors.New("opcode already bound to another packet type")
	// ErrNotBound rejects a handler for a packet type that was never bound.
	ErrNotBound = errors.New("packet type not bound")
)

// Priority selects the task queue lane a handler runs in.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	lanes = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// HandlerFunc receives a decoded packet for a live session. Packets are
// shared between the handlers of one opcode and must be treated as read-only.
type HandlerFunc func(ctx context.Context, s *session.Session, p protocol.Packet)

type handler struct {
	priority Priority
	fn       HandlerFunc
}

type entry struct {
	kind     any
	factory  func() protocol.Packet
	length   int
	handlers []handler
}

// Registry maps each of the 256 opcodes to at most one packet type and its
// handlers. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries [256]*entry
	lengths protocol.LengthTable
}

// NewRegistry creates a Registry whose length table starts from the legacy
// client defaults.
func NewRegistry() *Registry {
	return &Registry{lengths: protocol.DefaultLengths()}
}

type bindOptions struct {
	replace bool
}

// BindOption adjusts Bind.
type BindOption func(*bindOptions)

// Replace lets Bind take over an opcode bound to another packet type. The
// previous type's handlers are dropped.
func Replace() BindOption {
	return func(o *bindOptions) { o.replace = true }
}

// kindOf identifies a packet type by a typed nil pointer. Two interface
// values holding nil pointers compare equal only when the types match.
func kindOf[P any]() any {
	return any((*P)(nil))
}

// Bind registers packet type P under its opcode. Binding the same type twice
// is a no-op; binding a different type to a taken opcode fails unless
// Replace is given.
func Bind[P any, PT interface {
	*P
	protocol.Packet
}](r *Registry, opts ...BindOption) error {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}

	proto := PT(new(P))
	op := proto.Opcode()
	kind := kindOf[P]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.entries[op]; e != nil {
		if e.kind == kind {
			return nil
		}
		if !o.replace {
			return fmt.Errorf("%w: 0x%02X", ErrOpcodeTaken, op)
		}
	}

	r.entries[op] = &entry{
		kind:    kind,
		factory: func() protocol.Packet { return PT(new(P)) },
		length:  proto.Length(),
	}
	r.lengths.Set(op, proto.Length())
	return nil
}

// Handle appends a handler for packet type P. Handlers of one opcode run in
// registration order within their lane.
func Handle[P any, PT interface {
	*P
	protocol.Packet
}](r *Registry, priority Priority, fn func(ctx context.Context, s *session.Session, p PT)) error {
	op := PT(new(P)).Opcode()
	kind := kindOf[P]()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[op]
	if e == nil || e.kind != kind {
		return fmt.Errorf("%w: 0x%02X", ErrNotBound, op)
	}
	e.handlers = append(e.handlers, handler{
		priority: priority,
		fn: func(ctx context.Context, s *session.Session, p protocol.Packet) {
			if typed, ok := p.(PT); ok {
				fn(ctx, s, typed)
			}
		},
	})
	return nil
}

// IsBound reports whether packet type P currently owns its opcode.
func IsBound[P any, PT interface {
	*P
	protocol.Packet
}](r *Registry) bool {
	op := PT(new(P)).Opcode()

	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[op]
	return e != nil && e.kind == kindOf[P]()
}

func (r *Registry) lookup(op byte) (func() protocol.Packet, []handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[op]
	if e == nil {
		return nil, nil, false
	}
	return e.factory, e.handlers, true
}

// Lengths returns a copy of the effective frame length table: the legacy
// defaults overlaid with every bound packet's size.
func (r *Registry) Lengths() *protocol.LengthTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.lengths
	return &t
}

// Binding describes one bound opcode.
type Binding struct {
	Opcode   string `json:"opcode"`
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Handlers int    `json:"handlers"`
}

// Bindings lists every bound opcode in ascending order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for op, e := range r.entries {
		if e == nil {
			continue
		}
		out = append(out, Binding{
			Opcode:   fmt.Sprintf("0x%02X", op),
			Name:     protocol.Name(byte(op)),
			Length:   e.length,
			Handlers: len(e.handlers),
		})
	}
	return out
}

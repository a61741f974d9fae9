package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

// ErrDecode marks a frame the bound packet type rejected.
var ErrDecode = errors.New("packet decode failed")

// Dispatcher turns complete frames into handler tasks.
type Dispatcher struct {
	registry *Registry
	sessions *session.Table
	queue    *TaskQueue
	observer diag.Observer
	logger   zerolog.Logger
}

// NewDispatcher wires a registry, the session table tasks resolve against,
// and the queue tasks run on.
func NewDispatcher(registry *Registry, sessions *session.Table, queue *TaskQueue, observer diag.Observer) *Dispatcher {
	if observer == nil {
		observer = diag.Nop{}
	}
	return &Dispatcher{
		registry: registry,
		sessions: sessions,
		queue:    queue,
		observer: observer,
		logger:   util.ComponentLogger("dispatch"),
	}
}

// Registry returns the registry the dispatcher resolves opcodes against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch decodes one complete frame for s and schedules its handlers.
// Unbound opcodes are dropped without a fault. A decode failure drops the
// frame and charges a fault to the session.
func (d *Dispatcher) Dispatch(s *session.Session, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	op := frame[0]
	d.observer.OnPacket(diag.PacketEvent{SessionID: s.ID(), Opcode: op, Direction: diag.Inbound, Size: len(frame)})

	factory, handlers, ok := d.registry.lookup(op)
	if !ok {
		d.logger.Debug().
			Uint64("session", s.ID()).
			Str("opcode", protocol.Name(op)).
			Int("size", len(frame)).
			Msg("unbound opcode, frame dropped")
		return nil
	}

	p := factory()
	if !p.Decode(frame) {
		err := fmt.Errorf("%w: %s (%d bytes)", ErrDecode, protocol.Name(op), len(frame))
		s.Fault(diag.FaultDecode, int(op), err)
		return err
	}

	id := s.ID()
	for i, h := range handlers {
		h := h
		task := Task{
			SessionID: id,
			Priority:  h.priority,
			Name:      fmt.Sprintf("%s#%d", protocol.Name(op), i),
			Run: func(ctx context.Context) {
				live, ok := d.sessions.Get(id)
				if !ok {
					return
				}
				h.fn(ctx, live, p)
			},
		}
		if err := d.queue.Submit(task); err != nil {
			return err
		}
	}
	return nil
}

// Package pipeline chains the per-connection transform stages. A pipeline is
// owned by exactly one connection loop and is not safe for concurrent use.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// Layer fixes where a stage sits relative to the wire. Lower layers are
// closer to the plaintext packets.
type Layer int

const (
	// LayerCompression is innermost: applied first on send, last on receive.
	LayerCompression Layer = iota + 1
	// LayerEncryption is outermost: applied last on send, first on receive.
	LayerEncryption
)

func (l Layer) String() string {
	switch l {
	case LayerCompression:
		return "compression"
	case LayerEncryption:
		return "encryption"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// Stage is one reversible byte transform.
//
// OnReceive is handed every byte the pipeline holds for the stage. It reports
// how many of them it consumed and any output it produced. halt=true means the
// stage needs more input before it can make further progress; consumed must
// never exceed len(in).
type Stage interface {
	Name() string
	Layer() Layer
	OnSend(frame []byte) ([]byte, error)
	OnReceive(in []byte) (halt bool, consumed int, out []byte, err error)
}

// State is the mutation guard of a pipeline.
type State int

const (
	// Idle means no stage holds undecoded bytes; stages may be added or removed.
	Idle State = iota
	// Buffering means at least one stage holds a partial unit.
	Buffering
)

func (s State) String() string {
	if s == Buffering {
		return "buffering"
	}
	return "idle"
}

var (
	// ErrPipelineBusy rejects a mutation while a partial unit is buffered.
	ErrPipelineBusy = errors.New("pipeline is buffering a partial unit")
	// ErrStageExists rejects adding a second stage with the same name.
	ErrStageExists = errors.New("stage already present")
	// ErrStageNotFound rejects removing a stage that is not present.
	ErrStageNotFound = errors.New("stage not present")
	// ErrTransform marks a stage failure. It is always terminal for the connection.
	ErrTransform = errors.New("transform fault")
)

// Transform records the size of a chunk before and after the receive side.
type Transform struct {
	Before int
	After  int
}

type slot struct {
	stage   Stage
	pending []byte
}

// Pipeline is an ordered set of stages, kept sorted by Layer.
type Pipeline struct {
	slots []*slot
}

// New builds a pipeline from the given stages.
func New(stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{}
	for _, s := range stages {
		if err := p.Add(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// State reports whether any stage is holding a partial unit.
func (p *Pipeline) State() State {
	if p.Buffered() > 0 {
		return Buffering
	}
	return Idle
}

// Buffered returns the number of undecoded bytes held across all stages.
func (p *Pipeline) Buffered() int {
	n := 0
	for _, s := range p.slots {
		n += len(s.pending)
	}
	return n
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.slots)
}

// Has reports whether a stage with the given name is present.
func (p *Pipeline) Has(name string) bool {
	return p.index(name) >= 0
}

// Names returns the stage names in send order.
func (p *Pipeline) Names() []string {
	order := p.sendOrder()
	names := make([]string, len(order))
	for i, s := range order {
		names[i] = s.stage.Name()
	}
	return names
}

func (p *Pipeline) index(name string) int {
	for i, s := range p.slots {
		if s.stage.Name() == name {
			return i
		}
	}
	return -1
}

// Add inserts a stage at its layer. It fails while the pipeline is buffering.
func (p *Pipeline) Add(s Stage) error {
	if p.State() == Buffering {
		return ErrPipelineBusy
	}
	if p.Has(s.Name()) {
		return fmt.Errorf("%w: %s", ErrStageExists, s.Name())
	}
	p.slots = append(p.slots, &slot{stage: s})
	sort.SliceStable(p.slots, func(i, j int) bool {
		return p.slots[i].stage.Layer() < p.slots[j].stage.Layer()
	})
	return nil
}

// Remove drops the named stage. It fails while the pipeline is buffering.
func (p *Pipeline) Remove(name string) error {
	if p.State() == Buffering {
		return ErrPipelineBusy
	}
	i := p.index(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	p.slots = append(p.slots[:i], p.slots[i+1:]...)
	return nil
}

// sendOrder walks the stages from the plaintext side out to the wire.
func (p *Pipeline) sendOrder() []*slot {
	return p.slots
}

// receiveOrder walks the stages from the wire in to the plaintext side.
func (p *Pipeline) receiveOrder() []*slot {
	order := make([]*slot, len(p.slots))
	for i, s := range p.slots {
		order[len(p.slots)-1-i] = s
	}
	return order
}

// Send runs an outbound frame through every stage and returns wire bytes.
func (p *Pipeline) Send(frame []byte) ([]byte, error) {
	data := frame
	for _, s := range p.sendOrder() {
		out, err := s.stage.OnSend(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s send: %v", ErrTransform, s.stage.Name(), err)
		}
		data = out
	}
	return data, nil
}

// Receive feeds a raw chunk from the transport through the stages and returns
// whatever plaintext could be fully decoded. Bytes a stage could not yet use
// stay buffered for that stage until the next call.
func (p *Pipeline) Receive(chunk []byte) ([]byte, Transform, error) {
	tr := Transform{Before: len(chunk)}
	data := chunk

	for _, s := range p.receiveOrder() {
		s.pending = append(s.pending, data...)
		var produced []byte

		for len(s.pending) > 0 {
			halt, consumed, out, err := s.stage.OnReceive(s.pending)
			if err != nil {
				s.pending = nil
				return nil, tr, fmt.Errorf("%w: %s receive: %v", ErrTransform, s.stage.Name(), err)
			}
			if consumed < 0 || consumed > len(s.pending) {
				err := fmt.Errorf("%w: %s consumed %d of %d bytes", ErrTransform, s.stage.Name(), consumed, len(s.pending))
				s.pending = nil
				return nil, tr, err
			}
			produced = append(produced, out...)
			s.pending = append(s.pending[:0], s.pending[consumed:]...)
			if halt || consumed == 0 {
				break
			}
		}
		if len(s.pending) == 0 {
			s.pending = nil
		}
		data = produced
	}

	if len(p.slots) == 0 {
		data = append([]byte(nil), chunk...)
	}
	tr.After = len(data)
	return data, tr, nil
}

// Reset discards every buffered byte. Used when the connection is torn down.
func (p *Pipeline) Reset() {
	for _, s := range p.slots {
		s.pending = nil
	}
}

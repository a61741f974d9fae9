// Package session implements the per-connection session: its lifecycle
// state, its negotiated features and the transform pipeline those features
// drive.
//
// A session has an owner loop (see network.Connection). Ingest, SetFeatures,
// ApplyPendingFeatures, SetSeed and SendFrame touch the pipeline and the
// cipher state and must only run on that loop. Everything else is safe from
// any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/cipher"
	"github.com/energizer-project/shardgate/internal/compression"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/pipeline"
	"github.com/energizer-project/shardgate/internal/protocol"
)

// ID identifies a session for the lifetime of the process.
type ID = uint64

// Transport is the session's view of its connection.
type Transport interface {
	// Post schedules fn on the owner loop. It never blocks and reports
	// false once the connection is closed.
	Post(fn func()) bool
	// Write hands wire bytes to the connection writer.
	Write(p []byte) error
	// Close tears the connection down. It is idempotent.
	Close() error
	RemoteAddr() string
}

var (
	// ErrClosed is returned for work on a session that is already gone.
	ErrClosed = errors.New("session closed")
	// ErrFeaturesDeferred means a feature change was parked until the
	// pipeline drains.
	ErrFeaturesDeferred = errors.New("feature change deferred")
	// ErrNoSeed rejects enabling encryption before the login seed is known.
	ErrNoSeed = errors.New("encryption requires a login seed")
)

// DefaultFaultThreshold is the number of faults a session may accumulate
// before it is moved to Error and dropped.
const DefaultFaultThreshold = 8

// Options configures a session.
type Options struct {
	FaultThreshold int
	MaxFrame       int
	Lengths        *protocol.LengthTable
	Observer       diag.Observer
	Bus            *events.Bus
	Logger         *zerolog.Logger
}

func (o *Options) fill() {
	if o.FaultThreshold <= 0 {
		o.FaultThreshold = DefaultFaultThreshold
	}
	if o.MaxFrame <= 0 || o.MaxFrame > protocol.MaxFrameSize {
		o.MaxFrame = protocol.MaxFrameSize
	}
	if o.Lengths == nil {
		t := protocol.DefaultLengths()
		o.Lengths = &t
	}
	if o.Observer == nil {
		o.Observer = diag.Nop{}
	}
}

// Session is one client connection as seen by the protocol engine.
type Session struct {
	id        ID
	transport Transport
	opts      Options
	logger    zerolog.Logger

	state        atomic.Int32
	closed       atomic.Bool
	faults       atomic.Int64
	lastActivity atomic.Int64
	connectedAt  time.Time

	// Owner loop only.
	pipe     *pipeline.Pipeline
	plain    []byte
	features Features
	pending  *Features
	seed     uint32
	seeded   bool

	featuresView atomic.Uint32
	stagesView   atomic.Pointer[[]string]

	mu            sync.Mutex
	version       protocol.ClientVersion
	versionReport string
	account       string
	mobile        string
}

// New creates a session in the Connecting state with an empty pipeline.
func New(id ID, transport Transport, opts Options) *Session {
	opts.fill()
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	pipe, _ := pipeline.New()
	s := &Session{
		id:          id,
		transport:   transport,
		opts:        opts,
		pipe:        pipe,
		connectedAt: time.Now(),
		logger: base.With().
			Str("component", "session").
			Uint64("session", id).
			Str("remote", transport.RemoteAddr()).
			Logger(),
	}
	s.lastActivity.Store(s.connectedAt.UnixNano())
	s.stagesView.Store(&[]string{})
	return s
}

func (s *Session) ID() ID                 { return s.id }
func (s *Session) RemoteAddr() string     { return s.transport.RemoteAddr() }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) Logger() zerolog.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Transition moves the session to another state if the lifecycle allows it.
func (s *Session) Transition(to State) error {
	for {
		from := s.State()
		if !canTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
			s.emit(events.EventSessionState, events.StatePayload{SessionID: s.id, From: from.String(), To: to.String()})
			return nil
		}
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound chunk.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Features returns the features currently applied to the pipeline.
func (s *Session) Features() Features {
	return Features(s.featuresView.Load())
}

// Stages returns the pipeline stage names in send order.
func (s *Session) Stages() []string {
	return append([]string(nil), (*s.stagesView.Load())...)
}

// Faults returns the number of faults charged so far.
func (s *Session) Faults() int64 {
	return s.faults.Load()
}

// SetSeed records the login seed and declared client version. Owner loop only.
func (s *Session) SetSeed(seed uint32, version protocol.ClientVersion) {
	s.seed = seed
	s.seeded = true
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
}

// Version returns the client version declared in the handshake.
func (s *Session) Version() protocol.ClientVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetFeatures reconciles the pipeline with want: each feature that flips adds
// or removes exactly one stage. While the pipeline holds a partial unit the
// change is parked and ErrFeaturesDeferred is returned; the owner loop
// retries it through ApplyPendingFeatures. Owner loop only.
func (s *Session) SetFeatures(want Features) error {
	if s.State().Terminal() {
		return ErrClosed
	}
	if s.pipe.State() == pipeline.Buffering {
		parked := want
		s.pending = &parked
		s.opts.Observer.OnFault(diag.FaultEvent{SessionID: s.id, Kind: diag.FaultState, Opcode: -1, Err: pipeline.ErrPipelineBusy})
		s.logger.Debug().Str("features", want.String()).Msg("pipeline busy, feature change deferred")
		return fmt.Errorf("%w: %w", ErrFeaturesDeferred, pipeline.ErrPipelineBusy)
	}

	changed := s.features ^ want
	if changed.Has(FeatureEncryption) && want.Has(FeatureEncryption) && !s.seeded {
		return ErrNoSeed
	}
	s.pending = nil

	if changed.Has(FeatureCompression) {
		var err error
		if want.Has(FeatureCompression) {
			err = s.pipe.Add(compression.NewStage())
		} else {
			err = s.pipe.Remove(compression.StageName)
		}
		if err != nil {
			return fmt.Errorf("toggle compression: %w", err)
		}
	}
	if changed.Has(FeatureEncryption) {
		var err error
		if want.Has(FeatureEncryption) {
			err = s.pipe.Add(cipher.NewStage(s.seed, s.Version()))
		} else {
			err = s.pipe.Remove(cipher.StageName)
		}
		if err != nil {
			return fmt.Errorf("toggle encryption: %w", err)
		}
	}

	s.features = want
	s.featuresView.Store(uint32(want))
	stages := s.pipe.Names()
	s.stagesView.Store(&stages)

	if changed != None {
		s.logger.Info().Str("features", want.String()).Strs("stages", stages).Msg("features applied")
		s.emit(events.EventSessionFeatures, events.FeaturesPayload{SessionID: s.id, Features: want.List(), Stages: stages})
	}
	return nil
}

// PendingFeatures returns a parked feature change, if any.
func (s *Session) PendingFeatures() (Features, bool) {
	if s.pending == nil {
		return None, false
	}
	return *s.pending, true
}

// ApplyPendingFeatures retries a parked feature change once the pipeline is
// idle. Owner loop only.
func (s *Session) ApplyPendingFeatures() error {
	if s.pending == nil || s.pipe.State() == pipeline.Buffering {
		return nil
	}
	return s.SetFeatures(*s.pending)
}

// RequestFeatures asks the owner loop to apply want. Safe from any goroutine.
func (s *Session) RequestFeatures(want Features) bool {
	return s.transport.Post(func() {
		if err := s.SetFeatures(want); err != nil && !errors.Is(err, ErrFeaturesDeferred) {
			s.logger.Warn().Err(err).Msg("feature change rejected")
		}
	})
}

// Ingest runs a raw chunk through the pipeline and splits the plaintext into
// frames. Framing faults are charged to the session and discard the rest of
// the buffered plaintext. A non-nil error is a transform fault and the
// session must be torn down. Owner loop only.
func (s *Session) Ingest(chunk []byte) ([][]byte, error) {
	s.Touch()

	plain, tr, err := s.pipe.Receive(chunk)
	s.opts.Observer.OnTransform(diag.TransformEvent{SessionID: s.id, Direction: diag.Inbound, Before: tr.Before, After: tr.After})
	if err != nil {
		s.plain = nil
		return nil, err
	}
	s.plain = append(s.plain, plain...)

	var frames [][]byte
	consumed := 0
	for consumed < len(s.plain) {
		frame, n, err := protocol.NextFrame(s.plain[consumed:], s.opts.Lengths, s.opts.MaxFrame)
		if err != nil {
			op := -1
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				op = int(fe.Opcode)
			}
			consumed = len(s.plain)
			s.Fault(diag.FaultFraming, op, err)
			break
		}
		if n == 0 {
			break
		}
		frames = append(frames, append([]byte(nil), frame...))
		consumed += n
	}

	if consumed == len(s.plain) {
		s.plain = nil
	} else if consumed > 0 {
		s.plain = append([]byte(nil), s.plain[consumed:]...)
	}
	return frames, nil
}

// Buffered returns the plaintext bytes waiting for the rest of their frame.
func (s *Session) Buffered() int {
	return len(s.plain)
}

// SendFrame transforms one encoded frame and hands it to the writer. Owner
// loop only.
func (s *Session) SendFrame(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(frame) > 0 {
		s.opts.Observer.OnPacket(diag.PacketEvent{SessionID: s.id, Opcode: frame[0], Direction: diag.Outbound, Size: len(frame)})
	}
	out, err := s.pipe.Send(frame)
	if err != nil {
		return err
	}
	s.opts.Observer.OnTransform(diag.TransformEvent{SessionID: s.id, Direction: diag.Outbound, Before: len(frame), After: len(out)})
	return s.transport.Write(out)
}

// Send encodes p and queues it on the owner loop. Safe from any goroutine.
func (s *Session) Send(p protocol.Packet) error {
	return s.post(p, "")
}

// SendAndDisconnect queues p and disconnects right after it was handed to
// the writer. Safe from any goroutine.
func (s *Session) SendAndDisconnect(p protocol.Packet, reason string) error {
	return s.post(p, reason)
}

func (s *Session) post(p protocol.Packet, disconnect string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	frame := p.Encode()
	if !s.transport.Post(func() {
		if err := s.SendFrame(frame); err != nil && !errors.Is(err, ErrClosed) {
			if errors.Is(err, pipeline.ErrTransform) {
				s.Fail(diag.FaultTransform, err)
				return
			}
			s.logger.Warn().Err(err).Str("packet", protocol.Name(frame[0])).Msg("send failed")
		}
		if disconnect != "" {
			s.Disconnect(disconnect)
		}
	}) {
		return ErrClosed
	}
	return nil
}

// Fault charges a recoverable fault to the session. Once the count passes
// the threshold the session is moved to Error and dropped. It reports whether
// that happened.
func (s *Session) Fault(kind diag.FaultKind, opcode int, err error) bool {
	n := s.faults.Add(1)
	s.opts.Observer.OnFault(diag.FaultEvent{SessionID: s.id, Kind: kind, Opcode: opcode, Err: err})
	s.logger.Debug().Err(err).Str("kind", string(kind)).Int("opcode", opcode).Int64("faults", n).Msg("protocol fault")

	payload := events.FaultPayload{SessionID: s.id, Kind: string(kind), Opcode: opcode, Count: n}
	if err != nil {
		payload.Error = err.Error()
	}
	s.emit(events.EventSessionFault, payload)

	if n > int64(s.opts.FaultThreshold) {
		s.Fail(kind, fmt.Errorf("fault threshold %d exceeded: %w", s.opts.FaultThreshold, err))
		return true
	}
	return false
}

// Fail moves the session to Error and disconnects it.
func (s *Session) Fail(kind diag.FaultKind, err error) {
	if kind == diag.FaultTransform {
		s.opts.Observer.OnFault(diag.FaultEvent{SessionID: s.id, Kind: kind, Opcode: -1, Err: err})
	}
	if s.Transition(Error) == nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("session failed")
	}
	s.Disconnect(string(kind))
}

// Disconnect releases the transport and clears the account and mobile
// back-references so late work sees an empty session. It is idempotent.
func (s *Session) Disconnect(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.Transition(Disconnected)

	s.mu.Lock()
	account := s.account
	s.account = ""
	s.mobile = ""
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}

	s.logger.Info().Str("reason", reason).Str("account", account).Msg("session disconnected")
	s.emit(events.EventSessionDisconnected, events.SessionPayload{SessionID: s.id, Remote: s.RemoteAddr(), Reason: reason})
}

// Closed reports whether Disconnect has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// ResetPipeline drops every buffered byte. Owner loop only, after close.
func (s *Session) ResetPipeline() {
	s.pipe.Reset()
	s.plain = nil
}

// Account returns the authenticated account name.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// SetAccount binds the session to an account. Ignored once closed.
func (s *Session) SetAccount(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.Load() {
		s.account = name
	}
}

// Mobile returns the name of the character in play.
func (s *Session) Mobile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mobile
}

// SetMobile binds the session to a character. Ignored once closed.
func (s *Session) SetMobile(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.Load() {
		s.mobile = name
	}
}

// SetVersionReport stores the version string the client reported.
func (s *Session) SetVersionReport(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionReport = v
}

func (s *Session) emit(t events.EventType, payload interface{}) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  fmt.Sprintf("session:%d", s.id),
		Payload: payload,
	})
}

// Info is a point-in-time view of a session for the API and console.
type Info struct {
	ID            ID        `json:"id"`
	Remote        string    `json:"remote"`
	State         State     `json:"state"`
	Features      []string  `json:"features"`
	Stages        []string  `json:"stages"`
	Account       string    `json:"account,omitempty"`
	Mobile        string    `json:"mobile,omitempty"`
	Version       string    `json:"version"`
	VersionReport string    `json:"version_report,omitempty"`
	Faults        int64     `json:"faults"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		Account:       s.account,
		Mobile:        s.mobile,
		Version:       s.version.String(),
		VersionReport: s.versionReport,
	}
	s.mu.Unlock()

	info.ID = s.id
	info.Remote = s.RemoteAddr()
	info.State = s.State()
	info.Features = s.Features().List()
	info.Stages = s.Stages()
	info.Faults = s.Faults()
	info.ConnectedAt = s.connectedAt
	info.LastActivity = s.LastActivity()
	return info
}

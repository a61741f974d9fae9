package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Table tracks the live sessions. It is owned by the acceptor and handed by
// reference to whoever needs to resolve a session id.
type Table struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
	nextID   atomic.Uint64
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[ID]*Session),
	}
}

// NextID allocates a session id. Ids start at 1 and are never reused.
func (t *Table) NextID() ID {
	return t.nextID.Add(1)
}

// Add registers a session.
func (t *Table) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[s.ID()]; exists {
		return fmt.Errorf("session %d already registered", s.ID())
	}
	t.sessions[s.ID()] = s
	return nil
}

// Remove unregisters a session without disconnecting it.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Get resolves a live session. Sessions that are registered but already
// closed are reported as missing.
func (t *Table) Get(id ID) (*Session, bool) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// ClaimAccount binds s to account unless another live session already
// holds it; names compare case-insensitively. The check and the bind run
// under the table lock, so concurrent logins of one account cannot both
// win. The claim lapses when the holder disconnects.
func (t *Table) ClaimAccount(s *Session, account string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, other := range t.sessions {
		if id != s.ID() && !other.Closed() && strings.EqualFold(other.Account(), account) {
			return false
		}
	}
	if s.Closed() {
		return false
	}
	s.SetAccount(account)
	return true
}

// Range calls fn for every registered session until fn returns false.
func (t *Table) Range(fn func(*Session) bool) {
	for _, s := range t.List() {
		if !fn(s) {
			return
		}
	}
}

// List returns the registered sessions ordered by id.
func (t *Table) List() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of registered sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sweep removes closed sessions and disconnects sessions idle for longer
// than idle. It returns how many sessions it removed.
func (t *Table) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	var stale []*Session

	t.mu.Lock()
	for id, s := range t.sessions {
		if s.Closed() || (idle > 0 && s.LastActivity().Before(cutoff)) {
			stale = append(stale, s)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		if !s.Closed() {
			log.Warn().
				Uint64("session", s.ID()).
				Time("last_activity", s.LastActivity()).
				Msg("disconnecting idle session")
			s.Disconnect("idle")
		}
	}
	return len(stale)
}

// CloseAll disconnects and removes every session.
func (t *Table) CloseAll(reason string) {
	t.mu.Lock()
	all := t.sessions
	t.sessions = make(map[ID]*Session)
	t.mu.Unlock()

	for _, s := range all {
		s.Disconnect(reason)
	}
	log.Info().Int("sessions", len(all)).Msg("all sessions closed")
}

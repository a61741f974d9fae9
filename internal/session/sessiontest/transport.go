// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"sync"
)

// Transport runs posted work inline and records everything written.
type Transport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	Addr   string
}

// NewTransport returns an open Transport.
func NewTransport() *Transport {
	return &Transport{Addr: "203.0.113.7:51000"}
}

func (t *Transport) Post(fn func()) bool {
	if t.Closed() {
		return false
	}
	fn()
	return true
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte(nil), p...))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) RemoteAddr() string { return t.Addr }

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Writes returns a copy of every chunk written so far.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

// Stream concatenates every chunk written so far.
func (t *Transport) Stream() []byte {
	var out []byte
	for _, w := range t.Writes() {
		out = append(out, w...)
	}
	return out
}

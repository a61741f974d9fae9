package network

import (
	"net"
	"sync"
	"time"
)

// connectThrottle counts new connections per remote IP within a one second
// window.
type connectThrottle struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newConnectThrottle(maxPerSec int) *connectThrottle {
	return &connectThrottle{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

// allow reports whether ip may open another connection. A non-positive
// limit disables the throttle.
func (t *connectThrottle) allow(ip string) bool {
	if t.maxPerSec <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, exists := t.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		t.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= t.maxPerSec
}

// prune forgets windows that ended before cutoff.
func (t *connectThrottle) prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-time.Second)
	removed := 0
	for ip, b := range t.counts {
		if b.windowStart.Before(cutoff) {
			delete(t.counts, ip)
			removed++
		}
	}
	return removed
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

package gateway

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultAuthKeyTTL bounds how long a redirected client has to reach its
// shard.
const DefaultAuthKeyTTL = 30 * time.Second

type authKey struct {
	account string
	expires time.Time
}

// keyRing holds the single-use keys handed out in ServerRedirect.
type keyRing struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[uint32]authKey
	now  func() time.Time
}

func newKeyRing(ttl time.Duration) *keyRing {
	if ttl <= 0 {
		ttl = DefaultAuthKeyTTL
	}
	return &keyRing{
		ttl:  ttl,
		keys: make(map[uint32]authKey),
		now:  time.Now,
	}
}

// issue creates a fresh non-zero key for account.
func (k *keyRing) issue(account string) (uint32, error) {
	var buf [4]byte
	k.mu.Lock()
	defer k.mu.Unlock()

	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate auth key: %w", err)
		}
		key := binary.BigEndian.Uint32(buf[:])
		if _, taken := k.keys[key]; key == 0 || taken {
			continue
		}
		k.keys[key] = authKey{account: account, expires: k.now().Add(k.ttl)}
		return key, nil
	}
}

// redeem consumes key. It succeeds only for the account it was issued to
// and only before it expires.
func (k *keyRing) redeem(key uint32, account string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	ak, ok := k.keys[key]
	if !ok {
		return false
	}
	delete(k.keys, key)
	return strings.EqualFold(ak.account, account) && k.now().Before(ak.expires)
}

func (k *keyRing) prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	n := 0
	for key, ak := range k.keys {
		if !now.Before(ak.expires) {
			delete(k.keys, key)
			n++
		}
	}
	return n
}

func (k *keyRing) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

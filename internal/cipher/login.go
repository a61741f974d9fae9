// Package cipher implements the rotating-key stream cipher of the legacy
// login protocol and its pipeline stage.
package cipher

import (
	"github.com/energizer-project/shardgate/internal/protocol"
)

// Keys are the two subkeys derived from a client version.
type Keys struct {
	K1 uint32
	K2 uint32
}

// DeriveKeys computes the subkeys of a client version. The patch component
// only perturbs K1, so clients differing in patch level alone still diverge.
func DeriveKeys(v protocol.ClientVersion) Keys {
	a, b, c, d := v.Major, v.Minor, v.Revision, v.Patch

	temp := ((a<<9|b)<<10 | c) ^ ((c * c) << 5)
	k2 := (temp << 4) ^ (b * b) ^ (b * 0x0B000000) ^ (c * 0x380000) ^ 0x2C13A5FD

	temp = (((a<<9|c)<<10 | b) * 8) ^ (c * c * 0x0C00)
	k1 := temp ^ (b * b) ^ (b * 0x6800000) ^ (c * 0x1C0000) ^ 0xA31D527F
	k1 ^= d * 0x45D9F3B

	return Keys{K1: k1, K2: k2}
}

// LoginCipher is the per-direction cipher state. It is reconstructible from
// (seed, keys) alone and must never be shared between connections.
type LoginCipher struct {
	keys   Keys
	table0 uint32
	table1 uint32
}

// NewLoginCipher seeds a cipher state from the client's connection seed.
func NewLoginCipher(seed uint32, keys Keys) *LoginCipher {
	return &LoginCipher{
		keys:   keys,
		table0: ((^seed ^ 0x1357) << 16) | ((seed ^ 0xFFFFAAAA) & 0x0000FFFF),
		table1: ((seed ^ 0x43210000) >> 16) | ((^seed ^ 0xABCDFFFF) & 0xFFFF0000),
	}
}

// XORKeyStream transforms src into dst, advancing the state one step per
// byte. Encryption and decryption are the same operation. dst and src may
// overlap entirely.
func (c *LoginCipher) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("cipher: output smaller than input")
	}
	k1, k2 := c.keys.K1, c.keys.K2
	t0, t1 := c.table0, c.table1
	for i, b := range src {
		dst[i] = b ^ byte(t0)
		n0, n1 := t0, t1
		t1 = ((((n1>>1)|(n0<<31))^(k1-1))>>1 | (n0 << 31)) ^ k1
		t0 = ((n0 >> 1) | (n1 << 31)) ^ k2
	}
	c.table0, c.table1 = t0, t1
}

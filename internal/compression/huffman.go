// Package compression implements the entropy coder used by the legacy
// protocol's compression stage.
//
// The coder is a canonical Huffman code over 257 symbols: the 256 byte values
// and a terminal symbol that closes a unit. The code lengths come from a fixed
// weight model, so both ends derive identical tables without exchanging them.
// A compressed unit is the codes of its bytes, the terminal code, and zero
// bits up to the next byte boundary. Bits are packed most significant first.
package compression

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
)

const (
	symbolCount = 257
	terminal    = 256

	// MaxUnitSize bounds the decoded size of a single unit.
	MaxUnitSize = 0xFFFF
)

// ErrCorruptStream reports a unit that cannot have been produced by Compress.
var ErrCorruptStream = errors.New("corrupt compressed stream")

type code struct {
	bits uint32
	len  uint8
}

type table struct {
	codes  [symbolCount]code
	maxLen int
	count  []int // count[l]: symbols with code length l
	first  []int // first[l]: first canonical code of length l
	offset []int // offset[l]: index into sorted of the first length-l symbol
	sorted []int
}

var tbl = buildTable(symbolWeights())

// symbolWeights is the frequency model of login and gameplay traffic: zero
// padding dominates, then printable text, then small control values.
func symbolWeights() [symbolCount]int {
	var w [symbolCount]int
	for s := range w {
		w[s] = 32
	}
	w[0x00] += 2048
	for s := 0x01; s < 0x20; s++ {
		w[s] += 64
	}
	for s := 0x20; s < 0x7F; s++ {
		w[s] += 256
	}
	for s := 'a'; s <= 'z'; s++ {
		w[s] += 128
	}
	w[0xFF] += 256
	return w
}

type node struct {
	weight int
	order  int
	left   *node
	right  *node
	symbol int
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].order < h[j].order
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(*node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

func buildTable(weights [symbolCount]int) *table {
	h := make(nodeHeap, 0, symbolCount)
	for s, w := range weights {
		h = append(h, &node{weight: w, order: s, symbol: s})
	}
	heap.Init(&h)

	order := symbolCount
	for h.Len() > 1 {
		a := heap.Pop(&h).(*node)
		b := heap.Pop(&h).(*node)
		heap.Push(&h, &node{weight: a.weight + b.weight, order: order, left: a, right: b, symbol: -1})
		order++
	}

	var lengths [symbolCount]int
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		if n.left == nil {
			lengths[n.symbol] = depth
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk(h[0], 0)

	t := &table{sorted: make([]int, symbolCount)}
	for s, l := range lengths {
		t.maxLen = max(t.maxLen, l)
		t.sorted[s] = s
	}
	sort.SliceStable(t.sorted, func(i, j int) bool {
		return lengths[t.sorted[i]] < lengths[t.sorted[j]]
	})

	t.count = make([]int, t.maxLen+1)
	t.first = make([]int, t.maxLen+1)
	t.offset = make([]int, t.maxLen+1)
	for _, l := range lengths {
		t.count[l]++
	}

	next := 0
	idx := 0
	for l := 1; l <= t.maxLen; l++ {
		next = (next + t.count[l-1]) << 1
		t.first[l] = next
		t.offset[l] = idx
		idx += t.count[l]
	}

	assigned := make([]int, t.maxLen+1)
	for _, s := range t.sorted {
		l := lengths[s]
		t.codes[s] = code{bits: uint32(t.first[l] + assigned[l]), len: uint8(l)}
		assigned[l]++
	}
	return t
}

// MaxCodeBits returns the longest code length in the table.
func MaxCodeBits() int {
	return tbl.maxLen
}

// MaxCompressedSize returns an upper bound on the compressed size of an
// n-byte input. The result depends only on n.
func MaxCompressedSize(n int) int {
	return ((n+1)*tbl.maxLen + 7) / 8
}

// Compress appends the compressed unit of src to dst.
func Compress(dst, src []byte) []byte {
	need := MaxCompressedSize(len(src))
	if cap(dst)-len(dst) < need {
		grown := make([]byte, len(dst), len(dst)+need)
		copy(grown, dst)
		dst = grown
	}

	var acc uint64
	var nbits uint
	emit := func(c code) {
		acc = acc<<c.len | uint64(c.bits)
		nbits += uint(c.len)
		for nbits >= 8 {
			nbits -= 8
			dst = append(dst, byte(acc>>nbits))
		}
	}
	for _, b := range src {
		emit(tbl.codes[b])
	}
	emit(tbl.codes[terminal])
	if nbits > 0 {
		dst = append(dst, byte(acc<<(8-nbits)))
	}
	return dst
}

// Decompress decodes the first unit in src. It never reads past src.
//
// halt=true with consumed=0 means src does not yet hold a whole unit. On
// success consumed is the number of compressed bytes the unit occupied.
func Decompress(src []byte) (out []byte, consumed int, halt bool, err error) {
	bitPos := 0
	total := len(src) * 8

	for {
		c, l := 0, 0
		sym := -1
		for sym < 0 {
			if bitPos >= total {
				return nil, 0, true, nil
			}
			bit := int(src[bitPos>>3]>>(7-uint(bitPos&7))) & 1
			bitPos++
			c = c<<1 | bit
			l++
			if l > tbl.maxLen {
				return nil, 0, false, fmt.Errorf("%w: code longer than %d bits", ErrCorruptStream, tbl.maxLen)
			}
			if idx := c - tbl.first[l]; idx >= 0 && idx < tbl.count[l] {
				sym = tbl.sorted[tbl.offset[l]+idx]
			}
		}

		if sym == terminal {
			break
		}
		if len(out) == MaxUnitSize {
			return nil, 0, false, fmt.Errorf("%w: unit exceeds %d bytes", ErrCorruptStream, MaxUnitSize)
		}
		out = append(out, byte(sym))
	}

	consumed = (bitPos + 7) / 8
	if pad := uint(consumed*8 - bitPos); pad > 0 {
		if src[consumed-1]&(1<<pad-1) != 0 {
			return nil, 0, false, fmt.Errorf("%w: non-zero padding", ErrCorruptStream)
		}
	}
	if out == nil {
		out = []byte{}
	}
	return out, consumed, false, nil
}

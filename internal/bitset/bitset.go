// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import "math/bits"

// Bitset tracks occupied slots while building the perfect hash.  It is
// conceptually a []bool, but 8x smaller.
type Bitset struct {
	words  []uint64
	length uint32
}

// New returns a bitset able to hold bits [0, length).
func New(length uint32) *Bitset {
	return &Bitset{
		words:  make([]uint64, (uint64(length)+63)/64),
		length: length,
	}
}

// Set sets the bit at position off to 1.  Out of range positions are ignored.
func (b *Bitset) Set(off uint32) {
	if off >= b.length {
		return
	}
	b.words[off/64] |= 1 << (off % 64)
}

// Clear sets the bit at position off to 0.
func (b *Bitset) Clear(off uint32) {
	if off >= b.length {
		return
	}
	b.words[off/64] &^= 1 << (off % 64)
}

// IsSet reports whether the bit at position off is 1.
func (b *Bitset) IsSet(off uint32) bool {
	if off >= b.length {
		return false
	}
	return b.words[off/64]&(1<<(off%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Len returns the number of addressable bits.
func (b *Bitset) Len() uint32 {
	return b.length
}

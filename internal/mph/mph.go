// Copyright 2024 The freeze Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mph implements the perfect hash index that maps asset keys to
// dense slot numbers.  Tables are built once, offline, from the final asset
// manifest and are immutable afterwards, so lookups are safe for concurrent
// use without synchronization.
package mph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/freeze/internal/bitset"
	"github.com/bpowers/freeze/internal/unsafestring"
)

// NotFound is returned by Lookup for keys outside the table's key set.
const NotFound = -1

const (
	magicIndexHeader  = uint32(0xC0FFEE02)
	formatVersion     = uint32(1)
	indexHeaderSize   = 24
	maxIndexEntries   = (1 << 31) - 1
	maxUint32         = ^uint32(0)
	emptySlot         = uint32(0)
	maxSeedIterations = maxUint32 - 1
)

var errShortIndex = errors.New("index data truncated")

// nextPow2 returns the next highest power of two above a given number.
func nextPow2(n int64) int64 {
	return 1 << (64 - bits.LeadingZeros64(uint64(n)))
}

// Table is an immutable hash table that provides constant-time lookups of key
// indices using a perfect hash.
type Table struct {
	seeds     []uint32 // power of 2 size
	seedsMask uint64   // len(seeds) - 1
	slots     []uint32 // power of 2 size > len(keys); 0 is empty, otherwise index+1
	slotsMask uint64   // len(slots) - 1
	keys      []string
}

type bucket struct {
	n      uint64
	values []uint32
}

// bySize is used to sort our buckets from most full to least full
type bySize []bucket

func (s bySize) Len() int           { return len(s) }
func (s bySize) Less(i, j int) bool { return len(s[i].values) > len(s[j].values) }
func (s bySize) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Build builds a Table from keys using the "Hash, displace, and compress"
// algorithm described in http://cmph.sourceforge.net/papers/esa09.pdf.
// The slot returned by Lookup for keys[i] is i.
func Build(keys []string) (*Table, error) {
	if len(keys) > maxIndexEntries {
		return nil, fmt.Errorf("too many keys -- we only support %d keys in an index (%d asked for)", maxIndexEntries, len(keys))
	}

	var (
		entryLen  = int64(len(keys))
		level0Len = nextPow2(entryLen / 4)
		level1Len = nextPow2(entryLen)
	)

	if level1Len >= int64(maxUint32) {
		return nil, fmt.Errorf("level1Len too big %d (too many entries)", level1Len)
	}

	var (
		level0Mask    = uint64(level0Len - 1)
		level1Mask    = uint64(level1Len - 1)
		level0        = make([]uint32, level0Len)
		level1        = make([]uint32, level1Len)
		sparseBuckets = make([][]uint32, level0Len)
		seen          = make(map[string]struct{}, len(keys))
	)

	for i, key := range keys {
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("duplicate key: %q", key)
		}
		seen[key] = struct{}{}
		n := farm.Hash64WithSeed(unsafestring.ToBytes(key), 0) & level0Mask
		sparseBuckets[n] = append(sparseBuckets[n], uint32(i))
	}

	var buckets []bucket
	for n, vals := range sparseBuckets {
		if len(vals) > 0 {
			buckets = append(buckets, bucket{n: uint64(n), values: vals})
		}
	}
	sort.Sort(bySize(buckets))

	occ := bitset.New(uint32(level1Len))
	var tmpOcc []uint32
	for _, b := range buckets {
		seed := uint64(1)
	trySeed:
		if seed >= uint64(maxSeedIterations) {
			return nil, errors.New("couldn't find 32-bit seed")
		}
		tmpOcc = tmpOcc[:0]
		for _, i := range b.values {
			n := uint32(farm.Hash64WithSeed(unsafestring.ToBytes(keys[i]), seed) & level1Mask)
			if occ.IsSet(n) {
				for _, n := range tmpOcc {
					occ.Clear(n)
					level1[n] = emptySlot
				}
				seed++
				goto trySeed
			}
			tmpOcc = append(tmpOcc, n)
			occ.Set(n)
			level1[n] = i + 1
		}
		level0[b.n] = uint32(seed)
	}

	if occ.Count() != len(keys) {
		return nil, fmt.Errorf("invariant broken: %d occupied slots for %d keys", occ.Count(), len(keys))
	}

	ownKeys := make([]string, len(keys))
	copy(ownKeys, keys)

	return &Table{
		seeds:     level0,
		seedsMask: level0Mask,
		slots:     level1,
		slotsMask: level1Mask,
		keys:      ownKeys,
	}, nil
}

// Lookup returns the slot for key, or NotFound.  The hash is only perfect for
// the key set the table was built from: a foreign key can land on a slot
// occupied by an unrelated key, so the stored key is always compared before
// reporting a hit.
func (t *Table) Lookup(key string) int {
	v := t.rawSlot(key)
	if v == emptySlot {
		return NotFound
	}
	i := int(v - 1)
	if t.keys[i] != key {
		return NotFound
	}
	return i
}

func (t *Table) rawSlot(key string) uint32 {
	b := unsafestring.ToBytes(key)
	// first we hash the key with a fixed seed, giving us the offset
	// of a seed that perfectly hashes into our second-level table
	seed := t.seeds[farm.Hash64WithSeed(b, 0)&t.seedsMask]
	// next, we use that more-specific seed to re-hash the key, giving
	// us the slot holding the key's dense index (plus one).
	return t.slots[farm.Hash64WithSeed(b, uint64(seed))&t.slotsMask]
}

// Key returns the key stored in slot i.  i must be in [0, Len()).
func (t *Table) Key(i int) string {
	return t.keys[i]
}

// Keys returns the key set in slot order.  The returned slice must not be
// modified.
func (t *Table) Keys() []string {
	return t.keys
}

// Len returns the number of keys in the table.
func (t *Table) Len() int {
	return len(t.keys)
}

// MarshalBinary encodes the table in a flat little-endian layout:
//
//	header (magic, version, key count, seeds len, slots len, padding)
//	seeds  uint32 * seeds len
//	slots  uint32 * slots len
//	keys   (uvarint length, bytes) * key count
func (t *Table) MarshalBinary() ([]byte, error) {
	size := indexHeaderSize + 4*len(t.seeds) + 4*len(t.slots)
	for _, k := range t.keys {
		size += binary.MaxVarintLen32 + len(k)
	}
	buf := make([]byte, indexHeaderSize, size)

	binary.LittleEndian.PutUint32(buf[0:4], magicIndexHeader)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(t.keys)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(t.seeds)))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(t.slots)))

	for _, s := range t.seeds {
		buf = binary.LittleEndian.AppendUint32(buf, s)
	}
	for _, s := range t.slots {
		buf = binary.LittleEndian.AppendUint32(buf, s)
	}
	for _, k := range t.keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
	}
	return buf, nil
}

// UnmarshalBinary decodes a table produced by MarshalBinary, checking that
// every stored key resolves back to its own slot.
func (t *Table) UnmarshalBinary(data []byte) error {
	if len(data) < indexHeaderSize {
		return errShortIndex
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != magicIndexHeader {
		return fmt.Errorf("bad magic number on index (%x) -- not a freeze index or corrupted", magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != formatVersion {
		return fmt.Errorf("this version of freeze can only read v%d indexes; found v%d", formatVersion, version)
	}

	keyCount := uint64(binary.LittleEndian.Uint32(data[8:12]))
	level0Len := uint64(binary.LittleEndian.Uint32(data[12:16]))
	level1Len := uint64(binary.LittleEndian.Uint32(data[16:20]))

	if bits.OnesCount64(level0Len) != 1 || bits.OnesCount64(level1Len) != 1 {
		return fmt.Errorf("bad table sizes %d/%d: must be powers of two", level0Len, level1Len)
	}
	if keyCount > level1Len {
		return fmt.Errorf("key count %d larger than slot count %d", keyCount, level1Len)
	}

	rest := data[indexHeaderSize:]
	if uint64(len(rest)) < 4*(level0Len+level1Len) {
		return errShortIndex
	}

	seeds := make([]uint32, level0Len)
	for i := range seeds {
		seeds[i] = binary.LittleEndian.Uint32(rest[4*i : 4*i+4])
	}
	rest = rest[4*level0Len:]

	slots := make([]uint32, level1Len)
	for i := range slots {
		v := binary.LittleEndian.Uint32(rest[4*i : 4*i+4])
		if uint64(v) > keyCount {
			return fmt.Errorf("slot %d refers to key %d (only %d keys)", i, v, keyCount)
		}
		slots[i] = v
	}
	rest = rest[4*level1Len:]

	keys := make([]string, keyCount)
	for i := range keys {
		kLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < kLen {
			return errShortIndex
		}
		keys[i] = string(rest[n : n+int(kLen)])
		rest = rest[n+int(kLen):]
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after index", len(rest))
	}

	*t = Table{
		seeds:     seeds,
		seedsMask: level0Len - 1,
		slots:     slots,
		slotsMask: level1Len - 1,
		keys:      keys,
	}

	for i, k := range keys {
		if got := t.Lookup(k); got != i {
			return fmt.Errorf("index corrupted: key %q resolves to slot %d, want %d", k, got, i)
		}
	}

	return nil
}

// Copyright 2026 The OpenIndex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openindex implements an open-addressing hash table specialized
// for uint64 keys and values. It is intended as a building block for an
// in-memory memtable or cache index where a generic chaining map carries
// too much constant overhead.
//
// # Layout
//
// The table is a single flat []uint64 whose length is twice the slot
// capacity. Each slot occupies two consecutive words, the key followed by
// the value, so a probe touches the key and its value on the same cache
// line. The slot capacity is always a power of two which turns both the
// hash-to-slot mapping and the probe wraparound into a bitwise AND.
//
// Collisions are resolved by linear probing: a key's probe sequence
// starts at the slot its scrambled hash selects and advances one slot at
// a time with wraparound until the key or an empty slot is found. The
// table doubles once more than 87.5% of the slots are occupied, so an
// empty slot is always reachable and every probe terminates.
//
// # Deletion
//
// Deletion is tombstone-free. Clearing a slot would break the probe
// sequence of any entry that was pushed past it by a collision, so after
// a delete the vacated slot is backfilled by shifting displaced entries
// backward along their probe chains until a genuinely empty slot ends the
// chain. Probe lengths therefore never degrade over time, no matter how
// many entries come and go.
//
// # The reserved key
//
// A zero key word marks an empty slot, which makes the key 0 itself
// unstorable in the slot array. Its entry lives in a dedicated side
// channel instead. This trades a single reserved key for not needing a
// separate occupancy bitmap, but gives key 0 asymmetric delete semantics;
// see Delete.
//
// A Map is NOT goroutine-safe. The owning layer is expected to serialize
// access, and growth replaces the backing array, so raw references into
// it must not be retained across calls.
package openindex

import (
	"fmt"
	"strings"
)

const (
	debug      = false
	invariants = false

	// initialSlots is the slot capacity a Map starts out with. Always a
	// power of two.
	initialSlots = 64

	// freeKey is the reserved key. A zero key word marks an empty slot,
	// so the entry for key 0 lives in the freeValue/freeSet side channel
	// rather than in the slot array.
	freeKey = 0

	// fibonacciMult is 2^32 divided by the golden ratio. Multiplying by
	// it spreads sequential keys across the high bits.
	fibonacciMult = 0x9E3779B9
)

// Map is an open-addressing hash table from uint64 keys to uint64 values
// with Get, Put, and Delete operations. The zero value for a Map is not
// usable; use New.
type Map struct {
	// data holds the slots. Each slot is two consecutive words, the key
	// followed by the value. len(data) is always a power of two and twice
	// the slot capacity.
	data []uint64
	// dataMask is len(data)-1. Word offsets wrap around the end of the
	// slot array via a bitwise AND with it.
	dataMask uint64
	// slotMask is the slot capacity minus one. It maps a scrambled hash
	// to a slot index.
	slotMask uint64
	// limit is the maximum occupied slot count before the table doubles,
	// fixed at 87.5% of the slot capacity.
	limit uint64
	// used is the number of slots currently holding a non-reserved key.
	used uint64
	// freeValue and freeSet hold the entry for the reserved key.
	// freeValue survives deletion of the reserved key; only freeSet is
	// cleared. See Delete.
	freeValue uint64
	freeSet   bool
	// hash scrambles a key before it is mapped to a slot. Defaults to
	// scramble.
	hash func(key uint64) uint64
	// The allocator to use for the backing word array.
	allocator Allocator
	// initSlots is the slot capacity to allocate during New. Options may
	// raise it; it is not read afterwards.
	initSlots uint64
}

// New constructs an empty Map with 64 slots (unless raised by
// WithCapacity) and a load limit of 87.5%.
func New(options ...option) *Map {
	m := &Map{
		hash:      scramble,
		allocator: defaultAllocator{},
		initSlots: initialSlots,
	}
	for _, op := range options {
		op.apply(m)
	}
	m.init(m.initSlots)
	return m
}

// init sizes the table for the given slot capacity, which must be a
// power of two.
func (m *Map) init(slots uint64) {
	m.data = m.allocator.AllocWords(int(slots * 2))
	m.dataMask = slots*2 - 1
	m.slotMask = slots - 1
	m.limit = slots / 16 * 14
	m.used = 0
}

// Close releases the backing array to the configured allocator. It is
// unnecessary to close a map using the default allocator. It is invalid
// to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map) Close() {
	if m.data != nil {
		m.allocator.FreeWords(m.data)
		m.data = nil
	}
}

// scramble mixes a key into a pseudo-uniform hash: a fibonacci
// multiplication followed by a fold of the result with its own upper
// half. Two multiplications and no memory access, which matters because
// it runs on every Get, Put, and Delete.
func scramble(key uint64) uint64 {
	h := key * fibonacciMult
	return h * (h >> 16)
}

// index returns the word offset of the first slot in key's probe
// sequence.
func (m *Map) index(key uint64) uint64 {
	return (m.hash(key) & m.slotMask) << 1
}

// next advances a word offset to the following slot, wrapping around the
// end of the slot array.
func (m *Map) next(i uint64) uint64 {
	return (i + 2) & m.dataMask
}

// Get retrieves the value for key, returning ok=false if the key is not
// present. For the reserved key 0 the side channel is consulted
// directly; note that its value outlives its presence (see Delete), so a
// (v, false) result with v != 0 is possible for key 0 and only key 0.
func (m *Map) Get(key uint64) (value uint64, ok bool) {
	if key == freeKey {
		return m.freeValue, m.freeSet
	}
	// The load limit keeps at least 12.5% of the slots empty, so the walk
	// always reaches an empty slot when the key is absent.
	for i := m.index(key); ; i = m.next(i) {
		k := m.data[i]
		if k == key {
			return m.data[i+1], true
		}
		if k == freeKey {
			return 0, false
		}
	}
}

// Put inserts an entry into the map, overwriting the existing value if
// an entry with the same key is already present.
func (m *Map) Put(key, value uint64) {
	if key == freeKey {
		// The reserved key consumes no slot, so there is no growth check
		// either.
		m.freeValue = value
		m.freeSet = true
		return
	}
	i := m.index(key)
	for ; ; i = m.next(i) {
		k := m.data[i]
		if k == key {
			m.data[i+1] = value
			return
		}
		if k == freeKey {
			break
		}
	}
	m.data[i] = key
	m.data[i+1] = value
	m.used++
	if debug {
		fmt.Printf("put(%d): index=%d used=%d limit=%d\n", key, i>>1, m.used, m.limit)
	}
	// The load check runs after the write, never before, so a single Put
	// may momentarily exceed the nominal ratio before the table
	// compensates.
	m.grow()
	if invariants {
		m.checkInvariants()
	}
}

// Delete removes the entry for key, returning its value and ok=false if
// the key was not present.
//
// The reserved key 0 behaves asymmetrically: Delete(0) reports ok=true
// unconditionally and the side channel retains the stale value, only its
// presence is cleared. Every other key reports (0, false) once absent.
func (m *Map) Delete(key uint64) (value uint64, ok bool) {
	if key == freeKey {
		m.freeSet = false
		return m.freeValue, true
	}
	for i := m.index(key); ; i = m.next(i) {
		k := m.data[i]
		if k == freeKey {
			return 0, false
		}
		if k == key {
			value = m.data[i+1]
			m.data[i] = freeKey
			m.used--
			m.unshift(i)
			if invariants {
				m.checkInvariants()
			}
			return value, true
		}
	}
}

// Len returns the number of entries in the map, the reserved key
// included.
func (m *Map) Len() int {
	n := int(m.used)
	if m.freeSet {
		n++
	}
	return n
}

// unshift compacts the probe chains passing through the slot at word
// offset freed, whose key has just been cleared. Any later entry whose
// natural probe start lies at or behind the hole would become
// unreachable once a subsequent empty slot appears, so it is moved
// backward into the hole and the scan resumes from its old position. A
// genuinely empty slot ends the chain; the last vacated slot is cleared
// so that exactly one empty slot remains per net deletion.
func (m *Map) unshift(freed uint64) {
	current := freed
	for {
		last := current
		current = m.next(current)
		for {
			key := m.data[current]
			if key == freeKey {
				m.data[last] = freeKey
				return
			}
			// An entry stays put only while its natural slot lies
			// strictly behind it and ahead of the hole.
			if !inCyclicRange(m.index(key), last, current) {
				break
			}
			current = m.next(current)
		}
		if debug {
			fmt.Printf("unshift: %d <- %d (key=%d)\n", last>>1, current>>1, m.data[current])
		}
		m.data[last] = m.data[current]
		m.data[last+1] = m.data[current+1]
	}
}

// inCyclicRange reports whether the word offset pos lies in the cyclic
// half-open interval (lo, hi], i.e. strictly after lo and at or before
// hi when walking forward with wraparound. The compaction walk never
// asks about lo == hi.
func inCyclicRange(pos, lo, hi uint64) bool {
	if lo < hi {
		return lo < pos && pos <= hi
	}
	// The walk has wrapped around the end of the slot array.
	return lo < pos || pos <= hi
}

// grow doubles the slot capacity once the occupied count exceeds the
// load limit, and is a no-op otherwise. Growth is a full rehash: a
// double-size array is allocated, every entry is reinserted against the
// doubled slotMask through the regular Put path, and the old array is
// released. The reserved-key side channel is carried over untouched.
//
// Callers sensitive to tail latency should note that the Put triggering
// growth costs O(n).
func (m *Map) grow() {
	if m.used <= m.limit {
		return
	}
	old := m.data
	grown := Map{
		hash:      m.hash,
		allocator: m.allocator,
		freeValue: m.freeValue,
		freeSet:   m.freeSet,
	}
	grown.init((m.slotMask + 1) * 2)
	if debug {
		fmt.Printf("grow: slots=%d->%d used=%d\n", m.slotMask+1, grown.slotMask+1, m.used)
	}
	// The new limit is twice the old one, so these reinsertions can never
	// recurse into another grow.
	for i := 0; i < len(old); i += 2 {
		if old[i] != freeKey {
			grown.Put(old[i], old[i+1])
		}
	}
	*m = grown
	m.allocator.FreeWords(old)
}

// checkInvariants verifies that every stored key is reachable through
// its probe sequence with its value intact, that the occupied count
// matches the slot array, and that the load limit holds. Violations are
// structural defects and panic.
func (m *Map) checkInvariants() {
	var used uint64
	for i := uint64(0); i < uint64(len(m.data)); i += 2 {
		key := m.data[i]
		if key == freeKey {
			continue
		}
		used++
		if v, ok := m.Get(key); !ok || v != m.data[i+1] {
			panic(fmt.Sprintf("invariant failed: slot(%d): key %d not reachable [hash=%016x]\n%s",
				i>>1, key, m.hash(key), m.debugString()))
		}
	}
	if used != m.used {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, m.used, m.debugString()))
	}
	if m.used > m.limit {
		panic(fmt.Sprintf("invariant failed: used count %d exceeds load limit %d\n%s",
			m.used, m.limit, m.debugString()))
	}
}

func (m *Map) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "slots=%d used=%d limit=%d free=(%d,%t)\n",
		m.slotMask+1, m.used, m.limit, m.freeValue, m.freeSet)
	for i := uint64(0); i < uint64(len(m.data)); i += 2 {
		if key := m.data[i]; key != freeKey {
			fmt.Fprintf(&buf, "  %4d: %d=%d [home=%d]\n", i>>1, key, m.data[i+1], m.index(key)>>1)
		}
	}
	return buf.String()
}

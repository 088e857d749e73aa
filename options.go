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

package openindex

// option provides an interface to do work on Map while it is being
// created.
type option interface {
	apply(m *Map)
}

type hashOption struct {
	hash func(key uint64) uint64
}

func (op hashOption) apply(m *Map) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function used to map keys to
// slots. The default is the fibonacci scramble. A hash with poor mixing
// lengthens probe chains but never affects correctness, which makes this
// option useful for forcing degenerate probe behavior in tests.
func WithHash(hash func(key uint64) uint64) option {
	return hashOption{hash}
}

type capacityOption struct {
	capacity int
}

func (op capacityOption) apply(m *Map) {
	if op.capacity <= 0 {
		return
	}
	slots := uint64(initialSlots)
	for slots/16*14 < uint64(op.capacity) && slots < 1<<62 {
		slots *= 2
	}
	m.initSlots = slots
}

// WithCapacity is an option to size the initial slot array so that
// capacity entries fit without growth. The slot count is rounded up to
// the next power of two whose load limit covers the requested capacity,
// and is never below the default 64 slots. Non-positive capacities
// leave the default untouched.
func WithCapacity(capacity int) option {
	return capacityOption{capacity}
}

// Allocator specifies an interface for allocating and releasing the word
// array backing a Map. The default allocator utilizes Go's builtin
// make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Map.Close must be
// called in order to ensure the final word array is freed.
type Allocator interface {
	// AllocWords should return a slice equivalent to make([]uint64, n).
	AllocWords(n int) []uint64

	// FreeWords can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocWords.
	FreeWords(v []uint64)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocWords(n int) []uint64 {
	return make([]uint64, n)
}

func (defaultAllocator) FreeWords(v []uint64) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(m *Map) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a
// Map.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

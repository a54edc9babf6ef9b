// Copyright 2025 The Probekit Authors
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

// Package linear implements a generic hash table that maps keys to values
// using open addressing with linear probing. If you're not familiar with
// open-addressing see https://en.wikipedia.org/wiki/Open_addressing.
//
// # Design
//
// All entries live directly in a single slot array whose length is always a
// power of two (minimum 4 once allocated). Each slot is a tagged record
// holding a key, a value, and a one byte mark that is one of empty (never
// written), live, or dead (a deletion tombstone). Keeping the three pieces
// of per-slot state in one record means they cannot fall out of sync the
// way separately managed parallel arrays can.
//
// A probe for a key starts at hash(key) & (capacity-1) and walks forward
// one slot at a time, wrapping at the end of the array. The probe stops at
// an empty slot, or at any non-empty slot whose key equals the probe key.
// Crucially, a tombstone holding a different key does not stop the probe:
// keys inserted before a deletion may have probed through the now-dead slot
// on their way to their home, and terminating at the tombstone would make
// them unreachable. A tombstone holding the same key does stop the probe,
// which lets an insert revive the slot in place instead of creating a
// duplicate entry further down the chain.
//
// Deletion marks a slot dead rather than empty and keeps the key in place,
// so the probe chains of the remaining entries stay intact. Dead slots
// left by other keys are not reclaimed by later inserts; they are dropped
// wholesale the next time the table is rehashed. Rehashing happens when
// the table grows, and also at unchanged capacity when tombstones would
// otherwise crowd out the last empty slot, since an empty slot must always
// exist for unsuccessful probes to terminate.
//
// The table grows by doubling when an insert would bring the number of
// live entries up to the growth threshold, which is the configured maximum
// load factor (clamped into [0.20, 0.75]) times the capacity, rounded
// down. Growth rehashes only the live entries into a fresh array under the
// new mask and discards every tombstone. Doubling keeps the amortized cost
// of insertion constant, and the threshold guarantees that at least one
// empty slot always exists, which is what makes every probe terminate.
//
// A Map trades the builtin map's bucket-and-overflow layout for a flat
// array that is simple to reason about and cheap to clone, and it exposes
// the knobs the builtin map hides: the load factor, the hash function, and
// the allocator used for slot storage.
//
// A Map is NOT goroutine-safe.
package linear

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"
	"unsafe"
)

const (
	debug = false

	// minCapacity is the smallest slot count an allocated table can have.
	minCapacity = 4

	// Bounds that every max-load-factor assignment is clamped into. The
	// ceiling keeps probe chains short; the floor keeps a low setting from
	// inflating the table beyond all proportion.
	loadFactorFloor = 0.20
	loadFactorCeil  = 0.75
)

// mark records the state of a slot: never written, holding a live entry,
// or holding a deletion tombstone.
type mark uint8

const (
	markEmpty mark = iota
	markLive
	markDead
)

// Slot holds a key, a value, and the mark that says whether the pair is
// live, deleted, or never written.
type Slot[K comparable, V any] struct {
	key   K
	value V
	mark  mark
}

// Map is an unordered map from keys to values with Put, Get, Delete, and
// All operations. By default a Map[K,V] uses the same hash function as
// Go's builtin map[K]V, though a different hash function can be specified
// using the WithHash option.
//
// A Map is NOT goroutine-safe. The pointer returned by GetOrInsert is
// valid only until the next structural mutation (a growth or a Delete).
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. By default it is
	// extracted from the Go runtime's implementation of map[K]struct{}.
	hash hashFn
	seed uintptr
	// The allocator to use for the slot array.
	allocator Allocator[K, V]
	// slots is the slot array; len(slots) is the capacity and is always
	// zero or a power of two >= minCapacity, so len(slots)-1 doubles as
	// the probe mask: i & (len(slots)-1) computes i % len(slots).
	slots []Slot[K, V]
	// The number of live entries. Always strictly below the capacity.
	size int
	// The number of tombstones. live+dead is always strictly below the
	// capacity so that at least one empty slot exists to terminate
	// unsuccessful probes.
	dead int
	// The size at which an insert triggers growth:
	// floor(maxLoad * capacity).
	threshold int
	// The configured maximum load factor, clamped into
	// [loadFactorFloor, loadFactorCeil].
	maxLoad float64
}

// New constructs a Map with the specified initial capacity and maximum
// load factor. The capacity is normalized to the smallest power of two
// that is at least max(initialCapacity, 4) and the load factor is clamped
// into [0.20, 0.75]; out-of-range arguments are adjusted, never rejected.
// The zero value for a Map is not usable; construct with New or Init.
func New[K comparable, V any](
	initialCapacity int, maxLoadFactor float64, options ...option[K, V],
) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, maxLoadFactor, options...)
	return m
}

// Init initializes a Map in place, releasing any storage it already
// holds. It accepts the same arguments as New and is useful for reusing a
// table across runs without reallocating the Map itself.
func (m *Map[K, V]) Init(
	initialCapacity int, maxLoadFactor float64, options ...option[K, V],
) {
	if m.allocator != nil && m.slots != nil {
		m.allocator.Free(m.slots)
	}
	*m = Map[K, V]{
		hash:      getRuntimeHasher[K](),
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
		maxLoad:   clampLoadFactor(maxLoadFactor),
	}
	for _, op := range options {
		op.apply(m)
	}
	capacity := normalizeCapacity(initialCapacity)
	m.slots = m.allocator.Alloc(capacity)
	m.threshold = int(m.maxLoad * float64(capacity))
	m.checkInvariants()
}

// normalizeCapacity returns the smallest power of two that is at least
// max(n, minCapacity).
func normalizeCapacity(n int) int {
	if n <= minCapacity {
		return minCapacity
	}
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len(uint(n))
}

// clampLoadFactor clamps f into [loadFactorFloor, loadFactorCeil].
func clampLoadFactor(f float64) float64 {
	return min(max(f, loadFactorFloor), loadFactorCeil)
}

// seek returns the index of the slot where key lives, or of the slot that
// terminates key's probe sequence. The returned slot is empty (key is
// absent), live with a matching key (key is present), or dead with a
// matching key (key was deleted and its tombstone still holds its place
// in the chain). Dead slots holding other keys are probed through.
//
// seek requires len(m.slots) > 0. It terminates because inserts keep
// live+dead strictly below the capacity, so at least one empty slot
// always exists.
func (m *Map[K, V]) seek(key K) int {
	mask := len(m.slots) - 1
	i := int(m.hash(noescape(unsafe.Pointer(&key)), m.seed)) & mask
	for {
		s := &m.slots[i]
		if s.mark == markEmpty || s.key == key {
			if debug {
				fmt.Printf("seek(%v): index=%d mark=%d\n", key, i, s.mark)
			}
			return i
		}
		i = (i + 1) & mask
	}
}

// GetOrInsert returns a pointer to the value stored for key, inserting
// the zero value first if key is absent. The pointer allows in-place
// updates of the stored value and remains valid until the next growth or
// Delete.
func (m *Map[K, V]) GetOrInsert(key K) *V {
	if len(m.slots) == 0 {
		m.grow()
	}
	i := m.seek(key)
	if m.slots[i].mark == markLive {
		return &m.slots[i].value
	}

	// Grow before writing so that the new entry lands with the live count
	// still strictly below the threshold.
	for m.size+1 >= m.threshold {
		m.grow()
		// Growth moves every entry; probe again under the new mask.
		i = m.seek(key)
	}
	if m.slots[i].mark == markEmpty && m.size+m.dead+1 == len(m.slots) {
		// Consuming the last empty slot would leave unsuccessful probes
		// nowhere to stop. The live count is below the threshold, so it
		// is tombstones that are crowding the table: rehash at the same
		// capacity to drop them and restore the empties.
		m.rehash(len(m.slots))
		i = m.seek(key)
	}
	s := &m.slots[i]
	if s.mark == markDead {
		m.dead--
	}
	s.key = key
	s.mark = markLive
	m.size++
	m.checkInvariants()
	return &m.slots[i].value
}

// Put inserts an entry into the map, overwriting the existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	*m.GetOrInsert(key) = value
}

// Set is a synonym for Put.
func (m *Map[K, V]) Set(key K, value V) {
	m.Put(key, value)
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if len(m.slots) == 0 {
		return value, false
	}
	if s := &m.slots[m.seek(key)]; s.mark == markLive {
		return s.value, true
	}
	return value, false
}

// Contains reports whether key is present in the map.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete deletes the entry corresponding to the specified key from the
// map. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) {
	if len(m.slots) == 0 {
		return
	}
	if s := &m.slots[m.seek(key)]; s.mark == markLive {
		var zero V
		// The key stays in place: it terminates the probe for its own
		// reinsertion and holds the chains of later entries together.
		// The value is dropped so the table does not retain whatever it
		// references. The slot itself is reclaimed at the next growth.
		s.value = zero
		s.mark = markDead
		m.size--
		m.dead++
		if debug {
			fmt.Printf("delete(%v): size=%d\n", key, m.size)
		}
	}
	m.checkInvariants()
}

// grow doubles the capacity of the table (minimum 4 from the zero state).
// Doubling keeps the amortized cost of insertion constant.
func (m *Map[K, V]) grow() {
	newCapacity := minCapacity
	if len(m.slots) > 0 {
		newCapacity = 2 * len(m.slots)
	}
	m.rehash(newCapacity)
}

// rehash rebuilds the table at newCapacity, reinserting the live entries
// under the new mask and dropping every tombstone. This is the only
// operation whose cost is proportional to the number of entries.
func (m *Map[K, V]) rehash(newCapacity int) {
	old := m.slots
	m.slots = m.allocator.Alloc(newCapacity)
	m.threshold = int(m.maxLoad * float64(newCapacity))
	m.dead = 0
	for i := range old {
		if old[i].mark == markLive {
			m.uncheckedPut(old[i].key, old[i].value)
		}
	}
	if old != nil {
		m.allocator.Free(old)
	}
	if debug {
		fmt.Printf("rehash: capacity=%d->%d threshold=%d size=%d\n",
			len(old), newCapacity, m.threshold, m.size)
	}
	m.checkInvariants()
}

// uncheckedPut inserts an entry known not to be in the table. Used by
// rehash, which fills a fresh, tombstone-free slot array: the first empty
// slot on the probe sequence is necessarily the insertion point.
func (m *Map[K, V]) uncheckedPut(key K, value V) {
	mask := len(m.slots) - 1
	i := int(m.hash(noescape(unsafe.Pointer(&key)), m.seed)) & mask
	for m.slots[i].mark != markEmpty {
		i = (i + 1) & mask
	}
	m.slots[i] = Slot[K, V]{key: key, value: value, mark: markLive}
}

// Clear releases all storage back to the allocator and resets the map to
// the empty, zero-capacity state. The configured max load factor is
// retained so the map remains usable; the next insert allocates afresh.
func (m *Map[K, V]) Clear() {
	if m.slots != nil {
		m.allocator.Free(m.slots)
		m.slots = nil
	}
	m.size = 0
	m.dead = 0
	m.threshold = 0
	m.checkInvariants()
}

// Clone returns an independent deep copy of the map. Mutating the clone
// does not affect the original and vice versa.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		hash:      m.hash,
		seed:      m.seed,
		allocator: m.allocator,
		size:      m.size,
		dead:      m.dead,
		threshold: m.threshold,
		maxLoad:   m.maxLoad,
	}
	if m.slots != nil {
		c.slots = c.allocator.Alloc(len(m.slots))
		copy(c.slots, m.slots)
	}
	c.checkInvariants()
	return c
}

// Equal reports whether a and b hold the same set of keys with equal
// values. Capacity, insertion order, and tombstone layout do not
// participate in the comparison.
func Equal[K, V comparable](a, b *Map[K, V]) bool {
	return EqualFunc(a, b, func(v1, v2 V) bool { return v1 == v2 })
}

// EqualFunc is like Equal but compares values using eq. Keys are still
// compared with ==.
func EqualFunc[K comparable, V1, V2 any](
	a *Map[K, V1], b *Map[K, V2], eq func(V1, V2) bool,
) bool {
	if a.size != b.size {
		return false
	}
	// Equal sizes make one-directional containment sufficient: every live
	// key of a found in b with an equal value accounts for all of b.
	for i := range a.slots {
		if a.slots[i].mark != markLive {
			continue
		}
		v2, ok := b.Get(a.slots[i].key)
		if !ok || !eq(a.slots[i].value, v2) {
			return false
		}
	}
	return true
}

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, iteration stops. The iteration order is
// unspecified and will differ from run to run.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := range m.slots {
		if m.slots[i].mark == markLive {
			if !yield(m.slots[i].key, m.slots[i].value) {
				return
			}
		}
	}
}

// Len returns the number of live entries in the map.
func (m *Map[K, V]) Len() int {
	return m.size
}

// Cap returns the current slot capacity of the map. It is zero for a
// cleared map and a power of two >= 4 otherwise.
func (m *Map[K, V]) Cap() int {
	return len(m.slots)
}

// LoadFactor returns size/capacity, or 0 if the capacity is zero.
func (m *Map[K, V]) LoadFactor() float64 {
	if len(m.slots) == 0 {
		return 0
	}
	return float64(m.size) / float64(len(m.slots))
}

// MaxLoadFactor returns the configured maximum load factor.
func (m *Map[K, V]) MaxLoadFactor() float64 {
	return m.maxLoad
}

// SetMaxLoadFactor sets the maximum load factor, clamping the argument
// into [0.20, 0.75], and recomputes the growth threshold. Lowering the
// factor can retroactively force growth: if the current size already
// meets or exceeds the new threshold the table grows immediately, with no
// new insertions required.
func (m *Map[K, V]) SetMaxLoadFactor(f float64) {
	m.maxLoad = clampLoadFactor(f)
	m.threshold = int(m.maxLoad * float64(len(m.slots)))
	for m.size > 0 && m.size >= m.threshold {
		m.grow()
	}
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		capacity := len(m.slots)
		if capacity != 0 {
			if capacity < minCapacity || capacity&(capacity-1) != 0 {
				panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two >= %d\n%s",
					capacity, minCapacity, m.debugString()))
			}
			if expected := int(m.maxLoad * float64(capacity)); m.threshold != expected {
				panic(fmt.Sprintf("invariant failed: threshold is %d, but expected %d\n%s",
					m.threshold, expected, m.debugString()))
			}
			if m.size >= capacity {
				panic(fmt.Sprintf("invariant failed: size %d is not below capacity %d\n%s",
					m.size, capacity, m.debugString()))
			}
			if m.size+m.dead >= capacity {
				panic(fmt.Sprintf("invariant failed: no empty slot left (size=%d dead=%d capacity=%d)\n%s",
					m.size, m.dead, capacity, m.debugString()))
			}
		} else if m.size != 0 || m.dead != 0 || m.threshold != 0 {
			panic(fmt.Sprintf("invariant failed: zero-capacity map has size=%d dead=%d threshold=%d",
				m.size, m.dead, m.threshold))
		}
		if m.maxLoad < loadFactorFloor || m.maxLoad > loadFactorCeil {
			panic(fmt.Sprintf("invariant failed: max load factor %f is outside [%f, %f]",
				m.maxLoad, loadFactorFloor, loadFactorCeil))
		}

		// Every live key must be findable via Get, and the live and dead
		// counts must match the marks.
		var live, dead int
		for i := range m.slots {
			switch m.slots[i].mark {
			case markDead:
				dead++
			case markLive:
				live++
				if _, ok := m.Get(m.slots[i].key); !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
						i, m.slots[i].key, m.debugString()))
				}
			}
		}
		if live != m.size {
			panic(fmt.Sprintf("invariant failed: found %d live slots, but size is %d\n%s",
				live, m.size, m.debugString()))
		}
		if dead != m.dead {
			panic(fmt.Sprintf("invariant failed: found %d dead slots, but dead count is %d\n%s",
				dead, m.dead, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  size=%d  threshold=%d  max-load-factor=%.2f\n",
		len(m.slots), m.size, m.threshold, m.maxLoad)
	for i := range m.slots {
		switch s := &m.slots[i]; s.mark {
		case markEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case markDead:
			fmt.Fprintf(&buf, "  %4d: dead (%v)\n", i, s.key)
		default:
			fmt.Fprintf(&buf, "  %4d: %v=%v\n", i, s.key, s.value)
		}
	}
	return buf.String()
}

// Copyright 2024 The Cockroach Authors
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

// package swiss is a Go implementation of Swiss Tables as described in
// https://abseil.io/about/design/swisstables. See also:
// https://faultlore.com/blah/hashbrown-tldr/.
//
// # Swiss Tables
//
// Swiss tables are hash tables that map keys to values, similar to Go's
// builtin map type. Swiss tables use open-addressing rather than chaining to
// handle collisions. A hybrid between linear and quadratic probing is used -
// linear probing within groups of 16 slots and quadratic probing at the group
// level. The key design choice of Swiss tables is the usage of a separate
// metadata array that stores 1 byte per slot in the table. 7-bits of this
// "control byte" are taken from hash(key) and the remaining bit is used to
// indicate whether the slot is empty, removed or full. The metadata array
// allows quick probes: on amd64 the 16 control bytes of a group are compared
// at once with SSE2, elsewhere two 64-bit words are compared with bit tricks
// (SWAR, SIMD Within A Register).
//
// A table's layout is N slots where N is 0 or a power of 2 no smaller than 16,
// and N+15 control bytes. The [N:N+15] control bytes mirror the first 15
// control bytes so that a group read starting at any index in [0,N) stays
// within the control bytes array.
//
// Probing is done by taking the top 57 bits of hash(key)%N as the index into
// the control bytes and then performing a check of the 16 control bytes at
// that index. Groups are not aligned on a 16 byte boundary. Probing walks
// through groups using triangular steps (see probeSeq) until it finds a group
// that has at least one empty slot.
//
// Deletion is performed using tombstones (ctrlRemoved). A tombstone keeps
// probing going past its group exactly like a full slot does, but may be
// reused by a later insertion.
//
// # Growth
//
// A table holds at most 7/8 of its capacity in live entries. Inserting past
// that limit doubles the capacity (an empty table grows to 16) and reinserts
// every live entry into the new storage. If tombstones rather than live
// entries are what exhausts the empty slots, the table is rebuilt at the same
// capacity, dropping the tombstones. Deletion never shrinks a table.
//
// # Failure
//
// There are two fatal conditions, both reported by panicking: the Allocator
// failing to provide storage, and a probe sequence visiting every group
// without finding an empty slot. The latter is unreachable unless the hash
// function is impure.
package swiss

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

const debug = false

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. It is inspired by Google's Swiss Tables design as implemented
// in Abseil's flat_hash_map. By default, a Map[K,V] hashes integer keys by
// mixing their bits with Mix64 and other keys with hash/maphash, though a
// different hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function to each keys of type K.
	hash func(key K) uint64
	// The allocator to use for the backing block.
	allocator Allocator[K, V]
	// tag is passed to the allocator with every request.
	tag string
	// block is the storage returned by the allocator, retained so it can be
	// handed back to Free. It is the zero Block when capacity == 0.
	block Block[K, V]
	// ctrls is capacity+groupSize-1 in length. A copy of the first
	// groupSize-1 elements of ctrls is mirrored into the remaining slots
	// which is done so that a probe sequence which picks a value near the end
	// of ctrls will have valid control bytes to look at.
	//
	// When the map is empty, ctrls points to emptyCtrls which will never be
	// modified and is used to simplify the Put, Get, and Delete code which
	// doesn't have to check for a nil ctrls.
	ctrls unsafeSlice[ctrl]
	// slots is capacity in length.
	slots unsafeSlice[Slot[K, V]]
	// The total number slots (0 or 2^N with N >= 4). capacity-1 is used as a
	// mask to quickly compute i%capacity using a bitwise & operation.
	capacity uintptr
	// The number of filled slots (i.e. the number of elements in the map).
	used int
	// The number of entries that can still be added before the map must
	// grow: maxLoad(capacity) - used.
	growthLeft int
	// The number of slots holding a tombstone.
	removed int
	// Counters reported by Stats.
	resizes      int
	purges       int
	rehashProbes uintptr
}

// New constructs a new empty Map. The map holds no storage until the first
// Put, which allocates room for 16 slots.
func New[K comparable, V any](options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(options...)
	return m
}

// Init initializes a Map with the specified options, discarding any prior
// contents without releasing them to the allocator. Init is an alternative
// to New that allows a Map to be embedded in another structure. The zero
// value for a Map is not usable until Init is called.
func (m *Map[K, V]) Init(options ...Option[K, V]) {
	*m = Map[K, V]{
		hash:      defaultHasher[K](),
		allocator: defaultAllocator[K, V]{},
		ctrls:     makeUnsafeSlice(emptyCtrls[:]),
	}

	for _, op := range options {
		op.apply(m)
	}

	m.checkInvariants()
}

// Close releases the map's storage back to its configured allocator and
// returns the map to its initial empty state. It is unnecessary to close a
// map using the default allocator. Close is idempotent and a closed map may
// be used again.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.Free(m.block, m.tag)
	}
	m.reset()
}

// reset points the map back at emptyCtrls without touching the allocator.
func (m *Map[K, V]) reset() {
	m.block = Block[K, V]{}
	m.ctrls = makeUnsafeSlice(emptyCtrls[:])
	m.slots = makeUnsafeSlice([]Slot[K, V](nil))
	m.capacity = 0
	m.used = 0
	m.growthLeft = 0
	m.removed = 0
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	// Put is find composed with uncheckedPut. We perform find to see if the
	// key is already present. If it is, we're done and overwrite the existing
	// value. If the value isn't present we perform an uncheckedPut which
	// inserts an entry known not to be in the table (violating this
	// requirement will cause the table to behave erratically).
	h := m.hash(key)

	// NB: Unlike the abseil swiss table implementation which uses a common
	// find routine for Get, Put, and Delete, we have to manually inline the
	// find routine for performance.
	seq := makeProbeSeq(h1(h), m.capacity)
	if debug {
		fmt.Printf("put(%v): %s\n", key, seq)
	}

	for ; ; seq = seq.next() {
		g := m.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		if debug {
			fmt.Printf("put(probing): offset=%d h2=%02x match=%s [% 02x]\n",
				seq.offset, h2(h), match, m.ctrls.Slice(seq.offset, seq.offset+groupSize))
		}

		for match != 0 {
			i := seq.offsetAt(match.first())
			slot := m.slots.At(i)
			if key == slot.key {
				if debug {
					fmt.Printf("put(updating): index=%d  key=%v\n", i, key)
				}
				slot.value = value
				m.checkInvariants()
				return
			}
			match = match.removeFirst()
		}

		if g.matchEmpty() != 0 {
			break
		}
	}

	m.uncheckedPut(h, key, value)
	m.checkInvariants()
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if v := m.Find(key); v != nil {
		return *v, true
	}
	return value, false
}

// Contains reports whether the map holds an entry for key.
func (m *Map[K, V]) Contains(key K) bool {
	return m.Find(key) != nil
}

// Find returns a pointer to the value stored for key, or nil if the key is
// not present. The pointer refers into the map's storage and is only valid
// until the next Put, Delete, Clear or Close.
func (m *Map[K, V]) Find(key K) *V {
	h := m.hash(key)

	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits every
	// group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire group
	// starting with that index and extract potential candidates: occupied slots
	// with a control byte equal to h2(hash(key)). The key at candidate slot y
	// is compared with key; if key == m.slots[y].key we are done and return y;
	// otherwise we continue. If we find an empty slot in the group, we stop:
	// insertion never places a key past a group with an empty slot, so the key
	// cannot be further along. Tombstones (ctrlRemoved) behave like full slots
	// that never match the value we're looking for.
	//
	// The h2 bits ensure when we compare a key we are likely to have actually
	// found the object. With 7 bits of h2 the expected number of false
	// positive comparisons among k wrong objects in the probe sequence is
	// k/128.
	seq := makeProbeSeq(h1(h), m.capacity)
	if debug {
		fmt.Printf("get(%v): %s\n", key, seq)
	}

	for ; ; seq = seq.next() {
		g := m.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		if debug {
			fmt.Printf("get(probing): offset=%d h2=%02x match=%s [% 02x]\n",
				seq.offset, h2(h), match, m.ctrls.Slice(seq.offset, seq.offset+groupSize))
		}

		for match != 0 {
			i := seq.offsetAt(match.first())
			slot := m.slots.At(i)
			if key == slot.key {
				return &slot.value
			}
			match = match.removeFirst()
		}

		if g.matchEmpty() != 0 {
			if debug {
				fmt.Printf("get(not-found): offset=%d\n", seq.offset)
			}
			return nil
		}
	}
}

// Delete deletes the entry corresponding to the specified key from the map.
// It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) {
	h := m.hash(key)
	seq := makeProbeSeq(h1(h), m.capacity)
	if debug {
		fmt.Printf("delete(%v): %s\n", key, seq)
	}

	// The walk continues past a match until a group with an empty slot is
	// found, so that a key present more than once (only possible with an
	// impure hash function) is removed everywhere.
	for ; ; seq = seq.next() {
		g := m.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			i := seq.offsetAt(match.first())
			s := m.slots.At(i)
			if key == s.key {
				*s = Slot[K, V]{}
				m.setCtrl(i, ctrlRemoved)
				m.used--
				m.growthLeft++
				m.removed++
				if debug {
					fmt.Printf("delete(%v): index=%d used=%d growth-left=%d\n",
						key, i, m.used, m.growthLeft)
				}
			}
			match = match.removeFirst()
		}

		if g.matchEmpty() != 0 {
			m.checkInvariants()
			return
		}
	}
}

// Clear deletes all entries from the map. A map that holds entries has its
// storage released and replaced by a fresh block of 16 slots; clearing a map
// that holds no entries does nothing.
func (m *Map[K, V]) Clear() {
	if m.used == 0 {
		return
	}

	block := m.block
	for i := range block.Controls {
		block.Controls[i] = uint8(ctrlEmpty)
	}
	clear(block.Slots)
	m.allocator.Free(block, m.tag)

	m.reset()
	m.allocate(groupSize)
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, range stops the iteration. The map can be mutated
// during iteration, though there is no guarantee that the mutations will be
// visible to the iteration. All has the signature of an iter.Seq2 and can be
// ranged over directly:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the capacity, controls, and slots so that iteration remains
	// valid if the map is resized during iteration.
	capacity := m.capacity
	ctrls := m.ctrls
	slots := m.slots

	for i := uintptr(0); i < capacity; i++ {
		// Match full entries which have a high-bit of zero.
		if ctrls.At(i).isFull() {
			s := slots.At(i)
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Cap returns the number of slots in the map's storage. It is 0 before the
// first Put and otherwise a power of two no smaller than 16.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity)
}

// Stats describes the occupancy of a Map.
type Stats struct {
	// Capacity is the number of slots.
	Capacity int `json:"capacity"`
	// Len is the number of live entries.
	Len int `json:"len"`
	// GrowthLeft is the number of entries that can be added before the map
	// grows.
	GrowthLeft int `json:"growth_left"`
	// Removed is the number of tombstones.
	Removed int `json:"removed"`
	// Resizes counts rebuilds of the storage, including rebuilds at the same
	// capacity that only drop tombstones.
	Resizes int `json:"resizes"`
	// Purges counts rebuilds at the same capacity.
	Purges int `json:"purges"`
	// RehashProbes is the total number of extra groups probed while
	// reinserting entries during the most recent rebuild.
	RehashProbes int `json:"rehash_probes"`
}

// Stats returns occupancy counters for the map.
func (m *Map[K, V]) Stats() Stats {
	return Stats{
		Capacity:     int(m.capacity),
		Len:          m.used,
		GrowthLeft:   m.growthLeft,
		Removed:      m.removed,
		Resizes:      m.resizes,
		Purges:       m.purges,
		RehashProbes: int(m.rehashProbes),
	}
}

// maxLoad returns the number of live entries a table of the given capacity
// may hold: 7/8 of its slots.
func maxLoad(capacity uintptr) int {
	return int(capacity * 7 / 8)
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupSize-1.
func (m *Map[K, V]) setCtrl(i uintptr, v ctrl) {
	*m.ctrls.At(i) = v
	// Mirror the first groupSize-1 control bytes to the end of the ctrls
	// slice. We do this unconditionally which is faster than performing a
	// comparison to do it only for the first groupSize-1 slots. Note that the
	// index will be the identity for slots in the range
	// [groupSize-1,capacity).
	*m.ctrls.At(((i - (groupSize - 1)) & (m.capacity - 1)) + (groupSize - 1)) = v
}

// findInsertPosition returns the index of the first empty or removed slot in
// the probe sequence for h, along with the number of groups probed past the
// first one.
func (m *Map[K, V]) findInsertPosition(h uint64) (uintptr, uintptr) {
	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or removed) slot. The lowest such slot in the group is the target.
	seq := makeProbeSeq(h1(h), m.capacity)
	for ; ; seq = seq.next() {
		if match := m.ctrls.At(seq.offset).matchEmptyOrRemoved(); match != 0 {
			return seq.offsetAt(match.first()), seq.index / groupSize
		}
	}
}

// uncheckedPut inserts an entry known not to be in the table. Used by Put
// after it has failed to find an existing entry to overwrite.
func (m *Map[K, V]) uncheckedPut(h uint64, key K, value V) {
	i, _ := m.findInsertPosition(h)

	// Before performing the insertion we may decide the table is getting
	// overcrowded. Reusing a tombstone never uses up an empty slot, but the
	// number of live entries is bounded regardless of where they land.
	switch {
	case m.growthLeft == 0:
		m.rehash(true)
		i, _ = m.findInsertPosition(h)
	case *m.ctrls.At(i) == ctrlEmpty && m.used+m.removed >= maxLoad(m.capacity):
		m.rehash(false)
		i, _ = m.findInsertPosition(h)
	}

	if debug {
		fmt.Printf("put(inserting): index=%d used=%d growth-left=%d\n", i, m.used+1, m.growthLeft-1)
	}

	if *m.ctrls.At(i) == ctrlRemoved {
		m.removed--
	}
	slot := m.slots.At(i)
	slot.key = key
	slot.value = value
	m.setCtrl(i, ctrl(h2(h)))
	m.used++
	m.growthLeft--
}

// rehash makes room for one more entry. If full is set the table has reached
// its maximum load of live entries and must grow. Otherwise tombstones are
// what fills the table: they are dropped by rebuilding at the same capacity
// if that recovers >= 1/3 of the capacity, and the table grows if not.
func (m *Map[K, V]) rehash(full bool) {
	if m.capacity == 0 {
		m.resize(groupSize)
		return
	}
	if !full && uintptr(m.growthLeft) >= m.capacity/3 {
		m.purges++
		m.resize(m.capacity)
		return
	}
	m.resize(2 * m.capacity)
}

// allocate requests a block with room for newCapacity slots from the
// allocator and installs it with every control byte empty. The previous
// block, if any, is the caller's responsibility.
func (m *Map[K, V]) allocate(newCapacity uintptr) {
	if newCapacity < groupSize || newCapacity&(newCapacity-1) != 0 {
		panic(fmt.Sprintf("swiss: invalid capacity %d", newCapacity))
	}

	b, err := m.allocator.Alloc(int(newCapacity), m.tag)
	if err != nil {
		panic(errors.Wrapf(err, "swiss: allocating %d slots for %q", newCapacity, m.tag))
	}
	if uintptr(len(b.Controls)) != newCapacity+groupSize-1 || uintptr(len(b.Slots)) != newCapacity {
		panic(errors.Errorf("swiss: allocator returned %d controls and %d slots, expected %d and %d",
			len(b.Controls), len(b.Slots), newCapacity+groupSize-1, newCapacity))
	}
	for i := range b.Controls {
		b.Controls[i] = uint8(ctrlEmpty)
	}

	m.block = b
	m.ctrls = makeUnsafeSlice(unsafeConvertSlice[ctrl](b.Controls))
	m.slots = makeUnsafeSlice(b.Slots)
	m.capacity = newCapacity
	m.growthLeft = maxLoad(newCapacity) - m.used
	m.removed = 0
}

// resize moves every entry into a newly allocated block of newCapacity slots
// and releases the old block. Each live entry is reinserted by probing the
// new block (we know that no insertion here will meet an already-present
// key); tombstones are not carried over.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldBlock, oldCtrls, oldSlots, oldCapacity := m.block, m.ctrls, m.slots, m.capacity
	m.allocate(newCapacity)
	m.resizes++

	if debug {
		fmt.Printf("resize: capacity=%d->%d  growth-left=%d\n",
			oldCapacity, newCapacity, m.growthLeft)
	}

	var probes uintptr
	for i := uintptr(0); i < oldCapacity; i++ {
		if !oldCtrls.At(i).isFull() {
			continue
		}
		slot := oldSlots.At(i)
		h := m.hash(slot.key)
		j, n := m.findInsertPosition(h)
		probes += n
		m.setCtrl(j, ctrl(h2(h)))
		*m.slots.At(j) = *slot
	}
	m.rehashProbes = probes

	if oldCapacity > 0 {
		m.allocator.Free(oldBlock, m.tag)
	}

	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err)
		}
	}
}

// validate checks every structural invariant of the map and returns an error
// describing the first violation.
func (m *Map[K, V]) validate() error {
	if m.capacity == 0 {
		if m.ctrls.ptr != unsafe.Pointer(&emptyCtrls[0]) {
			return errors.Errorf("invariant failed: empty map does not use emptyCtrls")
		}
		for i, c := range emptyCtrls {
			if c != ctrlEmpty {
				return errors.Errorf("invariant failed: emptyCtrls[%d]=%02x", i, uint8(c))
			}
		}
		if m.used != 0 || m.growthLeft != 0 || m.removed != 0 {
			return errors.Errorf("invariant failed: empty map has used=%d growth-left=%d removed=%d",
				m.used, m.growthLeft, m.removed)
		}
		return nil
	}

	if m.capacity < groupSize || m.capacity&(m.capacity-1) != 0 {
		return errors.Errorf("invariant failed: capacity %d is not a power of two >= %d", m.capacity, groupSize)
	}

	// Verify the mirrored control bytes are good.
	for i := uintptr(0); i < groupSize-1; i++ {
		j := ((i - (groupSize - 1)) & (m.capacity - 1)) + (groupSize - 1)
		ci := *m.ctrls.At(i)
		cj := *m.ctrls.At(j)
		if ci != cj {
			return errors.Errorf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
				i, uint8(ci), j, uint8(cj), m.debugString())
		}
	}

	// For every full slot, verify the control byte holds the key's H2 and
	// that the key can be retrieved. Count the used and removed slots.
	var used, removed int
	for i := uintptr(0); i < m.capacity; i++ {
		c := *m.ctrls.At(i)
		switch {
		case c == ctrlRemoved:
			removed++
		case c == ctrlEmpty:
		case !c.isFull():
			return errors.Errorf("invariant failed: ctrl(%d)=%02x is not a valid control byte", i, uint8(c))
		default:
			s := m.slots.At(i)
			h := m.hash(s.key)
			if fp, _ := c.fingerprint(); fp != h2(h) {
				return errors.Errorf("invariant failed: ctrl(%d)=%02x but h2(%v)=%02x\n%s",
					i, uint8(c), s.key, h2(h), m.debugString())
			}
			if v := m.Find(s.key); v != &s.value {
				return errors.Errorf("invariant failed: slot(%d): %v not found [h2=%02x h1=%07x]\n%s",
					i, s.key, h2(h), h1(h), m.debugString())
			}
			used++
		}
	}

	if used != m.used {
		return errors.Errorf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, m.used, m.debugString())
	}
	if removed != m.removed {
		return errors.Errorf("invariant failed: found %d removed slots, but removed count is %d",
			removed, m.removed)
	}
	if growthLeft := maxLoad(m.capacity) - used; growthLeft != m.growthLeft || growthLeft < 0 {
		return errors.Errorf("invariant failed: found %d growthLeft, but expected %d",
			m.growthLeft, growthLeft)
	}
	if used+removed > maxLoad(m.capacity) {
		return errors.Errorf("invariant failed: %d used and %d removed slots exceed the load limit %d",
			used, removed, maxLoad(m.capacity))
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  growth-left=%d  removed=%d\n",
		m.capacity, m.used, m.growthLeft, m.removed)
	for i := uintptr(0); i < m.capacity+groupSize-1; i++ {
		switch c := *m.ctrls.At(i); c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlRemoved:
			fmt.Fprintf(&buf, "  %4d: removed\n", i)
		default:
			if i < m.capacity {
				s := m.slots.At(i)
				h := m.hash(s.key)
				fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n", i, s.key, uint8(c), h2(h))
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, uint8(c))
			}
		}
	}
	return buf.String()
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}

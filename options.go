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

package swiss

// Option provide an interface to do work on Map while it is being created.
// See WithHash, WithAllocator and WithTag.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key K) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be pure: equal keys must always produce equal hashes.
// Mix64 can be used to spread the bits of a hand-written hash.
func WithHash[K comparable, V any](hash func(key K) uint64) Option[K, V] {
	return hashOption[K, V]{hash}
}

// Block is the backing storage of a Map: one control byte per slot plus
// groupSize-1 mirrored control bytes, and the slots themselves. A Map always
// requests and releases both halves together.
type Block[K comparable, V any] struct {
	// Controls has length capacity+15.
	Controls []uint8
	// Slots has length capacity.
	Slots []Slot[K, V]
}

// Capacity returns the number of slots in the block.
func (b Block[K, V]) Capacity() int {
	return len(b.Slots)
}

// Allocator specifies an interface for allocating and releasing the backing
// storage of a Map. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that blocks be
// freed then Map.Close must be called in order to ensure Free is called for
// the final block.
type Allocator[K comparable, V any] interface {
	// Alloc should return a block equivalent to
	//
	//	Block{Controls: make([]uint8, capacity+15), Slots: make([]Slot[K,V], capacity)}
	//
	// The contents of Controls are overwritten by the Map; Slots must be
	// zeroed. Returning an error is fatal to the Map requesting the block.
	// The tag is the Map's diagnostic tag (see WithTag).
	Alloc(capacity int, tag string) (Block[K, V], error)

	// Free can optionally release the memory associated with a block that is
	// guaranteed to have been returned by Alloc.
	Free(b Block[K, V], tag string)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) Alloc(capacity int, _ string) (Block[K, V], error) {
	return Block[K, V]{
		Controls: make([]uint8, capacity+groupSize-1),
		Slots:    make([]Slot[K, V], capacity),
	}, nil
}

func (defaultAllocator[K, V]) Free(Block[K, V], string) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type tagOption[K comparable, V any] struct {
	tag string
}

func (op tagOption[K, V]) apply(m *Map[K, V]) {
	m.tag = op.tag
}

// WithTag sets the diagnostic tag a Map[K,V] passes to its Allocator. The tag
// has no effect on the map itself.
func WithTag[K comparable, V any](tag string) Option[K, V] {
	return tagOption[K, V]{tag}
}

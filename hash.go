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

import (
	"fmt"
	"hash/maphash"
	"math/bits"
	"unsafe"
)

// mixSeed is xor'ed into the key bits twice during mixing. It is fixed: Mix64
// is not meant to resist hash flooding.
const mixSeed = 0x517cc1b727220a95

// Mix64 avalanches the 64 bits of v. Every input bit affects every output bit
// with roughly even probability, which makes the low 7 bits (the H2
// fingerprint) and the remaining high bits (H1) usable independently of each
// other. Mix64 is a pure function and returns the same value for the same
// input on every call and in every process.
func Mix64(v uint64) uint64 {
	h := v ^ mixSeed
	h = ^h + (h << 21)
	h ^= bits.RotateLeft64(h, -24)
	h *= 265
	h ^= bits.RotateLeft64(h, -14)
	h ^= mixSeed
	h *= 21
	h ^= bits.RotateLeft64(h, -28)
	h += h << 31
	h = ^h + (h << 18)
	return h
}

// Extracts the H1 portion of a hash: the 57 upper bits. H1 selects the
// starting group of a probe sequence.
func h1(h uint64) uintptr {
	return uintptr(h >> 7)
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) uintptr {
	return uintptr(h & 0x7f)
}

// hashSeed seeds maphash for keys that have no fixed-width bit pattern. It is
// chosen once per process so hashes are stable for the lifetime of a Map.
var hashSeed = maphash.MakeSeed()

// defaultHasher returns the hash function used by a Map[K,V] when WithHash
// was not supplied. Keys of the builtin integer kinds are mixed directly from
// their bit pattern. Strings and all other comparable keys are first reduced
// to 64 bits by hash/maphash.
func defaultHasher[K comparable]() func(key K) uint64 {
	var k K
	switch any(k).(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr:
		return hashIntegerBits[K]
	case string:
		return func(key K) uint64 {
			return Mix64(maphash.String(hashSeed, *(*string)(unsafe.Pointer(&key))))
		}
	default:
		return func(key K) uint64 {
			return Mix64(maphash.Comparable(hashSeed, key))
		}
	}
}

// hashIntegerBits mixes the raw bits of an integer key. K must be one of the
// builtin integer types.
func hashIntegerBits[K comparable](key K) uint64 {
	p := unsafe.Pointer(&key)
	switch unsafe.Sizeof(key) {
	case 1:
		return Mix64(uint64(*(*uint8)(p)))
	case 2:
		return Mix64(uint64(*(*uint16)(p)))
	case 4:
		return Mix64(uint64(*(*uint32)(p)))
	case 8:
		return Mix64(*(*uint64)(p))
	}
	panic(fmt.Sprintf("swiss: unexpected integer key size %d", unsafe.Sizeof(key)))
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// The use of groupSize ensures that each probe step does not overlap groups;
// the sequence effectively outputs the addresses of *groups* (although not
// necessarily aligned to any boundary). The first groupSize-1 control bytes
// are mirrored past the end of the control array so a group starting anywhere
// in [0, capacity) can be read without wrapping, but the slot offsets within
// such a group must still be wrapped with offsetAt.
//
// The sequence visits every group exactly once in the first capacity/groupSize
// steps because (i^2+i)/2 is a bijection in Z/(2^m). The load factor
// guarantees that an Empty control byte is met before then, so walking past
// index == capacity means the table invariants are broken and next panics.
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

// makeProbeSeq starts the probe sequence for hash value h1 in a table of the
// given capacity (0 or a power of two).
func makeProbeSeq(hash, capacity uintptr) probeSeq {
	var mask uintptr
	if capacity > 0 {
		mask = capacity - 1
	}
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index += groupSize
	s.offset = (s.offset + s.index) & s.mask
	if s.index > s.capacity() {
		panic(fmt.Sprintf("swiss: table is full, index: %d, capacity: %d", s.index, s.capacity()))
	}
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

// capacity returns the table capacity the sequence was made for. A zero
// capacity table and a table of capacity 1 share mask 0, but the latter never
// exists.
func (s probeSeq) capacity() uintptr {
	if s.mask == 0 {
		return 0
	}
	return s.mask + 1
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

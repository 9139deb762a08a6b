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
	"encoding/binary"
	"math/bits"
	"strings"
	"unsafe"
)

const (
	// groupSize is the number of control bytes scanned as a unit. It is also
	// the smallest capacity of a table that holds an allocation.
	groupSize = 16

	ctrlEmpty   ctrl = 0b10000000
	ctrlRemoved ctrl = 0b11111111

	bitsetLSB  = 0x0101010101010101
	bitsetMSB  = 0x8080808080808080
	bitsetLow7 = 0x7f7f7f7f7f7f7f7f
)

// Each slot in the hash table has a control byte which can have one of three
// states: empty, removed (a tombstone) and full. They have the following bit
// patterns:
//
//	  empty: 1 0 0 0 0 0 0 0
//	removed: 1 1 1 1 1 1 1 1
//	   full: 0 h h h h h h h  // h represents the H2 hash bits
//
// Read as a signed byte, empty is -128 and removed is -1, so the high bit alone
// separates slots holding live data from slots that do not.
type ctrl uint8

// isFull reports whether the slot holds a live entry.
func (c ctrl) isFull() bool {
	return c&ctrlEmpty == 0
}

// fingerprint returns the H2 bits stored in a full control byte.
func (c ctrl) fingerprint() (uintptr, bool) {
	if !c.isFull() {
		return 0, false
	}
	return uintptr(c), true
}

// emptyCtrls is the control plane of every table with zero capacity. It is a
// single group of empty control bytes so probing needs no nil check: no H2
// ever matches and the first group always reports an empty lane. It is never
// written to; every mutation first grows the table away from it.
var emptyCtrls = [groupSize]ctrl{
	ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty,
	ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty, ctrlEmpty,
}

// bitset is a set of lanes within a group. Bit i is set when lane i (the
// control byte at group offset i) is part of the set.
type bitset uint16

// first returns the lowest lane in the set. Returns groupSize if the set is
// empty.
func (b bitset) first() uintptr {
	return uintptr(bits.TrailingZeros16(uint16(b)))
}

// removeFirst removes the lowest lane from the set.
func (b bitset) removeFirst() bitset {
	return b & (b - 1)
}

// lanes returns the lanes in the set in ascending order.
func (b bitset) lanes() []uintptr {
	var r []uintptr
	for ; b != 0; b = b.removeFirst() {
		r = append(r, b.first())
	}
	return r
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if b&(1<<i) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// The generic group scanner below compares the 16 control bytes of a group as
// two little-endian 64-bit words (SWAR, SIMD Within A Register). Unlike the
// classic haszero bit trick it has no false positive lanes, so its results are
// identical to the vector implementation.

// loadGroup returns the control bytes of the group starting at c as two
// words; lanes 0-7 are in lo and lanes 8-15 in hi, lowest lane in the lowest
// byte.
func loadGroup(c *ctrl) (lo, hi uint64) {
	g := (*[groupSize]byte)(unsafe.Pointer(c))
	return binary.LittleEndian.Uint64(g[:8]), binary.LittleEndian.Uint64(g[8:])
}

// zeroBytes returns a word with 0x80 in every byte position where x has a
// zero byte and 0x00 elsewhere. Adding 0x7f to the low 7 bits of a byte never
// carries into the next byte, so lanes cannot affect each other.
func zeroBytes(x uint64) uint64 {
	t := ((x & bitsetLow7) + bitsetLow7) | x
	return ^t & bitsetMSB
}

// movemask packs the high bit of each byte of w into the low 8 bits of the
// result, byte i going to bit i.
func movemask(w uint64) bitset {
	return bitset((((w & bitsetMSB) >> 7) * 0x0102040810204080) >> 56)
}

func matchH2Generic(c *ctrl, h uintptr) bitset {
	lo, hi := loadGroup(c)
	v := bitsetLSB * uint64(h)
	return movemask(zeroBytes(lo^v)) | movemask(zeroBytes(hi^v))<<8
}

func matchEmptyGeneric(c *ctrl) bitset {
	return matchH2Generic(c, uintptr(ctrlEmpty))
}

func matchEmptyOrRemovedGeneric(c *ctrl) bitset {
	lo, hi := loadGroup(c)
	return movemask(lo) | movemask(hi)<<8
}

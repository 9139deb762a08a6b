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

//go:build !purego

package swiss

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// useSSE2 selects the vector group scanner. When it is false the portable
// scanner is used.
var useSSE2 = cpu.X86.HasSSE2

// matchH2 returns the set of lanes in the group starting at c whose control
// byte equals h.
func (c *ctrl) matchH2(h uintptr) bitset {
	if useSSE2 {
		return bitset(matchH2SSE2((*[groupSize]uint8)(unsafe.Pointer(c)), uint8(h)))
	}
	return matchH2Generic(c, h)
}

// matchEmpty returns the set of lanes in the group starting at c that are
// empty.
func (c *ctrl) matchEmpty() bitset {
	if useSSE2 {
		return bitset(matchH2SSE2((*[groupSize]uint8)(unsafe.Pointer(c)), uint8(ctrlEmpty)))
	}
	return matchEmptyGeneric(c)
}

// matchEmptyOrRemoved returns the set of lanes in the group starting at c
// that are empty or removed, i.e. whose high bit is set.
func (c *ctrl) matchEmptyOrRemoved() bitset {
	if useSSE2 {
		return bitset(matchEmptyOrRemovedSSE2((*[groupSize]uint8)(unsafe.Pointer(c))))
	}
	return matchEmptyOrRemovedGeneric(c)
}

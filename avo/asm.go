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

// Command asm generates the SSE2 group scanner used by package swiss on
// amd64.
package main

import (
	. "github.com/mmcloughlin/avo/build"
	. "github.com/mmcloughlin/avo/operand"
)

//go:generate go run asm.go -out ../group_amd64.s -stubs ../group_stub_amd64.go -pkg swiss

func main() {
	ConstraintExpr("!purego")

	TEXT("matchH2SSE2", NOSPLIT, "func(ctrls *[16]uint8, h uint8) uint16")
	Doc("matchH2SSE2 returns a mask with bit i set when ctrls[i] == h.")
	ptr := Load(Param("ctrls"), GP64())
	h := Load(Param("h"), GP64())

	Comment("Broadcast h into all 16 bytes of an xmm register")
	x0, x1 := XMM(), XMM()
	MOVQ(h, x0)
	PUNPCKLBW(x0, x0)
	PUNPCKLBW(x0, x0)
	PSHUFL(U8(0), x0, x0)

	Comment("Unaligned load of the group; groups start at any control byte")
	MOVOU(Mem{Base: ptr}, x1)
	PCMPEQB(x1, x0)

	mask := GP32()
	PMOVMSKB(x0, mask)
	Store(mask.As16(), ReturnIndex(0))
	RET()

	TEXT("matchEmptyOrRemovedSSE2", NOSPLIT, "func(ctrls *[16]uint8) uint16")
	Doc("matchEmptyOrRemovedSSE2 returns a mask with bit i set when the high bit of ctrls[i] is set.")
	ptr = Load(Param("ctrls"), GP64())
	x2 := XMM()
	MOVOU(Mem{Base: ptr}, x2)

	Comment("Empty and removed are the only control bytes with the high bit set")
	mask = GP32()
	PMOVMSKB(x2, mask)
	Store(mask.As16(), ReturnIndex(0))
	RET()

	Generate()
}

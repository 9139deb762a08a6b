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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// scanner is one implementation of the group queries.
type scanner struct {
	name                string
	matchH2             func(c *ctrl, h uintptr) bitset
	matchEmpty          func(c *ctrl) bitset
	matchEmptyOrRemoved func(c *ctrl) bitset
}

var scanners = []scanner{
	{
		name:                "generic",
		matchH2:             matchH2Generic,
		matchEmpty:          matchEmptyGeneric,
		matchEmptyOrRemoved: matchEmptyOrRemovedGeneric,
	},
	{
		name:                "dispatch",
		matchH2:             (*ctrl).matchH2,
		matchEmpty:          (*ctrl).matchEmpty,
		matchEmptyOrRemoved: (*ctrl).matchEmptyOrRemoved,
	},
}

// naiveMatch is the reference: the lanes of g for which pred holds.
func naiveMatch(g []ctrl, pred func(c ctrl) bool) []uintptr {
	var r []uintptr
	for i := 0; i < groupSize; i++ {
		if pred(g[i]) {
			r = append(r, uintptr(i))
		}
	}
	return r
}

func randomGroup(rng *rand.Rand) []ctrl {
	g := make([]ctrl, groupSize)
	for i := range g {
		switch rng.Intn(4) {
		case 0: // 25% empty
			g[i] = ctrlEmpty
		case 1: // 25% removed
			g[i] = ctrlRemoved
		case 2: // 25% one of a few fingerprints, to force repeats
			g[i] = ctrl(rng.Intn(4))
		default: // 25% full
			g[i] = ctrl(rng.Intn(128))
		}
	}
	return g
}

func TestMatchH2(t *testing.T) {
	ctrls := []ctrl{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x10}
	for _, s := range scanners {
		t.Run(s.name, func(t *testing.T) {
			for i := uintptr(1); i <= groupSize; i++ {
				match := s.matchH2(&ctrls[0], i)
				require.EqualValues(t, i-1, match.first())
				require.EqualValues(t, 0, match.removeFirst())
			}
			require.EqualValues(t, 0, s.matchH2(&ctrls[0], 0x7f))
		})
	}
}

func TestMatchEmpty(t *testing.T) {
	testCases := []struct {
		ctrls    []ctrl
		expected []uintptr
	}{
		{[]ctrl{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x10}, nil},
		{[]ctrl{0x1, 0x2, 0x3, ctrlEmpty, 0x5, ctrlRemoved, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x10}, []uintptr{3}},
		{[]ctrl{0x1, 0x2, 0x3, ctrlEmpty, 0x5, 0x6, ctrlEmpty, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, ctrlEmpty}, []uintptr{3, 6, 15}},
	}
	for _, s := range scanners {
		t.Run(s.name, func(t *testing.T) {
			for _, c := range testCases {
				require.Equal(t, c.expected, s.matchEmpty(&c.ctrls[0]).lanes())
			}
		})
	}
}

func TestMatchEmptyOrRemoved(t *testing.T) {
	testCases := []struct {
		ctrls    []ctrl
		expected []uintptr
	}{
		{[]ctrl{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x7f}, nil},
		{[]ctrl{0x1, 0x2, ctrlEmpty, ctrlRemoved, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, ctrlRemoved}, []uintptr{2, 3, 15}},
	}
	for _, s := range scanners {
		t.Run(s.name, func(t *testing.T) {
			for _, c := range testCases {
				require.Equal(t, c.expected, s.matchEmptyOrRemoved(&c.ctrls[0]).lanes())
			}
		})
	}
}

// TestScannerProperties checks every scanner against the naive definition of
// each query on random groups read at every alignment.
func TestScannerProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, s := range scanners {
		t.Run(s.name, func(t *testing.T) {
			for iter := 0; iter < 500; iter++ {
				buf := append(randomGroup(rng), randomGroup(rng)...)
				for off := 0; off <= groupSize; off++ {
					g := buf[off : off+groupSize]
					for _, h := range []uintptr{0, 1, 2, 3, uintptr(rng.Intn(128)), 0x7f} {
						want := naiveMatch(g, func(c ctrl) bool { return c == ctrl(h) })
						if diff := cmp.Diff(want, s.matchH2(&g[0], h).lanes()); diff != "" {
							t.Fatalf("matchH2(%02x) on % 02x (-want +got):\n%s", h, g, diff)
						}
					}
					want := naiveMatch(g, func(c ctrl) bool { return c == ctrlEmpty })
					if diff := cmp.Diff(want, s.matchEmpty(&g[0]).lanes()); diff != "" {
						t.Fatalf("matchEmpty on % 02x (-want +got):\n%s", g, diff)
					}
					want = naiveMatch(g, func(c ctrl) bool { return !c.isFull() })
					if diff := cmp.Diff(want, s.matchEmptyOrRemoved(&g[0]).lanes()); diff != "" {
						t.Fatalf("matchEmptyOrRemoved on % 02x (-want +got):\n%s", g, diff)
					}
				}
			}
		})
	}
}

func TestScannerEmptyCtrls(t *testing.T) {
	for _, s := range scanners {
		t.Run(s.name, func(t *testing.T) {
			for h := uintptr(0); h < 128; h++ {
				require.EqualValues(t, 0, s.matchH2(&emptyCtrls[0], h))
			}
			require.EqualValues(t, 0xffff, s.matchEmpty(&emptyCtrls[0]))
			require.EqualValues(t, 0xffff, s.matchEmptyOrRemoved(&emptyCtrls[0]))
		})
	}
}

func TestBitset(t *testing.T) {
	var b bitset
	require.EqualValues(t, groupSize, b.first())
	require.Nil(t, b.lanes())

	b = 1<<0 | 1<<5 | 1<<15
	require.EqualValues(t, 0, b.first())
	require.Equal(t, []uintptr{0, 5, 15}, b.lanes())
	require.Equal(t, "1000010000000001", b.String())
	b = b.removeFirst()
	require.EqualValues(t, 5, b.first())
}

func TestCtrl(t *testing.T) {
	require.False(t, ctrlEmpty.isFull())
	require.False(t, ctrlRemoved.isFull())
	empty, removed := ctrlEmpty, ctrlRemoved
	require.EqualValues(t, -128, int8(empty))
	require.EqualValues(t, -1, int8(removed))
	for h := 0; h < 128; h++ {
		fp, ok := ctrl(h).fingerprint()
		require.True(t, ok)
		require.EqualValues(t, h, fp)
	}
	_, ok := ctrlRemoved.fingerprint()
	require.False(t, ok)
}

func TestMovemask(t *testing.T) {
	for i := 0; i < 256; i++ {
		var w uint64
		for lane := 0; lane < 8; lane++ {
			if i&(1<<lane) != 0 {
				w |= 0x80 << (lane * 8)
			}
		}
		require.EqualValues(t, i, movemask(w))
	}
}

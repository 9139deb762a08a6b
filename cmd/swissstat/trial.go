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

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/ctrlbyte/swiss"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Growth records the table length at which the capacity changed.
type Growth struct {
	Len      int `json:"len"`
	Capacity int `json:"capacity"`
}

// TrialReport describes one table after its workload completed.
type TrialReport struct {
	Trial  int         `json:"trial"`
	Seed   int64       `json:"seed"`
	Ops    int         `json:"ops"`
	Load   float64     `json:"load"`
	Growth []Growth    `json:"growth"`
	Stats  swiss.Stats `json:"stats"`
}

type recorder struct {
	capacity int
	growth   []Growth
}

func (r *recorder) observe(length, capacity int) {
	if capacity != r.capacity {
		r.growth = append(r.growth, Growth{Len: length, Capacity: capacity})
		r.capacity = capacity
	}
}

// workload drives one table. It returns the number of operations applied
// and the entries the table must hold afterwards.
type workload[K comparable] func(ctx context.Context, m *swiss.Map[K, int], rng *rand.Rand, rec *recorder) (int, map[K]int, error)

// run executes g.Trials copies of fn concurrently, verifies every table,
// checks the allocator for leaks and writes the report to w.
func run[K comparable](ctx context.Context, w io.Writer, g GlobalOptions, command string, fn workload[K]) error {
	if g.Trials < 1 {
		return errors.Errorf("invalid number of trials %d", g.Trials)
	}

	a := swiss.NewTrackingAllocator[K, int](nil, g.Limit)
	reports := make([]TrialReport, g.Trials)

	wg, wgCtx := errgroup.WithContext(ctx)
	for i := 0; i < g.Trials; i++ {
		wg.Go(func() error {
			tag := fmt.Sprintf("%s-%d", command, i)
			r, err := runTrial(wgCtx, a, tag, g.Seed+int64(i), fn)
			if err != nil {
				return errors.Wrapf(err, "trial %d", i)
			}
			r.Trial = i
			reports[i] = r
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	if leaks := a.Outstanding(); len(leaks) > 0 {
		for _, u := range leaks {
			log.WithFields(log.Fields{"tag": u.Tag, "blocks": u.Blocks, "bytes": u.Bytes}).Warn("leaked blocks")
		}
		return errors.Errorf("%d tables leaked blocks", len(leaks))
	}

	return writeReport(w, Report{Command: command, Trials: reports, Usage: a.Usage()}, g.JSON)
}

// runTrial builds one table with fn and verifies it. A panic raised by the
// table, such as an allocation beyond the budget, is returned as an error.
func runTrial[K comparable](
	ctx context.Context, a swiss.Allocator[K, int], tag string, seed int64, fn workload[K],
) (r TrialReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			e, ok := p.(error)
			if !ok {
				e = errors.Errorf("%v", p)
			}
			err = e
		}
	}()

	m := swiss.New[K, int](swiss.WithAllocator[K, int](a), swiss.WithTag[K, int](tag))
	defer m.Close()

	log.WithFields(log.Fields{"tag": tag, "seed": seed}).Debug("starting trial")

	var rec recorder
	ops, want, err := fn(ctx, m, rand.New(rand.NewSource(seed)), &rec)
	if err != nil {
		return r, err
	}
	if err := verify(m, want); err != nil {
		return r, err
	}

	st := m.Stats()
	r = TrialReport{Seed: seed, Ops: ops, Growth: rec.growth, Stats: st}
	if st.Capacity > 0 {
		r.Load = float64(st.Len) / float64(st.Capacity)
	}
	log.WithFields(log.Fields{"tag": tag, "len": st.Len, "capacity": st.Capacity}).Debug("trial complete")
	return r, nil
}

// verify checks that m holds exactly the entries of want.
func verify[K comparable](m *swiss.Map[K, int], want map[K]int) error {
	if m.Len() != len(want) {
		return errors.Errorf("table holds %d entries, want %d", m.Len(), len(want))
	}
	for k, v := range want {
		got, ok := m.Get(k)
		if !ok {
			return errors.Errorf("key %v missing", k)
		}
		if got != v {
			return errors.Errorf("key %v holds %d, want %d", k, got, v)
		}
	}
	var n int
	for k, v := range m.All {
		if w, ok := want[k]; !ok || w != v {
			return errors.Errorf("iteration yielded %v=%d, want %d, %t", k, v, w, ok)
		}
		n++
	}
	if n != len(want) {
		return errors.Errorf("iteration yielded %d entries, want %d", n, len(want))
	}
	return nil
}

func intKey(i int) int { return i }

func stringKey(i int) string { return fmt.Sprintf("key-%d", i) }

// cancelled reports the context error every 1024 operations.
func cancelled(ctx context.Context, op int) error {
	if op%1024 != 0 {
		return nil
	}
	return ctx.Err()
}

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
	"fmt"
	"io"

	"github.com/ctrlbyte/swiss"
	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"
)

// Report is the output of a command.
type Report struct {
	Command string           `json:"command"`
	Trials  []TrialReport    `json:"trials"`
	Usage   []swiss.TagUsage `json:"usage"`
}

func writeReport(w io.Writer, r Report, asJSON bool) error {
	if asJSON {
		buf, err := sonnet.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "encoding report")
		}
		_, err = w.Write(append(buf, '\n'))
		return err
	}

	for _, t := range r.Trials {
		s := t.Stats
		fmt.Fprintf(w, "%s trial %d (seed %d): %d ops\n", r.Command, t.Trial, t.Seed, t.Ops)
		fmt.Fprintf(w, "  len=%d  capacity=%d  load=%.3f  growth-left=%d  removed=%d\n",
			s.Len, s.Capacity, t.Load, s.GrowthLeft, s.Removed)
		fmt.Fprintf(w, "  resizes=%d  purges=%d  rehash-probes=%d\n", s.Resizes, s.Purges, s.RehashProbes)
		fmt.Fprintf(w, "  growth:")
		for _, g := range t.Growth {
			fmt.Fprintf(w, " %d@%d", g.Capacity, g.Len)
		}
		fmt.Fprintln(w)
	}
	for _, u := range r.Usage {
		fmt.Fprintf(w, "%s: allocs=%d  frees=%d  outstanding=%d bytes\n", u.Tag, u.Allocs, u.Frees, u.Bytes)
	}
	return nil
}

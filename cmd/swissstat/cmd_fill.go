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
	"io"
	"math/rand"

	"github.com/ctrlbyte/swiss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var cmdFill = &cobra.Command{
	Use:   "fill",
	Short: "Insert distinct keys and report the growth schedule",
	Long: `
The "fill" command inserts a random permutation of distinct keys into each
table and reports the length at which every resize occurred along with the
final load and probe statistics.

EXIT STATUS
===========

Exit status is 0 if every table matched its builtin map, and non-zero otherwise.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFill(cmd.Context(), cmd.OutOrStdout(), globalOptions, fillOptions)
	},
}

// FillOptions bundles all options for the fill command.
type FillOptions struct {
	Keys    int
	KeyType string
}

var fillOptions FillOptions

func init() {
	cmdRoot.AddCommand(cmdFill)

	f := cmdFill.Flags()
	f.IntVar(&fillOptions.Keys, "keys", 1000, "number of distinct keys to insert")
	f.StringVar(&fillOptions.KeyType, "key-type", "int", "key type, 'int' or 'string'")
}

func runFill(ctx context.Context, w io.Writer, g GlobalOptions, opts FillOptions) error {
	if opts.Keys < 0 {
		return errors.Errorf("invalid number of keys %d", opts.Keys)
	}
	switch opts.KeyType {
	case "int":
		return run(ctx, w, g, "fill", fillWorkload(opts.Keys, intKey))
	case "string":
		return run(ctx, w, g, "fill", fillWorkload(opts.Keys, stringKey))
	default:
		return errors.Errorf("unknown key type %q", opts.KeyType)
	}
}

func fillWorkload[K comparable](n int, key func(int) K) workload[K] {
	return func(ctx context.Context, m *swiss.Map[K, int], rng *rand.Rand, rec *recorder) (int, map[K]int, error) {
		want := make(map[K]int, n)
		for i, v := range rng.Perm(n) {
			if err := cancelled(ctx, i); err != nil {
				return i, nil, err
			}
			k := key(v)
			m.Put(k, i)
			want[k] = i
			rec.observe(m.Len(), m.Cap())
		}
		return n, want, nil
	}
}

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

var cmdChurn = &cobra.Command{
	Use:   "churn",
	Short: "Apply a random mix of puts, deletes and gets",
	Long: `
The "churn" command applies a random mix of operations over a bounded key
space to each table, checking every lookup against a builtin map. Deletes
leave tombstones behind, so the report shows how often tables were rebuilt
to purge them rather than grown.

EXIT STATUS
===========

Exit status is 0 if every table matched its builtin map, and non-zero otherwise.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChurn(cmd.Context(), cmd.OutOrStdout(), globalOptions, churnOptions)
	},
}

// ChurnOptions bundles all options for the churn command.
type ChurnOptions struct {
	Ops           int
	Keys          int
	PutPercent    int
	DeletePercent int
	KeyType       string
}

var churnOptions ChurnOptions

func init() {
	cmdRoot.AddCommand(cmdChurn)

	f := cmdChurn.Flags()
	f.IntVar(&churnOptions.Ops, "ops", 100000, "number of operations per table")
	f.IntVar(&churnOptions.Keys, "keys", 1000, "size of the key space")
	f.IntVar(&churnOptions.PutPercent, "put", 50, "percentage of operations that are puts")
	f.IntVar(&churnOptions.DeletePercent, "delete", 30, "percentage of operations that are deletes")
	f.StringVar(&churnOptions.KeyType, "key-type", "int", "key type, 'int' or 'string'")
}

func runChurn(ctx context.Context, w io.Writer, g GlobalOptions, opts ChurnOptions) error {
	switch {
	case opts.Ops < 0:
		return errors.Errorf("invalid number of operations %d", opts.Ops)
	case opts.Keys <= 0:
		return errors.Errorf("invalid key space %d", opts.Keys)
	case opts.PutPercent < 0 || opts.DeletePercent < 0 || opts.PutPercent+opts.DeletePercent > 100:
		return errors.Errorf("invalid operation mix: %d%% puts, %d%% deletes", opts.PutPercent, opts.DeletePercent)
	}
	switch opts.KeyType {
	case "int":
		return run(ctx, w, g, "churn", churnWorkload(opts, intKey))
	case "string":
		return run(ctx, w, g, "churn", churnWorkload(opts, stringKey))
	default:
		return errors.Errorf("unknown key type %q", opts.KeyType)
	}
}

func churnWorkload[K comparable](opts ChurnOptions, key func(int) K) workload[K] {
	return func(ctx context.Context, m *swiss.Map[K, int], rng *rand.Rand, rec *recorder) (int, map[K]int, error) {
		want := make(map[K]int)
		for i := 0; i < opts.Ops; i++ {
			if err := cancelled(ctx, i); err != nil {
				return i, nil, err
			}
			k := key(rng.Intn(opts.Keys))
			switch op := rng.Intn(100); {
			case op < opts.PutPercent:
				m.Put(k, i)
				want[k] = i
			case op < opts.PutPercent+opts.DeletePercent:
				m.Delete(k)
				delete(want, k)
			default:
				got, ok := m.Get(k)
				if w, wok := want[k]; got != w || ok != wok {
					return i, nil, errors.Errorf("op %d: get(%v) = %d, %t, want %d, %t", i, k, got, ok, w, wok)
				}
			}
			if m.Len() != len(want) {
				return i, nil, errors.Errorf("op %d: table holds %d entries, want %d", i, m.Len(), len(want))
			}
			rec.observe(m.Len(), m.Cap())
		}
		return opts.Ops, want, nil
	}
}

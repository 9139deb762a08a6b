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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "swissstat",
	Short: "Exercise swiss tables and report their occupancy",
	Long: `
swissstat builds swiss tables from generated workloads, checks every table
against a builtin map and reports how capacity, load and probe lengths evolve.
Independent trials run concurrently, each on its own table, and share one
tracking allocator so leaks and budget overruns are attributed per trial.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if globalOptions.Verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

// GlobalOptions bundles the options shared by every command.
type GlobalOptions struct {
	Verbose bool
	JSON    bool
	Seed    int64
	Trials  int
	Limit   int64
}

var globalOptions GlobalOptions

func init() {
	f := cmdRoot.PersistentFlags()
	f.BoolVarP(&globalOptions.Verbose, "verbose", "v", false, "log every allocation and trial")
	f.BoolVar(&globalOptions.JSON, "json", false, "print the report as JSON")
	f.Int64Var(&globalOptions.Seed, "seed", 1, "random seed, trial `n` uses seed+n")
	f.IntVar(&globalOptions.Trials, "trials", 1, "number of tables to build concurrently")
	f.Int64Var(&globalOptions.Limit, "limit", 0, "byte budget shared by all tables, 0 for none")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

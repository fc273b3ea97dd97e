// Copyright 2026 The rseq Authors.
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
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"rseq.dev/rseq/pkg/log"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	cpuProfile string
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run one or more increment benchmarks"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] <benchmarks> <num_threads> <increments_per_thread>

Where <benchmarks> is either 'all', or a comma-separated list of benchmark
names; 'rseqbench list' prints the known names.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.cpuProfile, "cpuprofile", "", "write a CPU profile to the given file")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	selected, err := parseBenchmarks(f.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	numThreads, err := strconv.ParseUint(f.Arg(1), 10, 32)
	if err != nil || numThreads == 0 {
		fatalf("invalid num_threads %q", f.Arg(1))
	}
	numIncrements, err := strconv.ParseUint(f.Arg(2), 10, 64)
	if err != nil {
		fatalf("invalid increments_per_thread %q", f.Arg(2))
	}

	if r.cpuProfile != "" {
		out, err := os.Create(r.cpuProfile)
		if err != nil {
			fatalf("creating profile %q: %v", r.cpuProfile, err)
		}
		defer out.Close()
		if err := pprof.StartCPUProfile(out); err != nil {
			fatalf("starting profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	log.Infof("Running %d benchmark(s): %d thread(s), %d increment(s) each", len(selected), numThreads, numIncrements)
	for _, b := range selected {
		runBenchmark(b, numThreads, numIncrements)
	}
	return subcommands.ExitSuccess
}

// parseBenchmarks resolves "all" or a comma-separated name list.
func parseBenchmarks(names string) ([]benchmark, error) {
	if names == "all" {
		return benchmarks, nil
	}
	byName := make(map[string]benchmark, len(benchmarks))
	for _, b := range benchmarks {
		byName[b.name] = b
	}
	var selected []benchmark
	for _, name := range strings.Split(names, ",") {
		b, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown benchmark %q", name)
		}
		selected = append(selected, b)
	}
	return selected, nil
}

// listCmd implements subcommands.Command for the "list" command.
type listCmd struct{}

// Name implements subcommands.Command.Name.
func (*listCmd) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*listCmd) Synopsis() string {
	return "list the known benchmarks"
}

// Usage implements subcommands.Command.Usage.
func (*listCmd) Usage() string {
	return `list

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*listCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*listCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	for _, b := range benchmarks {
		fmt.Printf("%-20s %s\n", b.name, b.describe)
	}
	return subcommands.ExitSuccess
}

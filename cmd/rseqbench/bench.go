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
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/hostcpu"
	"rseq.dev/rseq/pkg/rseq"
	"rseq.dev/rseq/pkg/sync"
)

// cachelineSize is doubled to keep adjacent-line prefetchers from coupling
// neighboring counters.
const cachelineSize = 128

// percpuCounter is one CPU shard's worth of every strategy's state.
type percpuCounter struct {
	atomicCounter atomicbitops.Uint64
	rseqCounter   rseq.Value[uint64]
	mu            sync.Mutex
	_             [cachelineSize - 24]byte
}

// benchState is shared by all worker threads of one benchmark run.
type benchState struct {
	counterByCPU []percpuCounter

	contendedMu      sync.Mutex
	_                [cachelineSize - 8]byte
	contendedCounter atomicbitops.Uint64
}

func newBenchState() *benchState {
	return &benchState{
		counterByCPU: make([]percpuCounter, hostcpu.NumCPUs()),
	}
}

// total sums every counter a strategy may have incremented.
func (s *benchState) total() uint64 {
	sum := s.contendedCounter.Load()
	for i := range s.counterByCPU {
		sum += s.counterByCPU[i].atomicCounter.Load()
		sum += s.counterByCPU[i].rseqCounter.Load()
	}
	return sum
}

// A benchmark increments counters numIncrements times from one thread. The
// interesting part is how each one serializes against the other threads
// doing the same.
type benchmark struct {
	name     string
	describe string
	fn       func(s *benchState, numIncrements uint64)
}

// benchmarks is the CLI-visible set, in presentation order.
var benchmarks = []benchmark{
	{"longCriticalSection", "Long critical section", doIncrementsLongCriticalSection},
	{"contendedAtomics", "Contended atomics", doIncrementsContendedAtomics},
	{"contendedLocks", "Contended locks", doIncrementsContendedLocks},
	{"rseq", "Per-cpu restartable sequences", doIncrementsRseq},
	{"atomics", "Per-cpu atomics", doIncrementsAtomics},
	{"atomicsCachedCpu", "Per-cpu atomics (with cached getcpu calls)", doIncrementsAtomicsCachedCpu},
	{"locks", "Per-cpu locks", doIncrementsLocks},
	{"locksCachedCpu", "Per-cpu locks (with cached getcpu calls)", doIncrementsLocksCachedCpu},
	{"threadLocal", "Thread-local operations only (no sharing)", doIncrementsThreadLocal},
}

func doIncrementsLongCriticalSection(s *benchState, numIncrements uint64) {
	s.contendedMu.Lock()
	defer s.contendedMu.Unlock()
	for i := uint64(0); i < numIncrements; i++ {
		s.contendedCounter.RacyStore(s.contendedCounter.RacyLoad() + 1)
	}
}

func doIncrementsContendedAtomics(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; i++ {
		for {
			old := s.contendedCounter.Load()
			if s.contendedCounter.CompareAndSwap(old, old+1) {
				break
			}
		}
	}
}

func doIncrementsContendedLocks(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; i++ {
		s.contendedMu.Lock()
		s.contendedCounter.RacyStore(s.contendedCounter.RacyLoad() + 1)
		s.contendedMu.Unlock()
	}
}

func doIncrementsRseq(s *benchState, numIncrements uint64) {
	t := rseq.Current()
	defer t.Release()
	for i := uint64(0); i < numIncrements; i++ {
		for {
			cpu := t.Begin()
			cur := s.counterByCPU[cpu].rseqCounter.Load()
			if rseq.Store(t, &s.counterByCPU[cpu].rseqCounter, cur+1) {
				break
			}
		}
	}
}

func doIncrementsAtomics(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; i++ {
		for {
			cpu := mustGetCPU()
			old := s.counterByCPU[cpu].atomicCounter.Load()
			if s.counterByCPU[cpu].atomicCounter.CompareAndSwap(old, old+1) {
				break
			}
		}
	}
}

func doIncrementsAtomicsCachedCpu(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; {
		cpu := mustGetCPU()
		for j := 0; j < 100 && i < numIncrements; j++ {
			old := s.counterByCPU[cpu].atomicCounter.Load()
			if !s.counterByCPU[cpu].atomicCounter.CompareAndSwap(old, old+1) {
				break
			}
			i++
		}
	}
}

func doIncrementsLocks(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; i++ {
		cpu := mustGetCPU()
		s.counterByCPU[cpu].mu.Lock()
		s.counterByCPU[cpu].atomicCounter.RacyStore(s.counterByCPU[cpu].atomicCounter.RacyLoad() + 1)
		s.counterByCPU[cpu].mu.Unlock()
	}
}

func doIncrementsLocksCachedCpu(s *benchState, numIncrements uint64) {
	for i := uint64(0); i < numIncrements; {
		cpu := mustGetCPU()
		for j := 0; j < 100 && i < numIncrements; j++ {
			s.counterByCPU[cpu].mu.Lock()
			s.counterByCPU[cpu].atomicCounter.RacyStore(s.counterByCPU[cpu].atomicCounter.RacyLoad() + 1)
			s.counterByCPU[cpu].mu.Unlock()
			i++
		}
	}
}

func doIncrementsThreadLocal(s *benchState, numIncrements uint64) {
	var counter uint64
	for i := uint64(0); i < numIncrements; i++ {
		counter++
	}
	s.counterByCPU[0].atomicCounter.Add(counter)
}

func mustGetCPU() int {
	cpu, err := hostcpu.GetCPU()
	if err != nil {
		fatalf("getcpu: %v", err)
	}
	return cpu
}

// runBenchmark spawns numThreads OS-locked workers and reports wall time and
// per-increment cost. The counter total is verified against the expected
// increment count; a mismatch means a strategy lost updates.
func runBenchmark(b benchmark, numThreads, numIncrements uint64) {
	s := newBenchState()

	fmt.Println("===========================================================")
	fmt.Printf("Benchmarking %s\n", b.describe)

	begin := time.Now()
	var g errgroup.Group
	for i := uint64(0); i < numThreads; i++ {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			b.fn(s, numIncrements)
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(begin)

	expected := numThreads * numIncrements
	actual := s.total()
	if actual != expected {
		fmt.Printf("Error: actual increment count %d does not match expected increment count %d.\n", actual, expected)
	}

	fmt.Printf("Increments: %d\n", actual)
	fmt.Printf("Seconds: %f\n", elapsed.Seconds())
	fmt.Printf("Nanoseconds per increment: %f\n", float64(elapsed.Nanoseconds())/float64(actual))
	fmt.Println("===========================================================")
}

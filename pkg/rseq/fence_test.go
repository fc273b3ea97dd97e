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

//go:build amd64 && linux

package rseq

import (
	"testing"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/sync"
)

func TestAsymmetricFenceRepeated(t *testing.T) {
	for i := 0; i < 100; i++ {
		asymmetricThreadFenceHeavy()
	}
}

func TestAsymmetricFenceConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				asymmetricThreadFenceHeavy()
			}
		}()
	}
	wg.Wait()
}

// TestAsymmetricFenceMessagePassing checks the fence's one job: after it
// returns, peer threads cannot still be ahead of writes published before it.
// A write published before the fence must be visible to a peer that reads
// after the fence returns; plain (unfenced) loads and stores on the peer side
// suffice by construction.
func TestAsymmetricFenceMessagePassing(t *testing.T) {
	var data, ready atomicbitops.Uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ready.Load() == 0 {
			sync.Goyield()
		}
		if got := data.RacyLoad(); got != 1 {
			t.Errorf("peer observed ready without data: %d", got)
		}
	}()

	// The data store is deliberately plain; the fence is what publishes it.
	data.RacyStore(1)
	asymmetricThreadFenceHeavy()
	ready.Store(1)
	<-done
}

func TestFullFence(t *testing.T) {
	// Smoke test; the interesting property is exercised everywhere the
	// eviction protocol runs.
	fullFence()
	fullFence()
}

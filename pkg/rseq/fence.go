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
	"os"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/memutil"
	"rseq.dev/rseq/pkg/sync"
)

// The asymmetric heavy fence guarantees that, by the time it returns, every
// other thread that existed before the call has executed a full memory
// barrier, without those threads doing anything on their fast paths.
//
// Mechanism: downgrading the protection of a page that is mapped on other
// CPUs forces the kernel to broadcast a TLB shoot-down IPI, and entering an
// interrupt handler is a full barrier on every CPU that receives it. So we
// raise a private page to read-write, dirty it (the page must be mapped on
// the calling CPU for the downgrade to have anything to invalidate), and
// lower it back to read-only.
//
// The matching light fence on the peer side is a compiler barrier only:
// amd64's total store order already provides the hardware ordering, and
// calling into the generated code blocks gives the compiler barrier for
// free. There is deliberately no asymmetricThreadFenceLight function.

var fencePage struct {
	once sync.Once
	mu   sync.Mutex
	mem  []byte
}

func asymmetricThreadFenceHeavy() {
	fencePage.once.Do(func() {
		mem, err := memutil.MapAnonymous(os.Getpagesize(), unix.PROT_READ)
		if err != nil {
			fatalf("rseq: mapping asymmetric fence page: %v", err)
		}
		fencePage.mem = mem
	})

	fencePage.mu.Lock()
	defer fencePage.mu.Unlock()

	if err := memutil.Protect(fencePage.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		fatalf("rseq: first mprotect in asymmetric fence: %v", err)
	}

	// Page must be dirty to trigger the IPI.
	fencePage.mem[0] = 0

	if err := memutil.Protect(fencePage.mem, unix.PROT_READ); err != nil {
		fatalf("rseq: second mprotect in asymmetric fence: %v", err)
	}
}

// fenceScratch exists only to be the target of fullFence's Swap. Padded so
// the fence never contends a line holding real data.
var fenceScratch struct {
	_    [64]byte
	word atomicbitops.Uint64
	_    [56]byte
}

// fullFence is a full memory barrier. Go exposes no standalone fence; on
// amd64 any locked RMW totally orders earlier and later memory operations.
//
//go:nosplit
func fullFence() {
	fenceScratch.word.Swap(0)
}

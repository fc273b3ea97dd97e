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
	"unsafe"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/hostcpu"
	"rseq.dev/rseq/pkg/memutil"
	"rseq.dev/rseq/pkg/sync"
)

// Each CPU shard is serialized by a single 64-bit word holding
// (owner id << 32) | evictor id. All transitions are CASes:
//
//	(0, 0)     shard free
//	(O, 0)     O owns the shard
//	(O, E)     O owns the shard, E is evicting
//
// The evictor half closes an ABA hole: without it, a victim that is blocked,
// ends its sequence, sees the shard freed, and reacquires it could race the
// evictor's final installation CAS. Any interposition changes the word, so
// the final CAS fails and the evictor retries.

func packOwnerEvictor(owner, evictor uint32) uint64 {
	return uint64(owner)<<32 | uint64(evictor)
}

func ownerOf(w uint64) uint32 {
	return uint32(w >> 32)
}

// shardState is one shard's ownership word, padded to a cache line so CAS
// traffic on one shard never bounces a neighbor's line.
type shardState struct {
	word atomicbitops.Uint64
	_    [56]byte
}

var (
	shardsOnce sync.Once
	shards     []shardState
)

// initShards sizes the table so any sched_getcpu result indexes in range.
func initShards() {
	n := hostcpu.NumCPUs()
	size := n * int(unsafe.Sizeof(shardState{}))
	mem, err := memutil.MapAnonymous(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		fatalf("rseq: mapping shard ownership table: %v", err)
	}
	shards = unsafe.Slice((*shardState)(unsafe.Pointer(unsafe.SliceData(mem))), n)
}

func shardWord(shard int) *atomicbitops.Uint64 {
	return &shards[shard].word
}

func mustGetCPU() int {
	cpu, err := hostcpu.GetCPU()
	if err != nil {
		fatalf("rseq: getcpu: %v", err)
	}
	return cpu
}

// acquireCPUOwnership installs the caller as owner of its current CPU's
// shard, evicting the present owner if there is one, and returns the shard
// index.
func (t *Thread) acquireCPUOwnership() int {
	me := t.tc.id
	for {
		cpu := mustGetCPU()
		t.lastCPU = cpu
		t.cachedCPU.Store(int32(cpu))

		w := shardWord(cpu)
		cur := w.Load()
		if ownerOf(cur) == 0 {
			if w.CompareAndSwap(cur, packOwnerEvictor(me, 0)) {
				return cpu
			}
			continue
		}
		victimID := ownerOf(cur)

		// Borrow the victim's record before installing ourselves as
		// its evictor; the borrow is what keeps the record alive
		// across the block below.
		t.tc.accessing.Store(victimID)
		if !w.CompareAndSwap(cur, packOwnerEvictor(victimID, me)) {
			t.tc.accessing.Store(0)
			continue
		}
		cur = packOwnerEvictor(victimID, me)

		victim := lookupThreadControl(victimID)
		victim.blockOps() // A

		if mustGetCPU() != cpu { // B
			t.tc.accessing.Store(0)
			continue
		}

		// Why don't we *always* need the heavy fence here? We did the
		// stores blocking the victim's ops above (A), and then
		// observed ourselves still running on CPU cpu (B), so the
		// blocking stores are visible to every thread that runs on
		// that CPU in the future. If victim.curCPU() reports cpu, the
		// victim is such a thread: either it already ran between A
		// and now (then its End CASed the word from (victim, me) to
		// (0, 0) and our final CAS below fails and we retry), or
		// it has not resumed yet and will see the blocking stores
		// without any fence. This leans on curCPU's single memory
		// ordering guarantee, which in turn leans on how the kernel
		// orders thread migrations.
		if victim.curCPU() != cpu {
			asymmetricThreadFenceHeavy()
		}

		t.tc.accessing.Store(0)

		if w.CompareAndSwap(cur, packOwnerEvictor(me, 0)) {
			return cpu
		}
	}
}

// evictOwner blocks whatever thread currently owns shard, without installing
// the caller as the new owner. Used by the fence paths.
func (t *Thread) evictOwner(shard int) {
	w := shardWord(shard)
	victimID := ownerOf(w.Load())
	if victimID == 0 {
		return
	}

	t.tc.accessing.Store(victimID)
	if ownerOf(w.Load()) != victimID {
		t.tc.accessing.Store(0)
		return
	}

	lookupThreadControl(victimID).blockOps()

	t.tc.accessing.Store(0)
}

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

// Package rseq is a userspace take on the kernel restartable-sequences API:
// cheap per-CPU operations with no bus-locked instructions or barriers on
// the fast path.
//
// A thread begins a restartable sequence with Begin, which returns a shard
// index in [0, NumShards()). Loads and stores against that shard's data are
// then plain loads and stores with one exception: if another thread has
// begun a sequence on the same shard since, the operation does not take
// place and reports failure. The caller's only correct response to failure
// is to retry from Begin. For example, a per-CPU counter increment:
//
//	var counters = make([]rseq.Value[uint64], rseq.NumShards())
//	t := rseq.Current()
//	for {
//		c := t.Begin()
//		cur := counters[c].Load()
//		if rseq.Store(t, &counters[c], cur+1) {
//			break
//		}
//	}
//
// This does the same work as a CAS loop over per-CPU atomics, but the hot
// path commits with a plain store.
//
// Sequences that return the same shard index are totally ordered: stores
// done within a sequence on shard N are visible to every later sequence on
// shard N. A sequence may end at any time, even spuriously, so a thread that
// reads sharded data within a sequence must confirm the sequence is still
// ongoing (Validate, or the result of any later operation) before trusting
// what it read. Sequences on different shards are unordered unless Fence or
// FenceWith is used.
//
// Threads, not goroutines, are the unit of identity here: callers must lock
// their goroutine to its OS thread (runtime.LockOSThread) before Current and
// keep it locked while using the returned handle. Values are at most eight
// bytes. The implementation assumes linux on amd64 and its total store
// order; both assumptions are load-bearing.
package rseq

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/hostcpu"
	"rseq.dev/rseq/pkg/sync"
)

// NumShards returns the number of CPU shards; Begin results index into
// [0, NumShards()).
func NumShards() int {
	return hostcpu.NumCPUs()
}

// A Thread is one OS thread's handle to the sequence machinery. Handles are
// not safe for concurrent use and must only be used from the thread that
// obtained them.
type Thread struct {
	_ sync.NoCopy

	// cachedCPU is the shard this thread believes it owns, or -1. It is
	// written by this thread, and by this thread's generated failure
	// tail, and by evictors revoking our ownership.
	cachedCPU atomicbitops.Int32

	// lastCPU is the shard most recently returned by Begin; End uses it
	// to find the ownership word to release.
	lastCPU int

	// tc is the thread's control record, created on first use.
	tc *threadControl

	// tid is the kernel task id the handle was created on.
	tid int32

	// scratch is the throwaway store target for Validate.
	scratch Value[uint64]
}

var threads struct {
	mu    sync.Mutex
	byTID map[int32]*Thread
}

// Current returns the calling thread's handle, creating it on first use.
// The calling goroutine must already be locked to its OS thread and remain
// locked for the lifetime of the handle.
func Current() *Thread {
	tid := int32(unix.Gettid())

	threads.mu.Lock()
	defer threads.mu.Unlock()
	if t := threads.byTID[tid]; t != nil {
		return t
	}
	t := &Thread{
		cachedCPU: atomicbitops.FromInt32(-1),
		tid:       tid,
	}
	if threads.byTID == nil {
		threads.byTID = make(map[int32]*Thread)
	}
	threads.byTID[tid] = t
	return t
}

// Begin starts a restartable sequence and returns its shard index. Any
// sequence the thread previously had is over. On return, all sequences on
// other threads that previously received the same shard index are over.
func (t *Thread) Begin() int {
	// Fast path: we still believe we own a shard. The cell is only
	// written concurrently to revoke (to -1), and a stale read of the
	// old shard index is indistinguishable from a revocation that lands
	// a moment later; the next operation fails either way.
	if c := t.cachedCPU.RacyLoad(); c >= 0 {
		return int(c)
	}
	return t.beginSlowPath()
}

func (t *Thread) beginSlowPath() int {
	t.ensureInit()
	t.End()
	t.tc.unblockOps()
	return t.acquireCPUOwnership()
}

func (t *Thread) ensureInit() {
	if t.tc != nil {
		return
	}
	shardsOnce.Do(initShards)
	t.tc = newThreadControl(&t.cachedCPU)
}

// End ends the thread's current sequence, releasing shard ownership. It is
// a no-op if the thread holds none. Ending eagerly is an atomic operation;
// in general it is better to do nothing and let the next operation fail,
// but a thread that knows it is about to sleep (or that another CPU's
// thread wants its shard) can call End to speed that thread's Begin up.
func (t *Thread) End() {
	t.cachedCPU.Store(-1)
	if t.tc == nil {
		return
	}
	me := t.tc.id
	w := shardWord(t.lastCPU)
	for {
		cur := w.Load()
		if ownerOf(cur) != me {
			return
		}
		if w.CompareAndSwap(cur, 0) {
			return
		}
	}
}

// Validate reports whether the sequence last begun by this thread is still
// ongoing, that is, no other thread has begun and completed a sequence with
// the same shard index since. Implemented as a store to a throwaway slot.
func (t *Thread) Validate() bool {
	return Store(t, &t.scratch, 0)
}

// FenceWith inserts a synchronization point into the sequence order of
// shard: the sequence owning shard (if any) is over, stores visible to
// earlier sequences on shard are visible to this thread on return, and
// stores visible to this thread are visible to later sequences on shard.
func (t *Thread) FenceWith(shard int) {
	fullFence()
	t.ensureInit()
	t.evictOwner(shard)
	asymmetricThreadFenceHeavy()
}

// Fence is equivalent to, but faster than, FenceWith on every shard.
func (t *Thread) Fence() {
	fullFence()
	t.ensureInit()
	for i := 0; i < NumShards(); i++ {
		t.evictOwner(i)
	}
	asymmetricThreadFenceHeavy()
}

// Release tears down the thread's sequence state: any current sequence is
// ended, then the control record is unpublished and, once no evictor still
// holds a borrow on it, its id is freed. The order matters; tearing down the record first would
// orphan the shard ownership.
//
// The handle becomes dormant, not poisoned: operations after Release
// re-initialize it lazily, and the caller is then responsible for a second
// Release. Call it from the exiting thread, last.
func (t *Thread) Release() {
	t.End()
	if tc := t.tc; tc != nil {
		t.tc = nil
		tc.destroy()
	}
	threads.mu.Lock()
	if threads.byTID[t.tid] == t {
		delete(threads.byTID, t.tid)
	}
	threads.mu.Unlock()
}

// A Value is an eight-byte cell holding a T that sequence operations can
// target. The zero Value holds the zero T. Values must not be copied.
// Outside sequences it behaves like an atomic: Load and Store have the
// usual sequentially-consistent semantics.
type Value[T any] struct {
	_    sync.NoCopy
	repr uint64
}

// NewValue returns a Value holding val.
func NewValue[T any](val T) Value[T] {
	assertFits[T]()
	return Value[T]{repr: toRepr(val)}
}

// Load returns the held value.
func (v *Value[T]) Load() T {
	assertFits[T]()
	return fromRepr[T](atomic.LoadUint64(&v.repr))
}

// Store sets the held value.
func (v *Value[T]) Store(val T) {
	assertFits[T]()
	atomic.StoreUint64(&v.repr, toRepr(val))
}

// Swap sets the held value and returns the previous one.
func (v *Value[T]) Swap(val T) T {
	assertFits[T]()
	return fromRepr[T](atomic.SwapUint64(&v.repr, toRepr(val)))
}

// CompareAndSwap executes the compare-and-swap operation for v.
func (v *Value[T]) CompareAndSwap(old, new T) bool {
	assertFits[T]()
	return atomic.CompareAndSwapUint64(&v.repr, toRepr(old), toRepr(new))
}

// Load tries to do "*dst = src.Load()" within the sequence last begun by t.
// If it returns true, the load happened and the sequence was still ongoing
// at the time of the load. If it returns false, the sequence ended before
// the call and *dst is untouched. May only be called after Begin. This is
// slightly slower than src.Load(); prefer that unless the load being part
// of the sequence matters, as when pointer-chasing through memory whose
// liveness the sequence guards.
func Load[T any](t *Thread, dst *T, src *Value[T]) bool {
	assertFits[T]()
	var repr uint64
	ret := rseqCall(t.tc.code.loadFunc(), uintptr(unsafe.Pointer(&repr)), uintptr(unsafe.Pointer(&src.repr)))
	runtime.KeepAlive(src)
	if ret != 0 {
		return false
	}
	*dst = fromRepr[T](repr)
	return true
}

// Store tries to do "dst.Store(val)" within the sequence last begun by t,
// with release semantics. If it returns true, the store happened and the
// sequence was still ongoing at the time of the store; if false, the
// sequence ended before the call and no store occurred. May only be called
// after Begin.
func Store[T any](t *Thread, dst *Value[T], val T) bool {
	assertFits[T]()
	ret := rseqCall(t.tc.code.storeFunc(), uintptr(unsafe.Pointer(&dst.repr)), uintptr(toRepr(val)))
	runtime.KeepAlive(dst)
	return ret == 0
}

// StoreFence is Store with sequential-consistency semantics: the store is a
// fencing operation, ordering it against sequences on other shards.
func StoreFence[T any](t *Thread, dst *Value[T], val T) bool {
	assertFits[T]()
	ret := rseqCall(t.tc.code.storeFenceFunc(), uintptr(unsafe.Pointer(&dst.repr)), uintptr(toRepr(val)))
	runtime.KeepAlive(dst)
	return ret == 0
}

// assertFits rejects types wider than the eight-byte representation. The
// condition is resolved at compile time for any given T.
func assertFits[T any]() {
	var v T
	if unsafe.Sizeof(v) > 8 {
		panic("rseq: Value types must be at most 8 bytes")
	}
}

// toRepr and fromRepr move a T in and out of the representation word with
// memcpy semantics: narrower types occupy the low bytes, the rest are zero.
func toRepr[T any](val T) uint64 {
	var r uint64
	*(*T)(unsafe.Pointer(&r)) = val
	return r
}

func fromRepr[T any](r uint64) T {
	return *(*T)(unsafe.Pointer(&r))
}

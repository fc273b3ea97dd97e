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
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/atomicbitops"
	"rseq.dev/rseq/pkg/idalloc"
	"rseq.dev/rseq/pkg/sync"
)

// maxThreads bounds thread ids; it matches the kernel's PID_MAX_LIMIT, so an
// id always fits. Ids index the code-page reservation and the id allocator's
// slot array, both lazily faulted.
const maxThreads = 1 << 22

// threadControl names a thread by small integer id and routes eviction to
// its code block. Exactly one exists per living thread that has used
// sequences.
type threadControl struct {
	threadControlEntry

	// id is immutable for the lifetime of the record. Zero is never
	// allocated.
	id uint32

	// tid is the kernel task id of the owning thread.
	tid int32

	// code is the thread's generated code block.
	code *codeBlock

	// cachedCPU points at the owning Thread's cached-CPU cell; the same
	// address is baked into the code block's failure tail.
	cachedCPU *atomicbitops.Int32

	// accessing holds the id of a threadControl this thread is currently
	// dereferencing inside the eviction protocol, or 0. While any
	// thread's accessing field holds id X, the record with id X stays
	// alive: its teardown waits.
	accessing atomicbitops.Uint32
}

// registry is the global list of live threadControls. The list keeps
// records reachable for the garbage collector while evictors may Lookup
// them through the id allocator's weak slots.
var registry struct {
	mu   sync.Mutex
	list threadControlList
}

var threadIDs = sync.OnceValue(func() *idalloc.Allocator[threadControl] {
	a, err := idalloc.New[threadControl](maxThreads)
	if err != nil {
		fatalf("rseq: creating thread id allocator: %v", err)
	}
	return a
})

// newThreadControl allocates an id, builds the code block wired to
// cachedCPU, and publishes the record.
func newThreadControl(cachedCPU *atomicbitops.Int32) *threadControl {
	tc := &threadControl{
		tid:       int32(unix.Gettid()),
		cachedCPU: cachedCPU,
	}
	tc.id = threadIDs().Allocate(tc)
	tc.code = codeForID(tc.id, cachedCPU.Ptr())

	registry.mu.Lock()
	registry.list.PushBack(tc)
	registry.mu.Unlock()
	return tc
}

// lookupThreadControl returns the record with the given id. Callers must
// hold a borrow on id via their own accessing field, with the owner verified
// after the borrow was published; that is what keeps the record alive here.
func lookupThreadControl(id uint32) *threadControl {
	return threadIDs().Lookup(id)
}

// blockOps revokes any in-progress sequence of the owning thread: the
// cached-CPU cell is cleared and the code block's entry points are patched
// to fail. No fencing is done here; it is up to callers to ensure the
// writes are visible to the victim before relying on them.
func (tc *threadControl) blockOps() {
	tc.cachedCPU.Store(-1)
	tc.code.block()
}

// unblockOps restores the code block. The cached-CPU cell is not touched;
// the begin slow path sets it at the point of the CPU query.
func (tc *threadControl) unblockOps() {
	tc.code.unblock()
}

// destroy unpublishes the record, waits for all borrows to drain, and frees
// the id. Sequence teardown (End) must have happened already.
func (tc *threadControl) destroy() {
	registry.mu.Lock()
	registry.list.Remove(tc)
	registry.mu.Unlock()

	// Wait until no one is trying to evict us. Yield for the first
	// hundred probes, then sleep between them.
	numYields := 0
	for tc.beingAccessed() {
		if numYields < 100 {
			numYields++
			sync.Goyield()
		} else {
			time.Sleep(time.Second)
		}
	}

	threadIDs().Free(tc.id)
}

func (tc *threadControl) beingAccessed() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for e := registry.list.Front(); e != nil; e = e.Next() {
		if e.accessing.Load() == tc.id {
			return true
		}
	}
	return false
}

// curCPU returns the CPU the associated thread is running on (or will next
// run on), or -1 if that cannot be determined. It is best effort, with one
// exception the eviction protocol relies on: if this thread has observed
// itself running on CPU c, and curCPU subsequently reports c for the
// associated thread, the associated thread has not resumed since writes
// published to c's CPU before our self-observation. The kernel updates the
// task's CPU field before the task runs on a new CPU, which is what makes
// the guarantee hold.
func (tc *threadControl) curCPU() int {
	// The CPU number is field 39 of /proc/self/task/<tid>/stat.
	path := make([]byte, 0, 32)
	path = append(path, "/proc/self/task/"...)
	path = strconv.AppendInt(path, int64(tc.tid), 10)
	path = append(path, "/stat"...)

	fd, err := unix.Open(string(path), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1
	}
	defer unix.Close(fd)

	// A single read keeps the snapshot of the line atomic; retry in case
	// a signal interrupts it. The buffer bounds the sum of the maximum
	// widths of all fields we care about.
	var buf [1024]byte
	n := -1
	for i := 0; i < 10 && n < 0; i++ {
		n, err = unix.Read(fd, buf[:])
		if err != nil {
			n = -1
		}
	}
	if n <= 0 {
		return -1
	}
	return parseStatCPU(buf[:n])
}

// parseStatCPU extracts the CPU number (field 39) from a stat line. The
// command field may itself contain spaces and parentheses, so counting
// starts after the last ')': the state field (field 3) follows it, leaving
// 36 more space delimiters before the CPU field.
func parseStatCPU(b []byte) int {
	lastRParen := -1
	for i, c := range b {
		if c == ')' {
			lastRParen = i
		}
	}
	if lastRParen == -1 {
		return -1
	}

	const spacesAfterRParen = 37
	pos := lastRParen + 1
	for spaces := 0; pos < len(b) && spaces < spacesAfterRParen; pos++ {
		if b[pos] == ' ' {
			spaces++
		}
	}

	cpu := -1
	for ; pos < len(b); pos++ {
		c := b[pos]
		switch {
		case c == ' ':
			return cpu
		case '0' <= c && c <= '9':
			if cpu < 0 {
				cpu = 0
			}
			cpu = cpu*10 + int(c-'0')
		default:
			return -1
		}
	}
	return -1
}

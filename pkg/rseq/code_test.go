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
	"runtime"
	"testing"
	"unsafe"

	"rseq.dev/rseq/pkg/atomicbitops"
)

// Direct code-block tests use ids from the top of the range so they can
// never collide with allocator-issued ids of threads in other tests.
const testCodeIDBase = maxThreads - 16

func addrOf[T any](p *T) uintptr {
	return uintptr(unsafe.Pointer(p))
}

func TestCodeLoad(t *testing.T) {
	var cell atomicbitops.Int32
	cell.Store(5)
	c := codeForID(testCodeIDBase+0, cell.Ptr())

	src := uint64(0xdeadbeefcafef00d)
	var dst uint64
	if ret := rseqCall(c.loadFunc(), addrOf(&dst), addrOf(&src)); ret != 0 {
		t.Fatalf("live load returned %d, want 0", ret)
	}
	runtime.KeepAlive(&src)
	if dst != src {
		t.Errorf("load copied %#x, want %#x", dst, src)
	}
	if got := cell.Load(); got != 5 {
		t.Errorf("live load touched the cached-CPU cell: got %d, want 5", got)
	}
}

func TestCodeStore(t *testing.T) {
	var cell atomicbitops.Int32
	c := codeForID(testCodeIDBase+1, cell.Ptr())

	var dst uint64
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 42); ret != 0 {
		t.Fatalf("live store returned %d, want 0", ret)
	}
	if dst != 42 {
		t.Errorf("store wrote %d, want 42", dst)
	}

	if ret := rseqCall(c.storeFenceFunc(), addrOf(&dst), 43); ret != 0 {
		t.Fatalf("live store-fence returned %d, want 0", ret)
	}
	if dst != 43 {
		t.Errorf("store-fence wrote %d, want 43", dst)
	}
}

func TestCodeBlockUnblock(t *testing.T) {
	var cell atomicbitops.Int32
	c := codeForID(testCodeIDBase+2, cell.Ptr())

	src := uint64(7)
	var dst uint64

	c.block()

	for _, op := range []struct {
		name string
		fn   uintptr
		a1   uintptr
	}{
		{"load", c.loadFunc(), addrOf(&src)},
		{"store", c.storeFunc(), 99},
		{"storeFence", c.storeFenceFunc(), 99},
	} {
		cell.Store(3)
		dst = 0
		if ret := rseqCall(op.fn, addrOf(&dst), op.a1); ret != 1 {
			t.Fatalf("blocked %s returned %d, want 1", op.name, ret)
		}
		if dst != 0 {
			t.Errorf("blocked %s had a side effect: dst = %d", op.name, dst)
		}
		if got := cell.Load(); got != -1 {
			t.Errorf("blocked %s left cached-CPU cell at %d, want -1", op.name, got)
		}
	}
	runtime.KeepAlive(&src)

	// Unblock restores the live behavior.
	c.unblock()
	cell.Store(3)
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 11); ret != 0 {
		t.Fatalf("unblocked store returned %d, want 0", ret)
	}
	if dst != 11 {
		t.Errorf("unblocked store wrote %d, want 11", dst)
	}
	if got := cell.Load(); got != 3 {
		t.Errorf("unblocked store touched the cached-CPU cell: got %d, want 3", got)
	}
}

func TestCodeBlockIdempotent(t *testing.T) {
	var cell atomicbitops.Int32
	c := codeForID(testCodeIDBase+3, cell.Ptr())

	c.block()
	c.block()
	var dst uint64
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 1); ret != 1 {
		t.Fatalf("doubly-blocked store returned %d, want 1", ret)
	}
	c.unblock()
	c.unblock()
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 1); ret != 0 {
		t.Fatalf("doubly-unblocked store returned %d, want 0", ret)
	}
}

func TestCodeReinitForReusedID(t *testing.T) {
	var cell1, cell2 atomicbitops.Int32
	id := uint32(testCodeIDBase + 4)

	c := codeForID(id, cell1.Ptr())
	c.block()

	// A reused id gets a fresh block: live entries, new cell wired in.
	c = codeForID(id, cell2.Ptr())
	var dst uint64
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 8); ret != 0 {
		t.Fatalf("reinitialized store returned %d, want 0", ret)
	}
	c.block()
	if ret := rseqCall(c.storeFunc(), addrOf(&dst), 9); ret != 1 {
		t.Fatalf("blocked store returned %d, want 1", ret)
	}
	if got := cell2.Load(); got != -1 {
		t.Errorf("failure tail wrote to the old cell: cell2 = %d, want -1", got)
	}
	if got := cell1.Load(); got != 0 {
		t.Errorf("failure tail wrote to the stale cell: cell1 = %d, want 0", got)
	}
}

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

// Package idalloc allocates dense small integer ids.
//
// Allocate and Free are serialized by a mutex; id-to-owner lookup is
// wait-free. Id 0 is never allocated, so callers can use it as "none". A
// freed id is preferred over extending the dense range, and when no freed id
// exists the smallest never-allocated id is returned.
package idalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/memutil"
	"rseq.dev/rseq/pkg/sync"
)

// slot is a free-list node and an owner pointer, one per id.
//
// owner is published with atomic stores so that Lookup can read it without
// taking the mutex. The slot array does not keep owners alive for the
// garbage collector: callers must guarantee that an owner registered for id i
// remains reachable elsewhere for as long as any thread may call Lookup(i).
type slot struct {
	next  uint32
	_     uint32
	owner unsafe.Pointer
}

// An Allocator hands out ids in [1, maxIDs).
//
// The slot array lives in an anonymous mapping rather than on the Go heap:
// it is sized for the kernel's thread-id limit and must only cost physical
// memory proportional to the ids actually touched.
type Allocator[T any] struct {
	mu sync.Mutex

	// items[0] is never allocated; 0 terminates the free list.
	items []slot

	// freeHead is the most recently freed id, or 0 if none.
	// +checklocks:mu
	freeHead uint32

	// firstUntouched is the smallest id never yet allocated.
	// +checklocks:mu
	firstUntouched uint32
}

// New returns an Allocator for ids in [1, maxIDs). maxIDs includes the
// reserved null id: for n usable ids, pass n+1.
func New[T any](maxIDs uint32) (*Allocator[T], error) {
	size := uintptr(maxIDs) * unsafe.Sizeof(slot{})
	mem, err := memutil.MapAnonymous(int(size), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, fmt.Errorf("idalloc: mapping %d bytes: %w", size, err)
	}
	return &Allocator[T]{
		items:          unsafe.Slice((*slot)(unsafe.Pointer(unsafe.SliceData(mem))), int(maxIDs)),
		firstUntouched: 1,
	}, nil
}

// Allocate returns an unused id and records owner against it.
func (a *Allocator[T]) Allocate(owner *T) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id uint32
	if a.freeHead != 0 {
		id = a.freeHead
		a.freeHead = a.items[id].next
	} else {
		id = a.firstUntouched
		a.firstUntouched++
	}
	atomic.StorePointer(&a.items[id].owner, unsafe.Pointer(owner))
	return id
}

// Free returns id to the allocator. The caller must guarantee that no thread
// will Lookup(id) after Free returns until the id is allocated again.
func (a *Allocator[T]) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items[id].next = a.freeHead
	a.freeHead = id
}

// Lookup returns the owner registered for an allocated id. It never blocks.
func (a *Allocator[T]) Lookup(id uint32) *T {
	return (*T)(atomic.LoadPointer(&a.items[id].owner))
}

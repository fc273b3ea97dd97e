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
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/memutil"
	"rseq.dev/rseq/pkg/sync"
)

// Each thread id owns a small block of executable memory holding three
// subroutines (load, store, store-fence) and a shared failure tail. The
// subroutines follow the SysV calling convention: first argument in RDI,
// second in RSI, result in RAX. They clobber RAX, and store-fence's xchg
// also leaves the old memory value in RSI; nothing else is clobbered.
//
// The first two bytes of each subroutine are either the live encoding of its
// first instruction or a two-byte relative jump into the failure tail. An
// evictor revokes a victim's in-progress sequence by flipping those words
// with single aligned 16-bit stores; the victim itself never coordinates.
// Both encodings are single instructions at a naturally aligned boundary, so
// a concurrent execution of the block observes exactly one of them.
//
// The failure tail stores -1 to the owning thread's cached-CPU cell (its
// address is patched into the movabs immediate at init) and returns 1. Live
// subroutines return 0.
var codeTemplate = [codeSize]byte{
	// 8-byte load. int(*)(dst *uint64, src *uint64).
	//
	// offset 0:
	0x48, 0x8b, 0x06, // mov (%rsi), %rax
	0x48, 0x89, 0x07, // mov %rax, (%rdi)
	0x31, 0xc0, // xor %eax, %eax
	0xc3, // retq
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // padding

	// 8-byte store. int(*)(dst *uint64, val uint64).
	//
	// offset 16:
	0x48, 0x89, 0x37, // mov %rsi, (%rdi)
	0x31, 0xc0, // xor %eax, %eax
	0xc3, // retq
	0x00, 0x00, // padding

	// 8-byte store-fence; the store is an xchg, which is a locked RMW on
	// amd64 and therefore a full barrier. int(*)(dst *uint64, val uint64).
	//
	// offset 24:
	0x48, 0x87, 0x37, // xchg %rsi, (%rdi)
	0x31, 0xc0, // xor %eax, %eax
	0xc3, // retq
	0x00, 0x00, // padding

	// Failure tail, shared by all three entry points. The 0x42s are
	// replaced at init with the address of the owning thread's cached-CPU
	// cell.
	//
	// offset 32:
	0x48, 0xb8, // movabs $imm64, %rax
	0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42,
	0xc7, 0x00, 0xff, 0xff, 0xff, 0xff, // movl $-1, (%rax)
	0xb8, 0x01, 0x00, 0x00, 0x00, // mov $1, %eax
	0xc3, // retq
}

const (
	codeSize = 54

	loadOffset       = 0
	storeOffset      = 16
	storeFenceOffset = 24
	failureOffset    = 32
	cachedCPUOffset  = 34

	jmpInstructionSize = 2
	jmpOpcode          = 0xeb
)

// Live first words of each entry point (little-endian).
const (
	loadLiveWord       = 0x8b48
	storeLiveWord      = 0x8948
	storeFenceLiveWord = 0x8748
)

// Blocking words: a two-byte relative jump from the entry point to the
// failure tail.
const (
	loadBlockedWord       = jmpOpcode | (failureOffset-loadOffset-jmpInstructionSize)<<8
	storeBlockedWord      = jmpOpcode | (failureOffset-storeOffset-jmpInstructionSize)<<8
	storeFenceBlockedWord = jmpOpcode | (failureOffset-storeFenceOffset-jmpInstructionSize)<<8
)

// codeBlockSlot is the stride between per-id blocks. Cache-line isolation
// keeps an evictor's patch stores from bouncing lines owned by unrelated
// threads, and keeps every entry point 16-bit aligned.
const codeBlockSlot = 64

// codePages is a single lazily-faulted RWX reservation holding one block per
// possible thread id. Sized from the kernel thread-id limit; untouched slots
// cost address space only.
var (
	codePagesOnce sync.Once
	codePages     []byte
)

// codeBlock is one thread's triple of patchable subroutines.
type codeBlock struct {
	mem []byte
}

// codeForID returns the code block for the given thread id, initialized to
// the live state with cachedCPU wired into the failure tail. Ids are reused,
// so the block is (re)written from the template every time.
func codeForID(id uint32, cachedCPU *int32) *codeBlock {
	codePagesOnce.Do(func() {
		mem, err := memutil.MapAnonymous(maxThreads*codeBlockSlot, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
		if err != nil {
			fatalf("rseq: mapping code pages: %v", err)
		}
		codePages = mem
	})
	c := &codeBlock{mem: codePages[int(id)*codeBlockSlot : int(id)*codeBlockSlot+codeSize]}
	copy(c.mem, codeTemplate[:])
	binary.LittleEndian.PutUint64(c.mem[cachedCPUOffset:], uint64(uintptr(unsafe.Pointer(cachedCPU))))
	return c
}

func (c *codeBlock) entry(offset int) uintptr {
	return uintptr(unsafe.Pointer(&c.mem[offset]))
}

func (c *codeBlock) loadFunc() uintptr       { return c.entry(loadOffset) }
func (c *codeBlock) storeFunc() uintptr      { return c.entry(storeOffset) }
func (c *codeBlock) storeFenceFunc() uintptr { return c.entry(storeFenceOffset) }

// block patches each entry point into a jump to the failure tail. No fencing
// is included; callers are responsible for the barriers that make the patch
// visible to the victim before relying on it.
func (c *codeBlock) block() {
	atomicStore16(c.entry(loadOffset), loadBlockedWord)
	atomicStore16(c.entry(storeOffset), storeBlockedWord)
	atomicStore16(c.entry(storeFenceOffset), storeFenceBlockedWord)
}

// unblock restores the live encoding at each entry point.
func (c *codeBlock) unblock() {
	atomicStore16(c.entry(loadOffset), loadLiveWord)
	atomicStore16(c.entry(storeOffset), storeLiveWord)
	atomicStore16(c.entry(storeFenceOffset), storeFenceLiveWord)
}

// rseqCall invokes a generated subroutine. a0 and a1 are the RDI and RSI
// arguments; for load a1 is the source address, for the stores it is the
// value itself. Implemented in rseq_amd64.s.
func rseqCall(fn, a0, a1 uintptr) int32

// atomicStore16 performs a naturally aligned 16-bit store, which amd64
// guarantees to be atomic. sync/atomic has no 16-bit variant, hence the
// assembly. Implemented in rseq_amd64.s.
func atomicStore16(addr uintptr, val uint16)

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

//go:build linux

package memutil

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMapAnonymousReadWrite(t *testing.T) {
	size := os.Getpagesize()
	mem, err := MapAnonymous(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer UnmapSlice(mem)

	if len(mem) != size {
		t.Fatalf("mapping is %d bytes, want %d", len(mem), size)
	}
	for _, b := range mem {
		if b != 0 {
			t.Fatal("anonymous mapping not zero-filled")
		}
	}
	mem[0] = 0xaa
	mem[size-1] = 0xbb
	if mem[0] != 0xaa || mem[size-1] != 0xbb {
		t.Error("mapping did not hold written bytes")
	}
}

func TestMapAnonymousLargeReservation(t *testing.T) {
	// Reservations are lazily faulted; a large one must succeed without
	// committing memory.
	const size = 1 << 30
	mem, err := MapAnonymous(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MapAnonymous(1GiB) failed: %v", err)
	}
	defer UnmapSlice(mem)
	mem[size-1] = 1
}

func TestProtectCycle(t *testing.T) {
	size := os.Getpagesize()
	mem, err := MapAnonymous(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	defer UnmapSlice(mem)

	mem[0] = 1
	if err := Protect(mem, unix.PROT_READ); err != nil {
		t.Fatalf("Protect(PROT_READ) failed: %v", err)
	}
	if mem[0] != 1 {
		t.Error("read-only page lost its contents")
	}
	if err := Protect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		t.Fatalf("Protect(PROT_READ|PROT_WRITE) failed: %v", err)
	}
	mem[0] = 2
}

func TestMapAnonymousInvalidSize(t *testing.T) {
	if _, err := MapAnonymous(0, unix.PROT_READ); err == nil {
		t.Error("MapAnonymous(0) succeeded, want error")
	}
}

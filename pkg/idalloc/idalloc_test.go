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

package idalloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type owner struct {
	name string
}

func TestAllocateDense(t *testing.T) {
	a, err := New[owner](1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var got []uint32
	for i := 0; i < 5; i++ {
		got = append(got, a.Allocate(&owner{}))
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("ids not dense from 1 (-want +got):\n%s", diff)
	}
}

func TestNeverReturnsZero(t *testing.T) {
	a, err := New[owner](1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		id := a.Allocate(&owner{})
		if id == 0 {
			t.Fatalf("Allocate returned the reserved null id")
		}
		a.Free(id)
	}
}

func TestFreeListReuse(t *testing.T) {
	a, err := New[owner](1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		a.Allocate(&owner{})
	}
	// Freed ids are preferred, most recently freed first.
	a.Free(2)
	a.Free(3)
	if got, want := a.Allocate(&owner{}), uint32(3); got != want {
		t.Errorf("first reuse: got %d, want %d", got, want)
	}
	if got, want := a.Allocate(&owner{}), uint32(2); got != want {
		t.Errorf("second reuse: got %d, want %d", got, want)
	}
	// Free list exhausted; back to extending the dense range.
	if got, want := a.Allocate(&owner{}), uint32(5); got != want {
		t.Errorf("post-reuse: got %d, want %d", got, want)
	}
}

func TestLookup(t *testing.T) {
	a, err := New[owner](1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	owners := make([]*owner, 10)
	ids := make([]uint32, 10)
	for i := range owners {
		owners[i] = &owner{name: string(rune('a' + i))}
		ids[i] = a.Allocate(owners[i])
	}
	for i := range owners {
		if got := a.Lookup(ids[i]); got != owners[i] {
			t.Errorf("Lookup(%d) = %p, want %p (%q)", ids[i], got, owners[i], owners[i].name)
		}
	}
}

func TestReuseRebindsOwner(t *testing.T) {
	a, err := New[owner](1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first := &owner{name: "first"}
	id := a.Allocate(first)
	a.Free(id)
	second := &owner{name: "second"}
	if got := a.Allocate(second); got != id {
		t.Fatalf("expected id %d to be reused, got %d", id, got)
	}
	if got := a.Lookup(id); got != second {
		t.Errorf("Lookup(%d) = %q, want %q", id, got.name, second.name)
	}
}

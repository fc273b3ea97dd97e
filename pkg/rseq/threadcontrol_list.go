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

// threadControlList is an intrusive list of threadControls. Entries can be
// added to or removed from the list in O(1) time and with no additional
// memory allocations.
//
// The zero value for threadControlList is an empty list ready to use.
//
// To iterate over a list (where l is a threadControlList):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type threadControlList struct {
	head *threadControl
	tail *threadControl
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *threadControlList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *threadControlList) Front() *threadControl {
	return l.head
}

// Back returns the last element of list l or nil.
//
//go:nosplit
func (l *threadControlList) Back() *threadControl {
	return l.tail
}

// PushBack inserts the element e at the back of list l.
//
//go:nosplit
func (l *threadControlList) PushBack(e *threadControl) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
//
//go:nosplit
func (l *threadControlList) Remove(e *threadControl) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// threadControlEntry is a default implementation of Linker. Users can add
// anonymous fields of this type to their structs to make them automatically
// implement the methods needed by threadControlList.
type threadControlEntry struct {
	next *threadControl
	prev *threadControl
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *threadControlEntry) Next() *threadControl {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *threadControlEntry) Prev() *threadControl {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *threadControlEntry) SetNext(elem *threadControl) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *threadControlEntry) SetPrev(elem *threadControl) {
	e.prev = elem
}

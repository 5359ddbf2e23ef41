// Copyright 2026 The RTKit Authors.
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

// Package waitlist provides the intrusive wait list used to park blocked
// waiters. Entries can be added to or removed from a List in O(1) time and
// with no additional memory allocations.
//
// Each Entry carries a single machine-word payload: a packed mask+control
// word while the waiter is registered, overwritten with the packed wake
// outcome when the waiter is removed. The list itself is unsynchronized;
// callers serialize access through their own exclusion mechanism.
package waitlist

// Entry is a wait-list node. It can only be in one list at a time.
//
// The zero value is an unlinked entry ready for use.
type Entry struct {
	// Value is the one-word payload transported with the entry: the packed
	// wait request on insertion, the packed wake outcome after removal.
	Value uint64

	// Context stores any state the entry's owner wishes to reach at wake
	// time (typically the blocked task).
	Context any

	next *Entry
	prev *Entry
	list *List
}

// InList returns true if e is currently linked into a list.
func (e *Entry) InList() bool {
	return e.list != nil
}

// Next returns the entry that follows e, or nil at the tail.
func (e *Entry) Next() *Entry {
	return e.next
}

// List is an intrusive doubly-linked list of wait entries.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List struct {
	head *Entry
	tail *Entry
}

// Reset resets list l to the empty state. Entries still linked are left
// with stale link fields; Reset is only for reinitializing adopted storage.
func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Front returns the first entry of list l or nil.
func (l *List) Front() *Entry {
	return l.head
}

// Len returns the number of entries in the list.
//
// NOTE: This is an O(n) operation.
func (l *List) Len() (count int) {
	for e := l.head; e != nil; e = e.next {
		count++
	}
	return count
}

// PushBack inserts the entry e at the back of list l.
//
// Preconditions: e is not in any list.
func (l *List) PushBack(e *Entry) {
	if e.list != nil {
		panic("waitlist: PushBack of an already linked entry")
	}
	e.next = nil
	e.prev = l.tail
	e.list = l
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l in O(1) time.
//
// Preconditions: e is in l. Removing an unlinked entry is a caller bug and
// panics; every registration is removed at most once.
func (l *List) Remove(e *Entry) {
	if e.list != l {
		panic("waitlist: Remove of an entry not in this list")
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}

	e.next = nil
	e.prev = nil
	e.list = nil
}

// Copyright 2015 Google Inc. All Rights Reserved.
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

package robustlist

import (
	"runtime"
	"testing"
	"unsafe"
)

// TestListHeadMatchesKernelLayout pins the registered struct to the
// set_robust_list(2) ABI: struct robust_list_head is three longs, with the
// futex offset at byte 8 and the pending-op pointer at byte 16. A field
// reordering here would silently point the kernel's exit-time walk at the
// wrong bytes.
func TestListHeadMatchesKernelLayout(t *testing.T) {
	var h listHead
	if got := unsafe.Sizeof(h); got != 24 {
		t.Errorf("sizeof(listHead) = %d, want 24", got)
	}
	if got := unsafe.Offsetof(h.next); got != 0 {
		t.Errorf("offsetof(next) = %d, want 0", got)
	}
	if got := unsafe.Offsetof(h.futexOffset); got != 8 {
		t.Errorf("offsetof(futexOffset) = %d, want 8", got)
	}
	if got := unsafe.Offsetof(h.listOpPending); got != 16 {
		t.Errorf("offsetof(listOpPending) = %d, want 16", got)
	}
}

func TestOpAddOpDelRoundTrip(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ts := currentThread()
	headAddr := uintptr(unsafe.Pointer(&ts.head))

	var a, b, c Entry
	OpStart(&a)
	if ts.head.listOpPending != uintptr(unsafe.Pointer(&a)) {
		t.Fatalf("listOpPending = %#x, want &a while a's op is in flight", ts.head.listOpPending)
	}
	OpAdd(&a)
	OpEnd()
	if ts.head.listOpPending != 0 {
		t.Fatalf("listOpPending = %#x after OpEnd, want 0", ts.head.listOpPending)
	}

	OpStart(&b)
	OpAdd(&b)
	OpEnd()

	OpStart(&c)
	OpAdd(&c)
	OpEnd()

	// The registered head must carry the entry-to-futex offset the kernel
	// adds to each node address during its exit-time walk.
	if ts.head.futexOffset != int64(FutexOffset) {
		t.Fatalf("head.futexOffset = %d, want %d", ts.head.futexOffset, FutexOffset)
	}

	// Most recently added is at the head.
	if ts.head.next != uintptr(unsafe.Pointer(&c)) {
		t.Fatalf("head.next = %#x, want &c", ts.head.next)
	}
	if c.Prev != headAddr {
		t.Fatalf("c.Prev = %#x, want head", c.Prev)
	}
	if c.Next != uintptr(unsafe.Pointer(&b)) || b.Prev != uintptr(unsafe.Pointer(&c)) {
		t.Fatalf("c/b linkage broken: c.Next=%#x b.Prev=%#x", c.Next, b.Prev)
	}

	// Remove the middle entry and check the splice closes the gap.
	OpStart(&b)
	OpDel(&b)
	OpEnd()

	if c.Next != uintptr(unsafe.Pointer(&a)) {
		t.Fatalf("after deleting b, c.Next = %#x, want &a", c.Next)
	}
	if a.Prev != uintptr(unsafe.Pointer(&c)) {
		t.Fatalf("after deleting b, a.Prev = %#x, want &c", a.Prev)
	}

	// Remove the head of the list.
	OpStart(&c)
	OpDel(&c)
	OpEnd()

	if ts.head.next != uintptr(unsafe.Pointer(&a)) {
		t.Fatalf("after deleting c, head.next = %#x, want &a", ts.head.next)
	}
	if a.Prev != headAddr {
		t.Fatalf("after deleting c, a.Prev = %#x, want head", a.Prev)
	}

	// Clean up so later tests in this process see an empty list.
	OpStart(&a)
	OpDel(&a)
	OpEnd()
}

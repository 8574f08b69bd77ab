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
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// listHead mirrors the kernel's struct robust_list_head, the one structure
// set_robust_list(2) actually registers. It is distinct from Entry: the
// kernel reads three fields from it at thread exit — the circular list of
// held entries, the byte offset from each entry to its futex word, and the
// entry whose list operation was in flight when the thread died — and only
// the first of those exists on a plain list node.
type listHead struct {
	next          uintptr
	futexOffset   int64
	listOpPending uintptr
}

type threadState struct {
	head       listHead
	registered bool
}

// threads approximates per-OS-thread storage: Go has no native TLS, so each
// thread's state is looked up by its kernel tid in a mutex-guarded map,
// populated lazily on first use — the same lazy, once-per-key idiom the
// teacher uses for its debug logger, just keyed per thread instead of
// process-global.
var (
	mu      sync.Mutex
	threads = map[int32]*threadState{}
)

func currentThread() *threadState {
	tid := int32(unix.Gettid())

	mu.Lock()
	ts, ok := threads[tid]
	if !ok {
		ts = &threadState{}
		threads[tid] = ts
	}
	mu.Unlock()

	return ts
}

// ensureRegistered lazily performs this OS thread's one-time
// set_robust_list(2) registration. The Go runtime does not support a bare
// fork() (only ForkExec, which replaces the image before any Go code runs
// again), so unlike the C library this is modeled on, there is no
// pthread_atfork-equivalent reset to register: a forked child simply never
// observes this state because it never resumes Go execution without first
// exec'ing into a fresh process image.
func ensureRegistered(ts *threadState) {
	if ts.registered {
		return
	}
	ts.head.next = uintptr(unsafe.Pointer(&ts.head))
	// Without this offset the kernel's exit-time walk would mark the first
	// word of each entry (its next pointer) instead of the futex word, and
	// a dead owner's mutex would never show FUTEX_OWNER_DIED.
	ts.head.futexOffset = int64(FutexOffset)
	ts.head.listOpPending = 0
	_, _, errno := unix.Syscall(unix.SYS_SET_ROBUST_LIST, uintptr(unsafe.Pointer(&ts.head)), unsafe.Sizeof(ts.head), 0)
	if errno != 0 {
		// A kernel that predates robust futexes, or a seccomp sandbox
		// that blocks the syscall, loses crash recovery but should not
		// stop the process from locking mutexes altogether.
		return
	}
	ts.registered = true
}

// OpStart must be called immediately before attempting to acquire the
// robust futex embedded in e, on an OS thread locked via
// runtime.LockOSThread. It publishes e as the kernel's "list operation
// pending" pointer so that a crash between OpStart and the matching OpEnd
// still lets the kernel find and mark e's futex word FUTEX_OWNER_DIED.
func OpStart(e *Entry) {
	ts := currentThread()
	ensureRegistered(ts)
	ts.head.listOpPending = uintptr(unsafe.Pointer(e))
	barrier()
}

// OpEnd clears the pending list-operation marker set by OpStart. Must be
// called after the futex operation (successful or not) completes and, for
// the lock path, after OpAdd; for the unlock path, after OpDel.
func OpEnd() {
	barrier()
	currentThread().head.listOpPending = 0
}

// OpAdd splices e onto the head of the current OS thread's robust list.
// Must be called only while e's futex is actually held.
func OpAdd(e *Entry) {
	ts := currentThread()
	headAddr := uintptr(unsafe.Pointer(&ts.head))
	oldFirst := ts.head.next

	e.Prev = headAddr
	e.Next = oldFirst
	barrier()

	ts.head.next = uintptr(unsafe.Pointer(e))
	if oldFirst != headAddr {
		(*Entry)(unsafe.Pointer(oldFirst)).Prev = uintptr(unsafe.Pointer(e))
	}
}

// OpDel removes e from whatever robust list it is currently linked into.
// Must be called before the futex is actually released.
func OpDel(e *Entry) {
	ts := currentThread()
	headAddr := uintptr(unsafe.Pointer(&ts.head))

	prev := (*Entry)(unsafe.Pointer(e.Prev))
	nextAddr := e.Next

	if e.Prev == headAddr {
		ts.head.next = nextAddr
	} else {
		prev.Next = nextAddr
	}
	if nextAddr != headAddr {
		(*Entry)(unsafe.Pointer(nextAddr)).Prev = e.Prev
	}
}

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

// Package robustlist registers the calling OS thread's robust mutex list
// with the kernel (set_robust_list(2)) and maintains it as mutexes are
// acquired and released, so that a thread that dies mid-lock leaves behind
// a futex word the kernel marks with FUTEX_OWNER_DIED for the next locker
// to discover.
//
// Every entry in the list lives inside shared memory and is addressed by
// Entry, whose Next/Prev fields are followed only within the process that
// currently holds or is queued on it — the kernel walks a dying thread's
// list within that thread's own address space, so these fields are never
// meant to be dereferenced from another process. They are stored as raw
// uintptr addresses rather than Go pointers, both because a process-shared
// address is meaningless as a *Entry to another process and because a
// GC-visible pointer into unmanaged mmap'd memory is not something the
// runtime may retain.
package robustlist

import (
	"sync/atomic"
	"unsafe"

	"github.com/alephzero-go/a0/futex"
)

// Entry is the robust-list node embedded at the front of every
// robustsync.Mutex. The kernel's robust_list protocol requires the first
// field of the structure addressed by set_robust_list to be a "next"
// pointer and the futex word to sit at a fixed, registered offset.
type Entry struct {
	Next uintptr // process-local address of the next Entry, or the head
	Prev uintptr // process-local address of the previous Entry, or the head
	Ftx  futex.Word
}

// FutexOffset is the byte offset of the Ftx field within Entry. It is
// reported to the kernel through the registered list head's futex_offset
// field, so the exit-time walk can find the futex word of every entry still
// on a dying thread's list. Every struct that embeds Entry must keep it as
// its first field (robustsync.Mutex does) so the offset holds for the
// embedding struct too.
const FutexOffset = unsafe.Offsetof(Entry{}.Ftx)

// barrierWord exists only so barrier() has something to atomically
// read-modify-write; an atomic RMW is a full compiler+processor fence on
// every architecture Go supports, which is all the C library's
// asm-volatile a0_barrier() is doing.
var barrierWord int32

func barrier() { atomic.AddInt32(&barrierWord, 0) }

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

// Package futex wraps the Linux futex(2) syscall family used to build the
// robust, priority-inheriting primitives in robustsync. Every primitive in
// this module is process-shared, so every call here operates on plain
// addresses inside a memory-mapped arena rather than FUTEX_PRIVATE_FLAG
// addresses private to one process.
package futex

import "time"

// Result is the tri-state outcome of a blocking futex operation. Unlike a
// plain error return, Spurious is not a failure: the caller is expected to
// re-check its predicate and retry, exactly as with POSIX condition
// variables.
type Result int

const (
	// OK means the operation completed and the caller should re-check
	// whatever condition it was waiting on.
	OK Result = iota

	// TimedOut means the deadline passed before the futex word changed.
	TimedOut

	// Spurious means the wait returned without any guarantee the awaited
	// condition holds (EINTR, EAGAIN, a racing value change between the
	// caller's check and the syscall). The caller must re-evaluate its
	// predicate and, if still unsatisfied, wait again.
	Spurious
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case TimedOut:
		return "timed_out"
	case Spurious:
		return "spurious"
	default:
		return "futex.Result(?)"
	}
}

// Deadline is the absolute point in time a blocking operation gives up at;
// each platform's Wait/LockPI implementation converts it into the
// absolute-or-relative timeout representation its syscall expects. A zero
// Time means "wait forever."
type Deadline = time.Time

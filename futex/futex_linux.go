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

package futex

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/alephzero-go/a0/errs"
)

// linux/futex.h operation codes. golang.org/x/sys/unix does not export
// these (the Go runtime keeps its own private copy in
// runtime/lock_futex.go for the same reason), so they are reproduced here
// verbatim from the UAPI header, the way the C library this module is
// modeled on does in its own ftx.h.
const (
	opWait          = 0
	opWake          = 1
	opLockPI        = 6
	opUnlockPI      = 7
	opTryLockPI     = 8
	opWaitRequeuePI = 11
	opCmpRequeuePI  = 12
	opClockRealtime = 256
	tidMask         = 0x3FFFFFFF
	ownerDiedBit    = 0x40000000
	waitersBit      = 0x80000000
)

// Word is the 32-bit futex word embedded directly in shared memory. Every
// primitive in robustsync addresses one of these rather than copying it.
type Word = uint32

// TID returns the low 30 bits of v, the owning thread's kernel tid when v is
// a mutex futex word.
func TID(v Word) int32 { return int32(v & tidMask) }

// OwnerDied reports whether v has the FUTEX_OWNER_DIED bit set.
func OwnerDied(v Word) bool { return v&ownerDiedBit != 0 }

// HasWaiters reports whether v has the FUTEX_WAITERS bit set.
func HasWaiters(v Word) bool { return v&waitersBit != 0 }

// WithOwnerDiedCleared returns v with the FUTEX_OWNER_DIED bit cleared.
func WithOwnerDiedCleared(v Word) Word { return v &^ ownerDiedBit }

func futex(addr *Word, op int, val1 uint32, to *unix.Timespec, addr2 *Word, val3 uint32) (uintptr, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(op),
		uintptr(val1),
		uintptr(unsafe.Pointer(to)),
		uintptr(unsafe.Pointer(addr2)),
		uintptr(val3),
	)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

// timespecRelative converts a deadline to the duration-from-now form
// FUTEX_WAIT expects. A deadline already in the past becomes a zero
// timespec, which the kernel treats as an immediate ETIMEDOUT.
func timespecRelative(deadline Deadline) *unix.Timespec {
	if deadline.IsZero() {
		return nil
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return &ts
}

// timespecAbsolute converts a deadline to the absolute CLOCK_REALTIME
// instant the PI operations (FUTEX_LOCK_PI, FUTEX_WAIT_REQUEUE_PI) expect —
// unlike FUTEX_WAIT, those interpret the timeout argument as a point in
// time, not a duration. FUTEX_LOCK_PI always measures it against
// CLOCK_REALTIME; FUTEX_WAIT_REQUEUE_PI does so only with the
// FUTEX_CLOCK_REALTIME flag, which WaitRequeuePI sets.
func timespecAbsolute(deadline Deadline) *unix.Timespec {
	if deadline.IsZero() {
		return nil
	}
	ts := unix.NsecToTimespec(deadline.UnixNano())
	return &ts
}

// classify maps a raw futex(2) errno to the tri-state Result contract every
// exported function in this package follows: EINTR and EAGAIN (a value race
// between the caller's read and the kernel's compare) both collapse to
// Spurious, ETIMEDOUT maps to TimedOut, everything else is a hard error.
func classify(op string, err error) (Result, error) {
	if err == nil {
		return OK, nil
	}
	switch err {
	case unix.EINTR, unix.EAGAIN:
		return Spurious, nil
	case unix.ETIMEDOUT:
		return TimedOut, nil
	case unix.EOWNERDEAD:
		// Only *_PI ops ever return this, and only on success; the caller
		// is responsible for checking the OwnerDied bit in the word
		// itself, not treating this as a failure.
		return OK, nil
	}
	return 0, errs.Wrap(op, classifyKind(err), err)
}

func classifyKind(err error) errs.Kind {
	switch err {
	case unix.EINVAL:
		return errs.InvalidArgument
	case unix.EDEADLK:
		return errs.Deadlock
	case unix.EPERM:
		return errs.NotPermitted
	case unix.ESRCH:
		return errs.NotFound
	default:
		return errs.InvalidArgument
	}
}

// Wait blocks while *addr == expected, until woken by Wake/Signal/Broadcast
// on the same address, the deadline passes, or a spurious return occurs.
func Wait(addr *Word, expected uint32, deadline Deadline) (Result, error) {
	_, err := futex(addr, opWait, expected, timespecRelative(deadline), nil, 0)
	return classify("futex.Wait", err)
}

// Wake wakes up to n waiters blocked in Wait on addr.
func Wake(addr *Word, n int) error {
	if n <= 0 {
		return nil
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	_, err := futex(addr, opWake, uint32(n), nil, nil, 0)
	_, e := classify("futex.Wake", err)
	return e
}

// Signal wakes exactly one waiter blocked in Wait on addr.
func Signal(addr *Word) error { return Wake(addr, 1) }

// Broadcast wakes every waiter blocked in Wait on addr.
func Broadcast(addr *Word) error { return Wake(addr, math.MaxInt32) }

// LockPI acquires the priority-inheriting futex at addr, blocking until it
// succeeds or the deadline passes. A Result of OK with err == nil and
// OwnerDied(*addr) true means the lock was acquired but its previous holder
// died while holding it; the caller must run its recovery path.
func LockPI(addr *Word, deadline Deadline) (Result, error) {
	_, err := futex(addr, opLockPI, 0, timespecAbsolute(deadline), nil, 0)
	if err == unix.EOWNERDEAD {
		return OK, nil
	}
	return classify("futex.LockPI", err)
}

// TryLockPI attempts to acquire the priority-inheriting futex at addr
// without blocking. Unlike a plain CAS, the kernel op also repairs the
// futex's internal PI state when the previous owner died, which is the only
// reason callers reach for it: a live, uncontended lock is taken by CAS in
// user space before this is ever issued. A Spurious result means somebody
// else holds (or just recovered) the lock.
func TryLockPI(addr *Word) (Result, error) {
	_, err := futex(addr, opTryLockPI, 0, nil, nil, 0)
	if err == unix.EOWNERDEAD {
		return OK, nil
	}
	return classify("futex.TryLockPI", err)
}

// UnlockPI releases the priority-inheriting futex at addr. The caller must
// already hold it; violating that is reported as errs.NotPermitted.
func UnlockPI(addr *Word) error {
	_, err := futex(addr, opUnlockPI, 0, nil, nil, 0)
	_, e := classify("futex.UnlockPI", err)
	return e
}

// WaitRequeuePI blocks on addr while *addr == expected, same as Wait, but on
// wake is atomically requeued onto pi, the paired lock's futex word, so that
// CmpRequeuePI's wakeup hands off priority-inheriting ownership directly
// instead of causing a thundering-herd re-race.
//
// EINTR is retried internally rather than surfaced as Spurious, so a
// Spurious return from this function specifically means EAGAIN: the
// kernel never queued the wait because addr's value already changed
// between the caller's read and this call. The caller (robustsync.Cond)
// must treat that as "go straight to reacquiring pi", not "wait again".
func WaitRequeuePI(addr *Word, expected uint32, pi *Word, deadline Deadline) (Result, error) {
	var err error
	for {
		_, err = futex(addr, opWaitRequeuePI|opClockRealtime, expected, timespecAbsolute(deadline), pi, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EOWNERDEAD {
		return OK, nil
	}
	return classify("futex.WaitRequeuePI", err)
}

// CmpRequeuePI wakes one waiter blocked in WaitRequeuePI on addr (first
// verifying *addr == expected), and requeues up to nrRequeue more onto pi's
// wait queue as priority-inheriting waiters. The kernel requires the wake
// count for this op to be exactly one — handing the lock to more than one
// waiter at a time would be meaningless — so only the requeue bound is a
// parameter.
//
// Unlike every other op here, the kernel overloads FUTEX_CMP_REQUEUE_PI's
// fourth syscall argument as the requeue count rather than a timeout
// pointer, so this bypasses the futex() helper and calls Syscall6 directly.
//
// A Spurious result means *addr no longer equaled expected (some other
// waker incremented it first); the caller is expected to reload addr and
// retry with a fresh expected value, exactly as a0_cnd_wake's retry loop
// does around EAGAIN.
func CmpRequeuePI(addr *Word, expected uint32, nrRequeue int, pi *Word) (int, Result, error) {
	n, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(opCmpRequeuePI),
		1,
		uintptr(nrRequeue),
		uintptr(unsafe.Pointer(pi)),
		uintptr(expected),
	)
	if errno != 0 {
		if errno == unix.EAGAIN {
			return 0, Spurious, nil
		}
		_, e := classify("futex.CmpRequeuePI", errno)
		return 0, 0, e
	}
	return int(n), OK, nil
}

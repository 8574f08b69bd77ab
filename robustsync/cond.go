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

package robustsync

import (
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alephzero-go/a0/errs"
	"github.com/alephzero-go/a0/futex"
	"github.com/alephzero-go/a0/internal/robustlist"
)

// Cond is a process-shared condition variable that hands waiters off to the
// associated Mutex via FUTEX_CMP_REQUEUE_PI, avoiding the thundering herd a
// plain futex wake-then-relock would cause. Its zero value is ready to use.
type Cond struct {
	word futex.Word
}

// Wait atomically unlocks mtx and blocks the calling goroutine until
// Signal, Broadcast, or deadline passes, then reacquires mtx before
// returning. Wait panics if mtx is not currently held by the calling OS
// thread, since waiting on an unheld mutex is a programmer error the
// kernel's CAS would otherwise silently miscount.
func (c *Cond) Wait(mtx *Mutex, deadline time.Time) (Outcome, error) {
	self := tid()
	if futex.TID(atomic.LoadUint32(&mtx.Ftx)) != int32(self) {
		panic("robustsync: Cond.Wait called without holding the mutex")
	}

	initVal := atomic.LoadUint32(&c.word)

	if err := mtx.Unlock(); err != nil {
		return 0, err
	}
	// mtx.Unlock released this OS thread's pin; re-pin for the duration
	// of the requeue-wait and the relock that follows.
	runtime.LockOSThread()

	robustlist.OpStart(mtx.entry())

	res, err := futex.WaitRequeuePI(&c.word, initVal, &mtx.Ftx, deadline)

	var timedOut bool
	if err == nil {
		switch res {
		case futex.TimedOut:
			// Timed out before being requeued: nothing handed us the
			// lock, so reacquire it manually. The timeout is still the
			// result, but Wait returns holding the mutex, exactly like a
			// POSIX condvar timedwait.
			mtx.timedLockRobust(time.Time{})
			timedOut = true
		case futex.Spurious:
			// EAGAIN: cnd's value changed between our read and the wait
			// (someone else signaled first), so the kernel never queued
			// us and there is nothing to be requeued away from. Acquire
			// the mutex ourselves, same as a non-timeout successful wake
			// would.
			_, err = mtx.timedLockRobust(time.Time{})
		}
	}

	robustlist.OpAdd(mtx.entry())

	var outcome Outcome
	if err == nil && !timedOut {
		if futex.OwnerDied(atomic.LoadUint32(&mtx.Ftx)) {
			outcome = AcquiredOwnerDied
		} else {
			outcome = Acquired
		}
	}

	robustlist.OpEnd()

	if timedOut {
		return 0, errs.New("robustsync.Cond.Wait", errs.TimedOut)
	}
	if err != nil {
		runtime.UnlockOSThread()
		return 0, errs.Wrap("robustsync.Cond.Wait", errs.KindOf(err), err)
	}
	return outcome, nil
}

// wake is the shared implementation of Signal and Broadcast:
// FUTEX_CMP_REQUEUE_PI moves one waiter plus up to cnt more from c onto mtx, handing
// off priority-inheriting ownership directly rather than waking them to
// re-race for the lock.
func (c *Cond) wake(mtx *Mutex, cnt int) error {
	val := atomic.AddUint32(&c.word, 1)
	for {
		_, res, err := futex.CmpRequeuePI(&c.word, val, cnt, &mtx.Ftx)
		if err != nil {
			return errs.Wrap("robustsync.Cond.wake", errs.KindOf(err), err)
		}
		if res != futex.Spurious {
			return nil
		}
		// Another goroutine concurrently incremented c.word first; reload
		// and retry with the fresh value rather than bumping it again.
		val = atomic.LoadUint32(&c.word)
	}
}

// Signal wakes at most one waiter blocked in Wait, handing it mtx directly.
func (c *Cond) Signal(mtx *Mutex) error { return c.wake(mtx, 0) }

// Broadcast wakes every waiter blocked in Wait, handing them mtx one at a
// time as the kernel's PI wait queue releases them.
func (c *Cond) Broadcast(mtx *Mutex) error { return c.wake(mtx, math.MaxInt32) }

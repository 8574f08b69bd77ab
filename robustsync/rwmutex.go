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
	"time"

	"github.com/alephzero-go/a0/errs"
)

// RWMutex is a process-shared readers/writer lock built from three robust
// Mutex primitives (a guard, a writer lock, and one caller-supplied reader
// slot per concurrent reader it should support) plus a Cond used to block
// callers until a slot frees up.
//
// Unlike robustsync.Mutex, RWMutex does not own its reader slots: every
// locking method takes a slots []Mutex span supplied by the caller, sized
// to the maximum number of concurrent readers the arena layout reserves
// room for. This mirrors the upstream library's rmtx_span parameter
// exactly and keeps RWMutex itself fixed-size regardless of reader count.
type RWMutex struct {
	guard       Mutex
	wmtx        Mutex
	cnd         Cond
	nextRMtxIdx int
}

// RWToken identifies which underlying Mutex a successful RLock/WLock call
// acquired, so Unlock knows what to release.
type RWToken struct {
	mtx *Mutex
}

// lockConsistent locks mtx, blocking as needed. A recovered owner-died
// acquisition is not surfaced here: Mutex.Unlock already clears
// FUTEX_OWNER_DIED unconditionally, so by the time any other caller can
// observe this mutex again it reads as perfectly ordinary.
func lockConsistent(mtx *Mutex) error {
	_, err := mtx.Lock()
	return err
}

func tryLockConsistent(mtx *Mutex) error {
	_, err := mtx.TryLock()
	return err
}

// guardedLock locks mtx, relaxing guard (via cnd) between attempts so that
// whoever is holding mtx can make progress unlocking it. Must be called
// with guard held; returns with guard still held.
func guardedLock(guard *Mutex, cnd *Cond, mtx *Mutex) error {
	for {
		err := tryLockConsistent(mtx)
		if err == nil {
			return nil
		}
		if errs.KindOf(err) != errs.Busy {
			return err
		}
		if _, err := cnd.Wait(guard, time.Time{}); err != nil {
			return err
		}
	}
}

func guardedTimedLock(guard *Mutex, cnd *Cond, mtx *Mutex, deadline time.Time) error {
	for {
		err := tryLockConsistent(mtx)
		if err == nil {
			return nil
		}
		if errs.KindOf(err) != errs.Busy {
			return err
		}
		if _, err := cnd.Wait(guard, deadline); err != nil {
			return err
		}
	}
}

// tryRLockImpl grabs a free reader slot from slots, preferring the
// fast-path hint index before falling back to a linear scan. Must be
// called with the guard held.
func (rw *RWMutex) tryRLockImpl(slots []Mutex, tkn *RWToken) error {
	if rw.nextRMtxIdx < len(slots) {
		rmtx := &slots[rw.nextRMtxIdx]
		rw.nextRMtxIdx++
		lockConsistent(rmtx)
		tkn.mtx = rmtx
		return nil
	}

	for i := range slots {
		rmtx := &slots[i]
		if err := tryLockConsistent(rmtx); err == nil {
			tkn.mtx = rmtx
			return nil
		}
	}

	return errs.New("robustsync.RWMutex.RLock", errs.Busy)
}

// TryRLock acquires a reader slot from slots without blocking, failing
// with errs.Busy if a writer holds the lock or every slot is taken.
func (rw *RWMutex) TryRLock(slots []Mutex, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	err := tryLockConsistent(&rw.wmtx)
	if err == nil {
		rw.wmtx.Unlock()
		err = rw.tryRLockImpl(slots, tkn)
	}

	rw.guard.Unlock()
	return err
}

// RLock acquires a reader slot from slots, blocking until the writer lock
// is free and a slot is available.
func (rw *RWMutex) RLock(slots []Mutex, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	for {
		// Do not hold the writer mutex across attempts, or a writer
		// could starve waiting for us to release it.
		if err := guardedLock(&rw.guard, &rw.cnd, &rw.wmtx); err != nil {
			rw.guard.Unlock()
			return err
		}
		rw.wmtx.Unlock()

		if err := rw.tryRLockImpl(slots, tkn); err == nil {
			break
		}
		if _, err := rw.cnd.Wait(&rw.guard, time.Time{}); err != nil {
			rw.guard.Unlock()
			return err
		}
	}

	rw.guard.Unlock()
	return nil
}

// TimedRLock is RLock with a deadline.
func (rw *RWMutex) TimedRLock(slots []Mutex, deadline time.Time, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	for {
		if err := guardedTimedLock(&rw.guard, &rw.cnd, &rw.wmtx, deadline); err != nil {
			rw.guard.Unlock()
			return err
		}
		rw.wmtx.Unlock()

		if err := rw.tryRLockImpl(slots, tkn); err == nil {
			break
		}
		if _, err := rw.cnd.Wait(&rw.guard, deadline); err != nil {
			rw.guard.Unlock()
			return err
		}
	}

	rw.guard.Unlock()
	return nil
}

// TryWLock acquires the writer lock without blocking, failing with
// errs.Busy if any reader or the writer lock is currently held.
func (rw *RWMutex) TryWLock(slots []Mutex, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	if err := tryLockConsistent(&rw.wmtx); err != nil {
		rw.guard.Unlock()
		return err
	}

	for ; rw.nextRMtxIdx > 0; rw.nextRMtxIdx-- {
		rmtx := &slots[rw.nextRMtxIdx-1]
		if err := tryLockConsistent(rmtx); err != nil {
			rw.wmtx.Unlock()
			rw.guard.Unlock()
			return err
		}
		rmtx.Unlock()
	}

	tkn.mtx = &rw.wmtx
	rw.guard.Unlock()
	return nil
}

// WLock acquires the writer lock, blocking until it and every outstanding
// reader slot are free.
func (rw *RWMutex) WLock(slots []Mutex, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	if err := guardedLock(&rw.guard, &rw.cnd, &rw.wmtx); err != nil {
		rw.guard.Unlock()
		return err
	}

	for ; rw.nextRMtxIdx > 0; rw.nextRMtxIdx-- {
		rmtx := &slots[rw.nextRMtxIdx-1]
		guardedLock(&rw.guard, &rw.cnd, rmtx)
		rmtx.Unlock()
	}

	tkn.mtx = &rw.wmtx
	rw.guard.Unlock()
	return nil
}

// TimedWLock is WLock with a deadline. If the deadline passes while
// draining outstanding reader slots, the writer lock itself is released
// before returning the error.
func (rw *RWMutex) TimedWLock(slots []Mutex, deadline time.Time, tkn *RWToken) error {
	lockConsistent(&rw.guard)

	if err := guardedTimedLock(&rw.guard, &rw.cnd, &rw.wmtx, deadline); err != nil {
		rw.guard.Unlock()
		return err
	}

	for ; rw.nextRMtxIdx > 0; rw.nextRMtxIdx-- {
		rmtx := &slots[rw.nextRMtxIdx-1]
		if err := guardedTimedLock(&rw.guard, &rw.cnd, rmtx, deadline); err != nil {
			rw.wmtx.Unlock()
			rw.guard.Unlock()
			return err
		}
		rmtx.Unlock()
	}

	tkn.mtx = &rw.wmtx
	rw.guard.Unlock()
	return nil
}

// Unlock releases whichever mutex tkn identifies and wakes anyone blocked
// waiting for a slot or the writer lock to free up.
func (rw *RWMutex) Unlock(tkn RWToken) error {
	// Released outside the guard to avoid lock-order inversion with
	// whoever is waiting on rw.cnd while holding rw.guard.
	if err := tkn.mtx.Unlock(); err != nil {
		return err
	}

	lockConsistent(&rw.guard)
	rw.cnd.Broadcast(&rw.guard)
	rw.guard.Unlock()
	return nil
}

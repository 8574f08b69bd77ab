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

// Package deadman provides a single-owner liveness token built from the
// same futex-backed primitives as the transport: whichever process takes
// the token is the one considered "alive" for whatever role it guards,
// and any other process can block until the token is taken, block until
// it is released, or poll its state without blocking. A token survives the
// death of its owner the same way every other primitive in this module
// does: the next taker recovers it rather than hanging forever. A process
// tearing down its own handle calls Shutdown to unpark every wait on it
// without touching the shared token.
package deadman

import (
	"sync/atomic"
	"time"

	"github.com/alephzero-go/a0/errs"
	"github.com/alephzero-go/a0/futex"
	"github.com/alephzero-go/a0/internal/clockutil"
	"github.com/alephzero-go/a0/robustsync"
)

// Token is the shared-memory state of a deadman: the robust mutex whose
// held/free status is the liveness signal, a monotonic counter bumped on
// every successful Take (so a waiter can tell one ownership epoch from
// the next even across owner-death recovery), and a condition variable —
// paired with its own guard mutex, the same composition robustsync.RWMutex
// uses for its reader-wait queue — that lets WaitTaken/WaitReleased block
// without having to hold the very mutex they're waiting to see change.
//
// Token's zero value is ready to use once placed in shared memory; it must
// not be copied after first use.
type Token struct {
	mtx     robustsync.Mutex
	guard   robustsync.Mutex
	cnd     robustsync.Cond
	counter uint64
}

// Handle is one process's view onto a shared Token: it remembers whether
// this handle is the current owner, so a double Take is idempotent and
// only the owner can Release.
type Handle struct {
	token   *Token
	isOwner bool

	// shutdown and inop drive Shutdown's drain: shutdown flips once and is
	// checked by every wait loop, inop counts waits currently parked so
	// Shutdown knows when everyone has observed the flag.
	shutdown uint32
	inop     int32
}

// Attach returns a fresh, not-yet-owning handle onto token.
func Attach(token *Token) *Handle {
	return &Handle{token: token}
}

// State reports a snapshot of the token without blocking.
type State struct {
	IsTaken bool
	IsOwner bool
	Token   uint64
}

func mtxWord(mtx *robustsync.Mutex) uint32 {
	return atomic.LoadUint32(&mtx.Ftx)
}

// isHeld reports whether word names an owner. A dead owner's word has
// FUTEX_OWNER_DIED set and its tid bits cleared; a holder that recovered it
// keeps FUTEX_OWNER_DIED beside its own tid until it unlocks.
func isHeld(word uint32) bool {
	return futex.TID(word) != 0
}

// State returns whether the token is currently taken, whether this handle
// is the one holding it, and (if taken) the ownership epoch counter.
func (h *Handle) State() State {
	word := mtxWord(&h.token.mtx)
	st := State{IsTaken: isHeld(word), IsOwner: h.isOwner}
	if st.IsTaken {
		st.Token = atomic.LoadUint64(&h.token.counter)
	}
	return st
}

// notifyTaken bumps the ownership epoch and wakes everyone blocked in
// WaitTaken/WaitReleased, matching a0_deadman_mtx_trylock_impl's
// increment-then-broadcast sequence.
func (h *Handle) notifyTaken() error {
	atomic.AddUint64(&h.token.counter, 1)
	if _, err := h.token.guard.Lock(); err != nil {
		return err
	}
	err := h.token.cnd.Broadcast(&h.token.guard)
	if uerr := h.token.guard.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func (h *Handle) notifyReleased() error {
	if _, err := h.token.guard.Lock(); err != nil {
		return err
	}
	err := h.token.cnd.Broadcast(&h.token.guard)
	if uerr := h.token.guard.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// TryTake acquires the token without blocking, failing with errs.Busy if
// some other handle already holds it. If this handle already holds it,
// TryTake succeeds immediately without bumping the ownership epoch again.
func (h *Handle) TryTake() (robustsync.Outcome, error) {
	if h.isOwner {
		return robustsync.Acquired, nil
	}
	if atomic.LoadUint32(&h.shutdown) != 0 {
		return 0, errs.New("deadman.Handle.TryTake", errs.Shutdown)
	}
	outcome, err := h.token.mtx.TryLock()
	if err != nil {
		return 0, err
	}
	h.isOwner = true
	if err := h.notifyTaken(); err != nil {
		return 0, err
	}
	return outcome, nil
}

// Take blocks until the token is acquired.
func (h *Handle) Take() (robustsync.Outcome, error) {
	return h.TimedTake(time.Time{})
}

// TimedTake is Take with a deadline.
func (h *Handle) TimedTake(deadline time.Time) (robustsync.Outcome, error) {
	if h.isOwner {
		return robustsync.Acquired, nil
	}
	if atomic.LoadUint32(&h.shutdown) != 0 {
		return 0, errs.New("deadman.Handle.Take", errs.Shutdown)
	}
	outcome, err := h.token.mtx.TimedLock(deadline)
	if err != nil {
		return 0, err
	}
	h.isOwner = true
	if err := h.notifyTaken(); err != nil {
		return 0, err
	}
	return outcome, nil
}

// TakeFor is Take with a relative timeout resolved against clock (nil
// meaning the real wall clock) — the same injectable-clock seam
// robustsync.Mutex.LockFor and transport.Transport.LockFor offer, so a
// caller holding a clockutil.Clock never has to convert a duration to an
// absolute deadline by hand.
func (h *Handle) TakeFor(clock clockutil.Clock, d time.Duration) (robustsync.Outcome, error) {
	if clock == nil {
		clock = clockutil.Real()
	}
	return h.TimedTake(clockutil.Deadline(clock, d))
}

// Release gives up the token. Only the current owner may call it; every
// other handle gets errs.NotPermitted.
func (h *Handle) Release() error {
	if !h.isOwner {
		return errs.New("deadman.Handle.Release", errs.NotPermitted)
	}
	if err := h.token.mtx.Unlock(); err != nil {
		return err
	}
	h.isOwner = false
	return h.notifyReleased()
}

// WaitTaken blocks until some handle holds the token, then returns the
// ownership epoch counter at the moment it observed that.
func (h *Handle) WaitTaken() (uint64, error) {
	return h.TimedWaitTaken(time.Time{})
}

// TimedWaitTaken is WaitTaken with a deadline.
func (h *Handle) TimedWaitTaken(deadline time.Time) (uint64, error) {
	t := h.token

	atomic.AddInt32(&h.inop, 1)
	defer atomic.AddInt32(&h.inop, -1)

	if _, err := t.guard.Lock(); err != nil {
		return 0, err
	}
	defer t.guard.Unlock()

	for !isHeld(mtxWord(&t.mtx)) {
		if atomic.LoadUint32(&h.shutdown) != 0 {
			return 0, errs.New("deadman.Handle.WaitTaken", errs.Shutdown)
		}
		if _, err := t.cnd.Wait(&t.guard, deadline); err != nil {
			return 0, err
		}
	}
	return atomic.LoadUint64(&t.counter), nil
}

// WaitReleased blocks until the token is no longer held by the ownership
// epoch identified by tkn — either because it was released, or because it
// was taken again (advancing the counter past tkn) before this call could
// observe the release directly.
func (h *Handle) WaitReleased(tkn uint64) error {
	return h.TimedWaitReleased(tkn, time.Time{})
}

// TimedWaitReleased is WaitReleased with a deadline.
func (h *Handle) TimedWaitReleased(tkn uint64, deadline time.Time) error {
	t := h.token

	atomic.AddInt32(&h.inop, 1)
	defer atomic.AddInt32(&h.inop, -1)

	if _, err := t.guard.Lock(); err != nil {
		return err
	}
	defer t.guard.Unlock()

	for isHeld(mtxWord(&t.mtx)) && atomic.LoadUint64(&t.counter) == tkn {
		if atomic.LoadUint32(&h.shutdown) != 0 {
			return errs.New("deadman.Handle.WaitReleased", errs.Shutdown)
		}
		if _, err := t.cnd.Wait(&t.guard, deadline); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown unblocks every WaitTaken/WaitReleased currently parked on this
// handle — each returns errs.Shutdown — and makes every future Take,
// TryTake and Wait* call on the handle fail the same way. It returns once
// all in-flight waits have observed the flag. Shutdown is per-handle: other
// handles on the same Token, in this process or any other, are unaffected,
// and the shared token state is not modified.
//
// A Take already parked in the kernel's PI queue is the one wait Shutdown
// cannot interrupt: the kernel hands a PI futex to exactly one waiter at
// release (or owner death), and there is no wake operation that evicts a
// queued FUTEX_LOCK_PI waiter early. Such a Take stays bounded by the
// current owner's lifetime; the shutdown check at Take's entry covers every
// call made after Shutdown.
func (h *Handle) Shutdown() error {
	atomic.StoreUint32(&h.shutdown, 1)
	for atomic.LoadInt32(&h.inop) != 0 {
		// Broadcast until the last waiter drains: a waiter mid-loop may
		// park once more after we set the flag, so a single wake is not
		// enough.
		if _, err := h.token.guard.Lock(); err != nil {
			return err
		}
		err := h.token.cnd.Broadcast(&h.token.guard)
		if uerr := h.token.guard.Unlock(); err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

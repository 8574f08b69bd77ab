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

package transport

import (
	"context"
	"time"

	"github.com/alephzero-go/a0/errs"
	"github.com/alephzero-go/a0/futex"
	"github.com/alephzero-go/a0/internal/clockutil"
	"github.com/alephzero-go/a0/internal/debuglog"
	"github.com/alephzero-go/a0/robustsync"
)

// Locked is a Transport handle known to currently hold the header mutex.
// Every ring, iterator and await operation hangs off Locked rather than
// Transport directly, so the type system enforces that every mutating or
// observing operation takes the header lock first.
type Locked struct {
	t *Transport
}

func (t *Transport) committedPage() *statePage {
	return &t.hdr.statePages[t.hdr.committedIdx]
}

func (t *Transport) workingPage() *statePage {
	return &t.hdr.statePages[1-t.hdr.committedIdx]
}

// readPage is the state page observing operations consult: the working page
// for an ordinary handle (which holds the header mutex), or the committed
// page for a read-only observer, which never locks and relies on the
// committed page being self-consistent at every instant.
func (t *Transport) readPage() *statePage {
	if t.readonly {
		return t.committedPage()
	}
	return t.workingPage()
}

// lockForInit is used only by the Created half of Attach: the header
// mutex's zero value is already an unlocked, uncontended robust mutex, so
// the creator's first Lock can go through the ordinary path.
func (t *Transport) lockForInit() (*Locked, error) {
	return t.Lock()
}

func (t *Transport) enterCriticalSection() {
	t.lockToken = t.hdr.nextToken
	t.hdr.nextToken++
	// Discard whatever a prior, possibly dead, transaction left behind:
	// the working page always starts each critical section equal to the
	// last successfully committed one.
	*t.workingPage() = *t.committedPage()
	t.notify = false
}

// Lock blocks until the header mutex is acquired, reconciling an
// owner-died recovery by discarding the working page — the caller never
// has to notice owner-died specially, since the lock path already resets
// state on their behalf.
func (t *Transport) Lock() (*Locked, error) {
	return t.TimedLock(time.Time{})
}

// LockContext is Lock bounded by ctx.
func (t *Transport) LockContext(ctx context.Context) (*Locked, error) {
	d, ok := ctx.Deadline()
	if !ok {
		return t.Lock()
	}
	return t.TimedLock(d)
}

// TimedLock is Lock with a deadline; a zero deadline waits forever.
func (t *Transport) TimedLock(deadline time.Time) (*Locked, error) {
	if t.readonly {
		// Observers have nothing to lock: the mapping is not writable, so
		// the futex word cannot be taken, and the committed page they read
		// is valid without one.
		return &Locked{t: t}, nil
	}

	outcome, err := t.hdr.mu.TimedLock(deadline)
	if err != nil {
		return nil, errs.Wrap("transport.Transport.Lock", errs.KindOf(err), err)
	}

	t.enterCriticalSection()
	if outcome == robustsync.AcquiredOwnerDied {
		debuglog.Printf("transport: recovered header mutex from dead owner, discarding working page")
		t.scheduleNotify()
	}
	return &Locked{t: t}, nil
}

// LockFor is Lock with a relative timeout resolved against clock (nil
// meaning the real wall clock), the same injectable-clock seam
// robustsync.Mutex.LockFor offers, so callers that already carry a
// clockutil.Clock (tests swapping in a simulated one, for instance) never
// have to compute an absolute deadline by hand.
func (t *Transport) LockFor(clock clockutil.Clock, d time.Duration) (*Locked, error) {
	if clock == nil {
		clock = clockutil.Real()
	}
	return t.TimedLock(clockutil.Deadline(clock, d))
}

// scheduleNotify marks that this critical section should broadcast
// wake_ftx when it unlocks, matching a0_schedule_notify. It is per-handle:
// only the handle currently holding the mutex can call it, and the flag is
// consumed (and reset) by the matching Unlock.
func (lk *Locked) scheduleNotify() { lk.t.scheduleNotify() }

func (t *Transport) scheduleNotify() { t.notify = true }

// Unlock copies the committed page over the working page (a no-op if
// Commit already made them equal; otherwise it discards whatever was left
// uncommitted), broadcasts wake_ftx if this critical section scheduled a
// notification, and releases the header mutex.
func (lk *Locked) Unlock() error {
	t := lk.t
	if t.readonly {
		return nil
	}
	*t.workingPage() = *t.committedPage()

	if loadAcquire(&t.hdr.hasWaiter) != 0 && t.notify {
		// This intentionally reproduces the upstream library's odd
		// has_notify_listener recompute: it reads the *old* wake_ftx
		// value before overwriting it with this critical section's
		// token, which only works out because wait_for_notify always
		// leaves wake_ftx equal to the token it parked on. Waiters can
		// therefore tell whether they were the one that armed hasWaiter
		// for *this* broadcast, or whether it's stale from an earlier
		// parked waiter nobody has collected yet.
		armed := loadAcquire(&t.hdr.wakeFtx) == t.lockToken
		storeRelease(&t.hdr.wakeFtx, t.lockToken)
		t.hdr.hasWaiter = boolToUint32(armed)
		futex.Broadcast(&t.hdr.wakeFtx)
	}

	if err := t.hdr.mu.Unlock(); err != nil {
		return errs.Wrap("transport.Locked.Unlock", errs.KindOf(err), err)
	}
	return nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// waitForNotify parks this handle on wake_ftx until woken by some other
// handle's Unlock, then reacquires the header mutex (leaving lk valid to
// keep using). If that reacquisition fails, for example because deadline
// has passed, the error is returned and lk no longer holds the mutex. It is the shared building block for Close and Wait's
// blocking step.
func (lk *Locked) waitForNotify(deadline time.Time) error {
	t := lk.t

	key := t.lockToken
	storeRelease(&t.hdr.wakeFtx, key)
	t.hdr.hasWaiter = 1

	if err := lk.Unlock(); err != nil {
		return err
	}

	_, _ = futex.Wait(&t.hdr.wakeFtx, key, deadline)

	reacquired, err := t.TimedLock(deadline)
	if err != nil {
		return err
	}
	*lk = *reacquired
	return nil
}

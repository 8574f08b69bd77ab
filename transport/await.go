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
	"time"

	"github.com/alephzero-go/a0/errs"
)

// Predicate evaluates some condition against lk's working page, run while
// the header mutex is held. A predicate must not itself block.
type Predicate func(lk *Locked) (bool, error)

// NonEmpty is satisfied once the log holds at least one live frame.
func NonEmpty(lk *Locked) (bool, error) { return !lk.Empty(), nil }

// HasNext is satisfied once lk's cursor can StepNext, i.e. a new frame has
// been committed past the cursor's current position.
func HasNext(lk *Locked) (bool, error) { return lk.HasNext(), nil }

// Wait blocks until pred(lk) reports true, reports an error, or the
// transport is closed, re-evaluating pred each time this handle is woken
// by some other handle's Commit or by Close. It must be called with lk
// already holding the header mutex, and returns with lk still holding it.
//
// Every blocking read in this module funnels through here: there is no
// other suspension point besides the header mutex and condition-variable
// waits inside robustsync itself.
func (lk *Locked) Wait(pred Predicate) error {
	t := lk.t

	if t.readonly {
		// Parking requires writing wake_ftx and has_waiter, which an
		// observer's mapping does not permit.
		return errs.New("transport.Locked.Wait", errs.NotPermitted)
	}
	if t.closing {
		return errs.New("transport.Locked.Wait", errs.Shutdown)
	}

	sat, err := pred(lk)
	if err != nil || sat {
		return err
	}

	t.awaitCnt++
	defer func() {
		t.awaitCnt--
		t.scheduleNotify()
	}()

	for !t.closing {
		sat, err = pred(lk)
		if err != nil || sat {
			return err
		}
		if err := lk.waitForNotify(time.Time{}); err != nil {
			return err
		}
	}
	if t.closing {
		return errs.New("transport.Locked.Wait", errs.Shutdown)
	}
	return nil
}

// TimedWait is Wait with a deadline; a zero deadline waits forever. When
// the deadline is found passed between wakes, TimedWait returns
// errs.TimedOut still holding the header mutex; when it passes while the
// mutex is being reacquired after a wake, the reacquisition's error is
// returned and lk no longer holds the mutex.
func (lk *Locked) TimedWait(pred Predicate, deadline time.Time) error {
	t := lk.t

	if t.readonly {
		return errs.New("transport.Locked.TimedWait", errs.NotPermitted)
	}
	if t.closing {
		return errs.New("transport.Locked.TimedWait", errs.Shutdown)
	}

	sat, err := pred(lk)
	if err != nil || sat {
		return err
	}

	t.awaitCnt++
	defer func() {
		t.awaitCnt--
		t.scheduleNotify()
	}()

	for !t.closing {
		sat, err = pred(lk)
		if err != nil || sat {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errs.New("transport.Locked.TimedWait", errs.TimedOut)
		}
		if err := lk.waitForNotify(deadline); err != nil {
			return err
		}
	}
	if t.closing {
		return errs.New("transport.Locked.TimedWait", errs.Shutdown)
	}
	return nil
}

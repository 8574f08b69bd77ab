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

// Package clockutil is the seam the LockFor/TakeFor helpers in this module go
// through to turn a relative timeout into an absolute deadline, so tests can
// swap in a simulated clock instead of depending on real elapsed wall time.
package clockutil

import (
	"time"

	"github.com/jacobsa/timeutil"
)

// Clock is re-exported so callers outside this package don't need to
// import jacobsa/timeutil directly just to construct one.
type Clock = timeutil.Clock

// Real returns the clock every production caller should use.
func Real() Clock { return timeutil.RealClock() }

// Deadline returns the absolute time d from now, according to clock. A
// non-positive d means "no deadline" and is reported back as a zero
// time.Time, the sentinel every Timed* function in futex/robustsync/
// transport/deadman treats as "wait forever".
func Deadline(clock Clock, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return clock.Now().Add(d)
}

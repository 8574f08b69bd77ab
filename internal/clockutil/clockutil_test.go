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

package clockutil

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
)

func TestDeadlineUsesInjectedClockNotWallTime(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.SetTime(base)

	got := Deadline(clock, 5*time.Second)
	want := base.Add(5 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("Deadline() = %v, want %v", got, want)
	}

	clock.AdvanceTime(time.Hour)
	got = Deadline(clock, 5*time.Second)
	want = base.Add(time.Hour).Add(5 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("Deadline() after AdvanceTime = %v, want %v", got, want)
	}
}

func TestDeadlineNonPositiveDurationMeansWaitForever(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Now())

	if d := Deadline(clock, 0); !d.IsZero() {
		t.Fatalf("Deadline(clock, 0) = %v, want zero Time", d)
	}
	if d := Deadline(clock, -time.Second); !d.IsZero() {
		t.Fatalf("Deadline(clock, negative) = %v, want zero Time", d)
	}
}

func TestRealReturnsWallClock(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Fatalf("Real().Now() = %v, want between %v and %v", got, before, after)
	}
}

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

package deadman

import (
	"testing"
	"time"

	"github.com/alephzero-go/a0/errs"
)

// TestTakeForTimesOutWithInjectedDeadline exercises the clockutil seam on
// Handle: TakeFor(nil, d) should behave like TimedTake(clockutil.Deadline(
// clockutil.Real(), d)), timing out while another handle holds the token.
// The owner holds it from its own goroutine (and so its own OS thread): a
// taker on the owner's thread would get Deadlock from the kernel instead.
func TestTakeForTimesOutWithInjectedDeadline(t *testing.T) {
	var tok Token
	owner := Attach(&tok)
	held := make(chan error, 1)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := owner.Take()
		held <- err
		if err != nil {
			return
		}
		<-release
		owner.Release()
	}()
	if err := <-held; err != nil {
		t.Fatalf("owner Take: %v", err)
	}
	defer func() {
		close(release)
		<-done
	}()

	other := Attach(&tok)
	_, err := other.TakeFor(nil, 20*time.Millisecond)
	if errs.KindOf(err) != errs.TimedOut {
		t.Fatalf("TakeFor while held = %v, want errs.TimedOut", err)
	}
}

// TestShutdownUnblocksWaitTaken parks several WaitTaken callers on one
// handle and checks that Shutdown drains them all with errs.Shutdown, then
// poisons subsequent takes on that handle.
func TestShutdownUnblocksWaitTaken(t *testing.T) {
	var tok Token
	h := Attach(&tok)

	const n = 3
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.WaitTaken()
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			if errs.KindOf(err) != errs.Shutdown {
				t.Fatalf("waiter result = %v, want errs.Shutdown", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("a waiter never observed shutdown")
		}
	}

	if _, err := h.TryTake(); errs.KindOf(err) != errs.Shutdown {
		t.Fatalf("TryTake after Shutdown = %v, want errs.Shutdown", err)
	}
	if _, err := h.Take(); errs.KindOf(err) != errs.Shutdown {
		t.Fatalf("Take after Shutdown = %v, want errs.Shutdown", err)
	}

	// Shutdown is per-handle: a fresh handle on the same token still works.
	other := Attach(&tok)
	if _, err := other.Take(); err != nil {
		t.Fatalf("Take on a fresh handle after another's Shutdown: %v", err)
	}
	if err := other.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestShutdownUnblocksWaitReleased(t *testing.T) {
	var tok Token
	owner := Attach(&tok)
	if _, err := owner.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer owner.Release()

	waiter := Attach(&tok)
	tkn, err := waiter.WaitTaken()
	if err != nil {
		t.Fatalf("WaitTaken: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- waiter.WaitReleased(tkn)
	}()

	time.Sleep(20 * time.Millisecond)

	if err := waiter.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-done:
		if errs.KindOf(err) != errs.Shutdown {
			t.Fatalf("WaitReleased after Shutdown = %v, want errs.Shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReleased never observed shutdown")
	}
}

// TestWaitTakenAndWaitReleased exercises a blocking waiter on a background
// goroutine, so it stays outside the ogletest suite: ogletest's Expect/Assert
// calls key off the current test's goroutine-local state and aren't safe to
// call from a goroutine that outlives the calling suite method.
func TestWaitTakenAndWaitReleased(t *testing.T) {
	var tok Token
	owner := Attach(&tok)
	waiter := Attach(&tok)

	taken := make(chan uint64, 1)
	released := make(chan error, 1)
	go func() {
		tkn, err := waiter.WaitTaken()
		if err != nil {
			t.Errorf("WaitTaken: %v", err)
			return
		}
		taken <- tkn
		released <- waiter.WaitReleased(tkn)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := owner.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}

	var tkn uint64
	select {
	case tkn = <-taken:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitTaken")
	}
	if tkn != 1 {
		t.Errorf("got token %d, want 1", tkn)
	}

	if err := owner.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-released:
		if err != nil {
			t.Errorf("WaitReleased: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitReleased")
	}
}

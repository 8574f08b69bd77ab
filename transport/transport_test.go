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

package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/alephzero-go/a0/errs"
)

func mustAttach(t *testing.T, data []byte) (*Locked, Status) {
	t.Helper()
	lk, status, err := Attach(data, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return lk, status
}

func TestAttachCreateAndInspect(t *testing.T) {
	data := make([]byte, 4096)

	lk, status := mustAttach(t, data)
	if status != Created {
		t.Fatalf("status = %v, want Created", status)
	}
	if !lk.Empty() {
		t.Fatalf("freshly created log should be empty")
	}
	if low, high := lk.SeqRange(); low != 0 || high != 0 {
		t.Fatalf("fresh log seq range = [%d,%d], want [0,0]", low, high)
	}
	if err := lk.JumpHead(); errs.KindOf(err) != errs.Again {
		t.Fatalf("JumpHead on empty = %v, want errs.Again", err)
	}
	if err := lk.JumpTail(); errs.KindOf(err) != errs.Again {
		t.Fatalf("JumpTail on empty = %v, want errs.Again", err)
	}
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	lk2, status2 := mustAttach(t, data)
	if status2 != Connected {
		t.Fatalf("second Attach status = %v, want Connected", status2)
	}
	if !lk2.Empty() {
		t.Fatalf("second attacher should still see an empty log")
	}
	if err := lk2.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestTwoFrames(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)

	fr1, err := lk.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc #1: %v", err)
	}
	copy(fr1.Data, "0123456789")
	lk.Commit()

	fr2, err := lk.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc #2: %v", err)
	}
	copy(fr2.Data, "9876543210")
	lk.Commit()

	if err := lk.JumpHead(); err != nil {
		t.Fatalf("JumpHead: %v", err)
	}
	first, err := lk.Frame()
	if err != nil {
		t.Fatalf("Frame at head: %v", err)
	}
	if first.Seq != 1 || string(first.Data) != "0123456789" {
		t.Fatalf("head frame = %+v, want seq 1 / 0123456789", first)
	}
	if !lk.HasNext() {
		t.Fatalf("HasNext should be true with a second frame committed")
	}
	if err := lk.StepNext(); err != nil {
		t.Fatalf("StepNext: %v", err)
	}
	second, err := lk.Frame()
	if err != nil {
		t.Fatalf("Frame after StepNext: %v", err)
	}
	if second.Seq != 2 || string(second.Data) != "9876543210" {
		t.Fatalf("second frame = %+v, want seq 2 / 9876543210", second)
	}
	if lk.HasNext() {
		t.Fatalf("HasNext should be false at the tail")
	}

	if err := lk.JumpTail(); err != nil {
		t.Fatalf("JumpTail: %v", err)
	}
	if !lk.HasPrev() {
		t.Fatalf("HasPrev should be true at the tail with two frames")
	}
	if err := lk.StepPrev(); err != nil {
		t.Fatalf("StepPrev: %v", err)
	}
	if lk.Cursor().Seq != 1 {
		t.Fatalf("cursor seq after StepPrev = %d, want 1", lk.Cursor().Seq)
	}

	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestWrapAroundEvicts allocates twenty 1024-byte frames into an arena sized
// to hold exactly three at a time, and checks that the log always settles
// back down to exactly three live frames, the newest three sequence
// numbers.
func TestWrapAroundEvicts(t *testing.T) {
	const (
		payload  = 1024
		capacity = 3
	)
	frameSize := uint64(frameHeaderSize) + payload
	// One byte of slack past exactly-three-frames-worth of space: a frame
	// must end strictly before arena_size, so without it the third frame
	// would already wrap. With it, three frames fit and every allocation
	// from the fourth on wraps or evicts to stay at three.
	arenaSize := uint64(headerSize) + capacity*frameSize + 1
	data := make([]byte, arenaSize)

	lk, _ := mustAttach(t, data)

	buf := make([]byte, payload)
	for i := 0; i < 20; i++ {
		fr, err := lk.Alloc(payload)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i+1, err)
		}
		copy(fr.Data, buf)
		lk.Commit()
	}

	low, high := lk.SeqRange()
	if high != 20 {
		t.Fatalf("seqHigh = %d, want 20", high)
	}
	if low != 18 {
		t.Fatalf("seqLow = %d, want 18", low)
	}
	if high-low+1 != capacity {
		t.Fatalf("live frame count = %d, want %d", high-low+1, capacity)
	}

	if err := lk.JumpHead(); err != nil {
		t.Fatalf("JumpHead: %v", err)
	}
	seqs := []uint64{lk.Cursor().Seq}
	for lk.HasNext() {
		if err := lk.StepNext(); err != nil {
			t.Fatalf("StepNext: %v", err)
		}
		seqs = append(seqs, lk.Cursor().Seq)
	}
	want := []uint64{18, 19, 20}
	if diff := pretty.Compare(want, seqs); diff != "" {
		t.Fatalf("walked seqs mismatch:\n%s", diff)
	}

	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestAllocTooLargeOverflows(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)
	defer lk.Unlock()

	if _, err := lk.Alloc(uint64(len(data))); errs.KindOf(err) != errs.Overflow {
		t.Fatalf("Alloc larger than arena = %v, want errs.Overflow", err)
	}
}

// TestAllocBoundaryAtArenaEnd pins down the end-of-arena fit rule: a frame
// must end strictly before arena_size, so an allocation
// sized to end exactly at arena_size is rejected while one byte less fits.
func TestAllocBoundaryAtArenaEnd(t *testing.T) {
	const payload = 512
	arenaSize := uint64(headerSize) + uint64(frameHeaderSize) + payload
	data := make([]byte, arenaSize)

	lk, _ := mustAttach(t, data)
	defer lk.Unlock()

	if _, err := lk.Alloc(payload); errs.KindOf(err) != errs.Overflow {
		t.Fatalf("Alloc ending exactly at arena end = %v, want errs.Overflow", err)
	}
	if low, high := lk.SeqRange(); low != 0 || high != 0 {
		t.Fatalf("failed Alloc mutated state: seq range [%d,%d], want [0,0]", low, high)
	}

	if _, err := lk.Alloc(payload - 1); err != nil {
		t.Fatalf("Alloc one byte under the boundary: %v", err)
	}
	lk.Commit()
}

func TestCommitOfEmptyWorkingPageIsNoOp(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)

	before := *lk.t.committedPage()
	lk.Commit()
	after := *lk.t.committedPage()
	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("Commit of an untouched empty page changed it:\n%s", diff)
	}

	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestUnlockWithoutMutationLeavesCommittedUnchanged(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)

	fr, err := lk.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(fr.Data, "abcd")
	lk.Commit()
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	t2 := lk.t
	before := *t2.committedPage()

	lk2, err := t2.Lock()
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if err := lk2.Unlock(); err != nil {
		t.Fatalf("Unlock without mutation: %v", err)
	}

	after := *t2.committedPage()
	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("uneventful lock/unlock changed the committed page:\n%s", diff)
	}
}

// TestOwnerDeathRecovery forges the futex word the kernel leaves behind when
// a thread dies while holding a robust futex (FUTEX_OWNER_DIED set, the tid
// bits cleared to zero) and checks that the next locker both observes
// AcquiredOwnerDied and finds the working page reset to the last committed
// state, discarding whatever the dead holder had allocated but never
// committed.
func TestOwnerDeathRecovery(t *testing.T) {
	const ownerDiedBit = 0x40000000

	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)

	fr, err := lk.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(fr.Data, "dead")
	// Deliberately never Commit or Unlock: this handle is about to "die"
	// mid critical-section, with its allocation never published.

	atomic.StoreUint32(&lk.t.hdr.mu.Ftx, ownerDiedBit)

	lk2, status2, err := Attach(data, 0)
	if err != nil {
		t.Fatalf("Attach after forged owner death: %v", err)
	}
	if status2 != Connected {
		t.Fatalf("status = %v, want Connected", status2)
	}
	if !lk2.Empty() {
		t.Fatalf("dead owner's uncommitted allocation should not survive recovery")
	}
	if err := lk2.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestAwaitWakesOnCommit has one handle block in Wait(NonEmpty) while a
// second handle allocates and commits a frame, and checks that the waiter
// wakes and can read what was committed. The waiter's Attach, Wait and
// eventual Unlock all run on the same goroutine: futex ownership belongs to
// whichever OS thread locked the mutex, so a Lock/Unlock pair must never
// split across goroutines.
func TestAwaitWakesOnCommit(t *testing.T) {
	data := make([]byte, 4096)
	lk1, _ := mustAttach(t, data)
	t1 := lk1.t
	if err := lk1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	type result struct {
		data string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		lk2, _, err := Attach(data, 0)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		if err := lk2.Wait(NonEmpty); err != nil {
			lk2.Unlock()
			resCh <- result{err: err}
			return
		}
		if err := lk2.JumpHead(); err != nil {
			lk2.Unlock()
			resCh <- result{err: err}
			return
		}
		fr, err := lk2.Frame()
		if err != nil {
			lk2.Unlock()
			resCh <- result{err: err}
			return
		}
		got := string(fr.Data)
		if err := lk2.Unlock(); err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{data: got}
	}()

	time.Sleep(20 * time.Millisecond)

	lk1b, err := t1.Lock()
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	fr, err := lk1b.Alloc(5)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(fr.Data, "hello")
	lk1b.Commit()
	if err := lk1b.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("waiter error: %v", res.err)
		}
		if res.data != "hello" {
			t.Fatalf("frame data = %q, want %q", res.data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

// TestReaderFallsBehindEviction parks a reader's cursor at the oldest live
// frame, then has a writer allocate enough new frames to evict it. The
// reader's Frame() call must report errs.BrokenPipe rather than silently
// returning stale or overwritten bytes, and StepNext() must recover the
// cursor to the new head.
func TestReaderFallsBehindEviction(t *testing.T) {
	const (
		payload  = 1024
		capacity = 5
	)
	frameSize := uint64(frameHeaderSize) + payload
	arenaSize := uint64(headerSize) + capacity*frameSize + 1
	data := make([]byte, arenaSize)

	lkW, _ := mustAttach(t, data)
	tW := lkW.t

	buf := make([]byte, payload)
	for i := 0; i < capacity; i++ {
		fr, err := lkW.Alloc(payload)
		if err != nil {
			t.Fatalf("initial Alloc #%d: %v", i+1, err)
		}
		copy(fr.Data, buf)
		lkW.Commit()
	}
	if err := lkW.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	lkR, _ := mustAttach(t, data)
	tR := lkR.t
	if err := lkR.JumpHead(); err != nil {
		t.Fatalf("JumpHead: %v", err)
	}
	if lkR.Cursor().Seq != 1 {
		t.Fatalf("reader cursor = %d, want 1 (the oldest live frame)", lkR.Cursor().Seq)
	}
	if err := lkR.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	lkW2, err := tW.Lock()
	if err != nil {
		t.Fatalf("relock writer: %v", err)
	}
	for i := 0; i < capacity; i++ {
		fr, err := lkW2.Alloc(payload)
		if err != nil {
			t.Fatalf("evicting Alloc #%d: %v", i+1, err)
		}
		copy(fr.Data, buf)
		lkW2.Commit()
	}
	if err := lkW2.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	lkR2, err := tR.Lock()
	if err != nil {
		t.Fatalf("relock reader: %v", err)
	}
	if lkR2.PtrValid() {
		t.Fatalf("reader cursor should no longer be valid after eviction")
	}
	if _, err := lkR2.Frame(); errs.KindOf(err) != errs.BrokenPipe {
		t.Fatalf("Frame on evicted cursor = %v, want errs.BrokenPipe", err)
	}
	if err := lkR2.StepNext(); err != nil {
		t.Fatalf("StepNext recovery: %v", err)
	}
	if lkR2.Cursor().Seq != capacity+1 {
		t.Fatalf("recovered cursor seq = %d, want %d (new head)", lkR2.Cursor().Seq, capacity+1)
	}
	recovered, err := lkR2.Frame()
	if err != nil {
		t.Fatalf("Frame after recovery: %v", err)
	}
	if recovered.Seq != capacity+1 {
		t.Fatalf("recovered frame seq = %d, want %d", recovered.Seq, capacity+1)
	}
	if err := lkR2.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestCloseShutsDownWaiters(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)
	tr := lk.t
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	const n = 3
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			l, err := tr.Lock()
			if err != nil {
				results <- err
				return
			}
			waitErr := l.Wait(NonEmpty)
			if err := l.Unlock(); err != nil && waitErr == nil {
				waitErr = err
			}
			results <- waitErr
		}()
	}

	time.Sleep(20 * time.Millisecond)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
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
}

func TestInitMetadataRejectsNonEmptyLog(t *testing.T) {
	data := make([]byte, 8192)
	lk, _ := mustAttach(t, data)

	fr, err := lk.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(fr.Data, "abcd")
	lk.Commit()

	if err := lk.InitMetadata(64); errs.KindOf(err) != errs.NotPermitted {
		t.Fatalf("InitMetadata on a non-empty log = %v, want errs.NotPermitted", err)
	}

	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestLockForTimesOutWithInjectedDeadline exercises the clockutil seam on
// Transport: LockFor(nil, d) converts a relative timeout to an absolute
// deadline the same way TimedLock expects, timing out while another
// goroutine holds the header mutex. The holder runs on its own goroutine
// (hence its own OS thread, since futex ownership is per-TID) so the
// waiter genuinely blocks instead of hitting kernel deadlock detection on
// a same-thread relock.
func TestLockForTimesOutWithInjectedDeadline(t *testing.T) {
	data := make([]byte, 4096)
	lk, _ := mustAttach(t, data)
	tr := lk.t
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		l, err := tr.Lock()
		if err != nil {
			t.Errorf("holder Lock: %v", err)
			close(held)
			return
		}
		close(held)
		<-release
		if err := l.Unlock(); err != nil {
			t.Errorf("holder Unlock: %v", err)
		}
	}()

	<-held
	_, err := tr.LockFor(nil, 20*time.Millisecond)
	close(release)
	if errs.KindOf(err) != errs.TimedOut {
		t.Fatalf("LockFor while held = %v, want errs.TimedOut", err)
	}
}

func TestReadOnlyObserver(t *testing.T) {
	data := make([]byte, 4096)

	if _, err := AttachReadOnly(data); errs.KindOf(err) != errs.Again {
		t.Fatalf("AttachReadOnly before any writer = %v, want errs.Again", err)
	}

	lk, _ := mustAttach(t, data)
	fr, err := lk.Alloc(5)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(fr.Data, "hello")
	lk.Commit()
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	ro, err := AttachReadOnly(data)
	if err != nil {
		t.Fatalf("AttachReadOnly: %v", err)
	}
	if ro.Empty() {
		t.Fatalf("observer should see the committed frame")
	}
	if err := ro.JumpHead(); err != nil {
		t.Fatalf("observer JumpHead: %v", err)
	}
	got, err := ro.Frame()
	if err != nil {
		t.Fatalf("observer Frame: %v", err)
	}
	if got.Seq != 1 || string(got.Data) != "hello" {
		t.Fatalf("observer frame = %+v, want seq 1 / hello", got)
	}

	if _, err := ro.Alloc(1); errs.KindOf(err) != errs.NotPermitted {
		t.Fatalf("observer Alloc = %v, want errs.NotPermitted", err)
	}
	if err := ro.Commit(); errs.KindOf(err) != errs.NotPermitted {
		t.Fatalf("observer Commit = %v, want errs.NotPermitted", err)
	}
	if err := ro.InitMetadata(8); errs.KindOf(err) != errs.NotPermitted {
		t.Fatalf("observer InitMetadata = %v, want errs.NotPermitted", err)
	}
	if err := ro.Wait(NonEmpty); errs.KindOf(err) != errs.NotPermitted {
		t.Fatalf("observer Wait = %v, want errs.NotPermitted", err)
	}
	if err := ro.Unlock(); err != nil {
		t.Fatalf("observer Unlock: %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	data := make([]byte, 8192)
	lk, _, err := Attach(data, 32)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	copy(lk.t.Metadata(), "configuration blob")
	if err := lk.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	lk2, status, err := Attach(data, 0)
	if err != nil {
		t.Fatalf("Attach (connect): %v", err)
	}
	if status != Connected {
		t.Fatalf("status = %v, want Connected", status)
	}
	if got := string(lk2.t.Metadata()[:len("configuration blob")]); got != "configuration blob" {
		t.Fatalf("Metadata() = %q, want %q", got, "configuration blob")
	}
	if err := lk2.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

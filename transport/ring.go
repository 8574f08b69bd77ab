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

import "github.com/alephzero-go/a0/errs"

// Empty reports whether the working page currently describes a log with no
// live frames.
func (lk *Locked) Empty() bool { return lk.t.readPage().empty() }

// SeqRange returns the working page's current [low, high] live sequence
// range. An empty log reports either high == 0 (nothing ever allocated, so
// a fresh log reports [0,0]) or low > high (every frame evicted); in either
// case the values carry no other meaning.
func (lk *Locked) SeqRange() (low, high uint64) {
	state := lk.t.readPage()
	return state.seqLow, state.seqHigh
}

// headInterval returns the byte range of the current head frame, and false
// if the log is empty.
func (t *Transport) headInterval(state *statePage) (off, size uint64, ok bool) {
	if state.empty() {
		return 0, 0, false
	}
	off = state.offHead
	size = uint64(frameHeaderSize) + t.frameHeaderAt(off).dataSize
	return off, size, true
}

// findSlot computes the tentative offset a frame of frameSize bytes would
// be written at: the data start if the log is empty, otherwise max-aligned
// past the current tail, wrapping to the data start if the frame would not
// end strictly before arena_size. Returns errs.Overflow if even the wrapped position doesn't
// fit.
func (t *Transport) findSlot(frameSize uint64) (uint64, error) {
	state := t.workingPage()

	var off uint64
	if state.empty() {
		off = t.hdr.workspaceOff()
	} else {
		off = uint64(alignMax(uintptr(t.frameEnd(state.offTail))))
		if off+frameSize >= t.hdr.arenaSize {
			off = t.hdr.workspaceOff()
		}
	}

	if off+frameSize >= t.hdr.arenaSize {
		return 0, errs.New("transport.Locked.Alloc", errs.Overflow)
	}
	return off, nil
}

// removeHead evicts the current head frame, advancing seq_low/off_head and
// committing the result.
func (t *Transport) removeHead(state *statePage) {
	headHdr := t.frameHeaderAt(state.offHead)

	if state.offHead == state.offTail {
		state.offHead = 0
		state.offTail = 0
		state.seqLow++
	} else {
		nextHdr := t.frameHeaderAt(headHdr.nextOff)
		state.offHead = nextHdr.off
		state.seqLow = nextHdr.seq
		nextHdr.prevOff = 0
	}
	t.commitLocked()
}

// evict removes head frames until the next one no longer intersects the
// byte range [off, off+frameSize). A single large allocation can evict
// many frames in one call.
func (t *Transport) evict(off, frameSize uint64) {
	state := t.workingPage()
	for {
		headOff, headSize, ok := t.headInterval(state)
		if !ok || !intersects(off, frameSize, headOff, headSize) {
			return
		}
		t.removeHead(state)
		state = t.workingPage()
	}
}

// AllocEvicts predicts, without mutating any state, whether Alloc(size)
// would have to evict at least one frame to make room.
func (lk *Locked) AllocEvicts(size uint64) (bool, error) {
	t := lk.t
	if t.readonly {
		return false, errs.New("transport.Locked.AllocEvicts", errs.NotPermitted)
	}
	frameSize := uint64(frameHeaderSize) + size

	off, err := t.findSlot(frameSize)
	if err != nil {
		return false, err
	}

	headOff, headSize, ok := t.headInterval(t.workingPage())
	return ok && intersects(off, frameSize, headOff, headSize), nil
}

// Alloc reserves frameSize = sizeof(FH)+size bytes for a new frame (the
// frame after it starts at the next max-aligned offset), evicting head frames as needed, and returns its header and a
// payload slice ready for the caller to fill in. Alloc mutates the working
// page, so this handle can see its own allocation immediately (e.g. via
// JumpTail) before committing; every other handle keeps seeing the last
// committed page until this one calls Commit.
func (lk *Locked) Alloc(size uint64) (Frame, error) {
	t := lk.t
	if t.readonly {
		return Frame{}, errs.New("transport.Locked.Alloc", errs.NotPermitted)
	}
	frameSize := uint64(frameHeaderSize) + size

	off, err := t.findSlot(frameSize)
	if err != nil {
		return Frame{}, err
	}

	t.evict(off, frameSize)

	// evict may have committed, which replaces the working page object;
	// re-fetch it afterward.
	state := t.workingPage()

	fh := t.frameHeaderAt(off)
	*fh = frameHeader{}
	fh.seq = state.seqHigh + 1
	state.seqHigh = fh.seq
	if state.seqLow == 0 {
		state.seqLow = fh.seq
	}
	fh.off = off
	fh.dataSize = size

	if state.offHead == 0 {
		state.offHead = fh.off
	}
	if state.offTail != 0 {
		tailHdr := t.frameHeaderAt(state.offTail)
		tailHdr.nextOff = fh.off
		fh.prevOff = state.offTail
	}
	state.offTail = fh.off

	return Frame{
		Seq:      fh.seq,
		Off:      fh.off,
		PrevOff:  fh.prevOff,
		NextOff:  fh.nextOff,
		DataSize: fh.dataSize,
		Data:     t.frameDataAt(fh.off, fh.dataSize),
	}, nil
}

// commitLocked is Commit's body, shared with removeHead (which must commit
// mid-operation so a later eviction step sees a consistent working page).
func (t *Transport) commitLocked() {
	t.hdr.committedIdx = 1 - t.hdr.committedIdx
	*t.workingPage() = *t.committedPage()
	t.scheduleNotify()
}

// Commit publishes the working page by flipping committed_page_idx, making
// every Alloc since the last Commit (or lock acquisition) visible to other
// handles. Any allocation never committed is silently reverted the next
// time anyone locks the header. Commit on a read-only handle fails with
// errs.NotPermitted.
func (lk *Locked) Commit() error {
	if lk.t.readonly {
		return errs.New("transport.Locked.Commit", errs.NotPermitted)
	}
	lk.t.commitLocked()
	return nil
}

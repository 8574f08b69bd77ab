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

// Cursor reports this handle's current (seq, offset) position in the
// frame chain, the value JumpHead/JumpTail/StepNext/StepPrev advance.
type Cursor struct {
	Seq uint64
	Off uint64
}

// Cursor returns this handle's current position.
func (lk *Locked) Cursor() Cursor { return Cursor{Seq: lk.t.seq, Off: lk.t.off} }

// JumpHead moves the cursor to the oldest live frame. It fails with
// errs.Again if the log is currently empty — try again after something
// is allocated.
func (lk *Locked) JumpHead() error {
	t := lk.t
	state := t.readPage()
	if state.empty() {
		return errs.New("transport.Locked.JumpHead", errs.Again)
	}
	t.seq = state.seqLow
	t.off = state.offHead
	return nil
}

// JumpTail moves the cursor to the newest live frame.
func (lk *Locked) JumpTail() error {
	t := lk.t
	state := t.readPage()
	if state.empty() {
		return errs.New("transport.Locked.JumpTail", errs.Again)
	}
	t.seq = state.seqHigh
	t.off = state.offTail
	return nil
}

// HasNext reports whether StepNext would succeed.
func (lk *Locked) HasNext() bool {
	state := lk.t.readPage()
	return !state.empty() && lk.t.seq < state.seqHigh
}

// HasPrev reports whether StepPrev would succeed.
func (lk *Locked) HasPrev() bool {
	state := lk.t.readPage()
	return !state.empty() && lk.t.seq > state.seqLow
}

// StepNext advances the cursor one hop forward in the chain. If the
// cursor has fallen behind eviction (its sequence is below the current
// head), this resets it to the head instead of erroring — the defined
// recovery for a reader that fell behind while not holding the mutex.
func (lk *Locked) StepNext() error {
	t := lk.t
	if !lk.HasNext() {
		return errs.New("transport.Locked.StepNext", errs.Again)
	}

	state := t.readPage()
	if t.seq < state.seqLow {
		t.seq = state.seqLow
		t.off = state.offHead
		return nil
	}

	cur := t.frameHeaderAt(t.off)
	t.off = cur.nextOff
	next := t.frameHeaderAt(t.off)
	t.seq = next.seq
	return nil
}

// StepPrev advances the cursor one hop backward in the chain.
func (lk *Locked) StepPrev() error {
	t := lk.t
	if !lk.HasPrev() {
		return errs.New("transport.Locked.StepPrev", errs.Again)
	}

	cur := t.frameHeaderAt(t.off)
	t.off = cur.prevOff
	prev := t.frameHeaderAt(t.off)
	t.seq = prev.seq
	return nil
}

// PtrValid reports whether the cursor's sequence still lies within the
// working page's live range. A reader whose cursor has been entirely
// evicted (PtrValid false) must re-JumpHead; StepNext performs that
// recovery automatically when only the low end has moved past it.
func (lk *Locked) PtrValid() bool {
	state := lk.t.readPage()
	return state.seqLow <= lk.t.seq && lk.t.seq <= state.seqHigh
}

// Frame returns the frame header and payload at the cursor. It fails with
// errs.BrokenPipe if the cursor's sequence has fallen below the working
// page's head — the frame it once pointed to has been evicted and its
// bytes may already be overwritten by a new allocation.
func (lk *Locked) Frame() (Frame, error) {
	t := lk.t
	state := t.readPage()

	if t.seq < state.seqLow {
		return Frame{}, errs.New("transport.Locked.Frame", errs.BrokenPipe)
	}

	fh := t.frameHeaderAt(t.off)
	return Frame{
		Seq:      fh.seq,
		Off:      fh.off,
		PrevOff:  fh.prevOff,
		NextOff:  fh.nextOff,
		DataSize: fh.dataSize,
		Data:     t.frameDataAt(fh.off, fh.dataSize),
	}, nil
}

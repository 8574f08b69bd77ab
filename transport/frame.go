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

import "unsafe"

// frameHeader is the packed, max-aligned prefix of every frame in the
// ring: seq, off (self-offset, used for validation and the debug dump),
// prev_off, next_off, data_size.
type frameHeader struct {
	seq      uint64
	off      uint64
	prevOff  uint64
	nextOff  uint64
	dataSize uint64
}

const frameHeaderSize = unsafe.Sizeof(frameHeader{})

// Frame is the value handed back by Locked.Frame: a copy of the frame
// header plus a slice view of its payload bytes (still backed by the
// arena — callers that need the bytes past the critical section must copy
// them out themselves).
type Frame struct {
	Seq      uint64
	Off      uint64
	PrevOff  uint64
	NextOff  uint64
	DataSize uint64
	Data     []byte
}

func (t *Transport) frameHeaderAt(off uint64) *frameHeader {
	return (*frameHeader)(unsafe.Pointer(&t.data[off]))
}

func (t *Transport) frameDataAt(off uint64, size uint64) []byte {
	start := off + uint64(frameHeaderSize)
	return t.data[start : start+size]
}

// frameEnd returns the byte offset one past the end of the frame that
// starts at off, i.e. a0_transport_frame_end.
func (t *Transport) frameEnd(off uint64) uint64 {
	fh := t.frameHeaderAt(off)
	return off + uint64(frameHeaderSize) + fh.dataSize
}

// intersects reports whether byte ranges [start1,start1+size1) and
// [start2,start2+size2) overlap, i.e. a0_transport_frame_intersects.
func intersects(start1, size1, start2, size2 uint64) bool {
	end1 := start1 + size1
	end2 := start2 + size2
	return start1 < end2 && start2 < end1
}

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

// Package transport implements the crash-resilient shared-memory ring log:
// a single-producer/multiple-consumer, lock-protected, bounded log of
// variable-size frames stored entirely inside an arena, laid out so that
// any attached process can die at any point without corrupting the frame
// chain or deadlocking survivors.
//
// A Transport is attached to an arena's bytes with Attach, which performs
// the compare-and-swap initialization race described by the binary layout
// below: the first attacher records the arena and metadata sizes in the
// still-zero header and becomes its owner (status Created), every later
// attacher simply waits for that to finish (status
// Connected). Every mutating or observing operation goes through Lock,
// which hands back a *Locked view whose methods implement the ring
// algorithm, the cursor-based iterator, and the await/notify protocol.
package transport

import (
	"unsafe"

	"github.com/alephzero-go/a0/errs"
	"github.com/alephzero-go/a0/robustsync"
)

// Status reports which half of the attach race a call to Attach won.
type Status int

const (
	// Created means this call initialized the header; the arena was
	// previously unused (all zero bytes).
	Created Status = iota
	// Connected means some other attacher already initialized the
	// header before this call observed it.
	Connected
)

func (s Status) String() string {
	if s == Created {
		return "created"
	}
	return "connected"
}

// statePage is one of the two double-buffered copies of the log's mutable
// extent: which sequence numbers are live and where their frames sit in
// the arena. Either page alone is always a self-consistent description of
// the log, which is the property that makes double-buffering useful here —
// a reader need never observe a page mid-mutation.
type statePage struct {
	seqLow  uint64
	seqHigh uint64
	offHead uint64
	offTail uint64
}

func (p *statePage) empty() bool {
	return p.seqHigh == 0 || p.seqLow > p.seqHigh
}

// header is the view over the arena's first bytes. initStarted and
// initCompleted are 32-bit words rather than single bytes: sync/atomic has
// no byte-sized compare-and-swap, and a header is never shared with a
// non-Go process (transports do not cross hosts, and no cross-language
// layout compatibility is promised), so the widening costs nothing. Go's
// own struct layout rules insert the max-alignment padding between the
// remaining fields.
type header struct {
	initStarted   uint32
	initCompleted uint32

	mu robustsync.Mutex

	wakeFtx   uint32
	nextToken uint32
	hasWaiter uint32

	statePages   [2]statePage
	committedIdx uint32

	arenaSize    uint64
	metadataSize uint64
}

// alignMax rounds n up to the architecture's maximum alignment (8 bytes on
// every platform this module targets), matching a0_max_align in the
// library this is ported from.
func alignMax(n uintptr) uintptr {
	const maxAlign = unsafe.Alignof(uint64(0))
	return (n + maxAlign - 1) &^ (maxAlign - 1)
}

// headerSize is the max-aligned offset of the metadata region, i.e. the
// analogue of a0_transport_metadata_off().
var headerSize = alignMax(unsafe.Sizeof(header{}))

// Transport is one process's handle onto an arena-backed log. It embeds no
// arena bytes itself: the arena slice, the header pointer, and this handle's cursor
// and await bookkeeping are the only state a Transport owns, all of it
// private to the attaching goroutine except where a Locked method says
// otherwise.
type Transport struct {
	data []byte
	hdr  *header

	// readonly marks a handle attached over a mapping without write
	// permission: it never touches the header mutex and every mutating
	// operation fails with errs.NotPermitted.
	readonly bool

	// Per-handle fields, touched only by the owning goroutine or by that
	// goroutine while holding hdr.mu.
	seq       uint64
	off       uint64
	awaitCnt  int
	closing   bool
	lockToken uint32
	notify    bool
}

func view(data []byte) *header {
	return (*header)(unsafe.Pointer(&data[0]))
}

// Attach maps a Transport handle onto data, which must be at least large
// enough to hold the header plus metadataSize bytes of metadata plus room
// for at least one frame. The first process to attach a freshly zeroed
// arena becomes the Created owner and is responsible for metadataSize (all
// other attachers ignore the argument, exactly mirroring
// a0_transport_init's "arena is either all-zero or pre-initialized"
// contract). Attach returns the handle already locked; callers must Unlock
// it once they are done with whatever they intended the initial lock for.
func Attach(data []byte, metadataSize uintptr) (*Locked, Status, error) {
	if uintptr(len(data)) < headerSize+alignMax(metadataSize)+minFrameSize {
		return nil, 0, errs.New("transport.Attach", errs.InvalidArgument)
	}

	hdr := view(data)
	t := &Transport{data: data, hdr: hdr}

	if casUint32(&hdr.initStarted, 0, 1) {
		hdr.arenaSize = uint64(len(data))
		hdr.metadataSize = uint64(metadataSize)

		lk, err := t.lockForInit()
		if err != nil {
			return nil, 0, err
		}
		storeRelease(&hdr.initCompleted, 1)
		return lk, Created, nil
	}

	for loadAcquire(&hdr.initCompleted) == 0 {
		spin()
	}

	lk, err := t.Lock()
	if err != nil {
		return nil, 0, err
	}
	return lk, Connected, nil
}

// AttachReadOnly maps an observer handle onto an arena this process cannot
// write — typically a file mapped with arena.ReadOnly for post-mortem
// inspection. The header must already have been initialized by some
// read-write attacher (errs.Again otherwise, since an observer cannot win
// the creation race against a mapping it cannot write).
//
// An observer never takes the header mutex: it reads the committed page
// directly, which is always a self-consistent description of the log no
// matter when it is sampled. The cost of skipping the lock is that an
// observer racing a live writer may see the log advance between two reads;
// the intended use is arenas with no concurrently attached writer. Every
// mutating operation on the returned handle fails with errs.NotPermitted.
func AttachReadOnly(data []byte) (*Locked, error) {
	if uintptr(len(data)) < headerSize+minFrameSize {
		return nil, errs.New("transport.AttachReadOnly", errs.InvalidArgument)
	}

	hdr := view(data)
	if loadAcquire(&hdr.initCompleted) == 0 {
		return nil, errs.New("transport.AttachReadOnly", errs.Again)
	}

	t := &Transport{data: data, hdr: hdr, readonly: true}
	return &Locked{t: t}, nil
}

// metadataOff is the max-aligned byte offset of the metadata region.
func metadataOff() uintptr { return headerSize }

// workspaceOff is the max-aligned byte offset of the first possible frame,
// i.e. the data start an empty log's first frame is allocated at.
func (hdr *header) workspaceOff() uint64 {
	return uint64(alignMax(metadataOff() + uintptr(hdr.metadataSize)))
}

// minFrameSize is the smallest a frame (header plus zero payload bytes)
// can ever be; Attach uses it as a sanity floor so a caller can't wire up
// an arena with no room for even one empty frame.
const minFrameSize = frameHeaderSize

// Metadata returns the opaque metadata region reserved by InitMetadata (or
// the zero-length region if none was ever reserved).
func (t *Transport) Metadata() []byte {
	off := metadataOff()
	size := uintptr(t.hdr.metadataSize)
	return t.data[off : off+size]
}

// InitMetadata reserves size bytes of opaque metadata ahead of the frame
// ring. It may only be called while the log is empty (mirrors
// a0_transport_init_metadata's EACCES-on-nonempty guard) and while lk holds
// the header lock.
func (lk *Locked) InitMetadata(size uintptr) error {
	if lk.t.readonly {
		return errs.New("transport.Locked.InitMetadata", errs.NotPermitted)
	}
	if !lk.t.workingPage().empty() {
		return errs.New("transport.Locked.InitMetadata", errs.NotPermitted)
	}
	need := headerSize + alignMax(size) + 64
	if need >= uintptr(len(lk.t.data)) {
		return errs.New("transport.Locked.InitMetadata", errs.Overflow)
	}
	lk.t.hdr.metadataSize = uint64(size)
	return nil
}

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

// Package arena maps the fixed-size block of memory every other package in
// this module treats as its shared address space: a transport's header and
// ring log, a deadman token, or any other structure addressed by byte
// offset rather than by a process-local pointer.
//
// This package deliberately does not manage the backing file's lifecycle
// beyond mapping and unmapping it: deciding where that file lives, how big
// to make it, and who deletes it is the job of a collaborator this module
// does not implement.
package arena

import (
	"os"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"

	"github.com/alephzero-go/a0/errs"
)

// Mode records whether an Arena was mapped for reading and writing or
// read-only.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read_only"
	}
	return "read_write"
}

// Arena is a memory-mapped view over a fixed-size backing file. The zero
// value is not usable; construct one with MapFile.
type Arena struct {
	data []byte
	mode Mode
}

// Bytes returns the mapped region. Its length never changes over the life
// of the handle.
func (a *Arena) Bytes() []byte { return a.data }

// Mode reports whether this handle was mapped read-write or read-only.
func (a *Arena) Mode() Mode { return a.mode }

// MapFile maps all of f's current contents (the file must already be sized
// to its final length; this package does not grow mappings). The caller
// remains responsible for f itself — closing the os.File after mapping is
// safe and does not unmap it.
func MapFile(f *os.File, mode Mode) (*Arena, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap("arena.MapFile", errs.InvalidArgument, err)
	}
	size := fi.Size()
	if size <= 0 {
		return nil, errs.New("arena.MapFile", errs.InvalidArgument)
	}

	prot := unix.PROT_READ
	if mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap("arena.MapFile", errs.InvalidArgument, err)
	}

	return &Arena{data: data, mode: mode}, nil
}

// Close unmaps the arena. The Arena must not be used afterward.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	if err != nil {
		return errs.Wrap("arena.Close", errs.InvalidArgument, err)
	}
	return nil
}

// CreateBackingFile is a test/example-only helper: it creates (or
// truncates) the file at path and preallocates size zero-filled bytes so
// that a subsequent MapFile sees stable, reserved backing storage rather
// than a sparse file that might fault or fail to grow under memory
// pressure. Production deployments are expected to supply their own
// already-sized file.
func CreateBackingFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap("arena.CreateBackingFile", errs.InvalidArgument, err)
	}

	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errs.Wrap("arena.CreateBackingFile", errs.InvalidArgument, err)
	}

	return f, nil
}

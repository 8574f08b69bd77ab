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

// Package errs defines the error vocabulary shared by every layer of the
// transport core: futex wrappers, robust synchronization primitives, the
// transport itself, and the deadman token. Every operation that can fail
// returns an error whose Kind can be recovered with errs.KindOf.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind discriminates the error surface described by the transport's binary
// contract. Each value maps 1:1 to a POSIX errno where one exists.
type Kind int

const (
	// OK is never itself returned as an error; it exists so Kind's zero
	// value has a name.
	OK Kind = iota
	Again
	TimedOut
	Busy
	Deadlock
	NotPermitted
	OwnerDied
	BrokenPipe
	Overflow
	Shutdown
	InvalidArgument
	NotFound
	Range
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Again:
		return "again"
	case TimedOut:
		return "timed_out"
	case Busy:
		return "busy"
	case Deadlock:
		return "deadlock"
	case NotPermitted:
		return "not_permitted"
	case OwnerDied:
		return "owner_died"
	case BrokenPipe:
		return "broken_pipe"
	case Overflow:
		return "overflow"
	case Shutdown:
		return "shutdown"
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case Range:
		return "range"
	default:
		return fmt.Sprintf("errs.Kind(%d)", int(k))
	}
}

// Errno is the errno each Kind maps to, for kinds that have a POSIX
// equivalent. Kinds without one (e.g. Deadlock maps to EDEADLK, which does
// have one; all current kinds do) are filled in here rather than left
// implicit.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case Again:
		return syscall.EAGAIN
	case TimedOut:
		return syscall.ETIMEDOUT
	case Busy:
		return syscall.EBUSY
	case Deadlock:
		return syscall.EDEADLK
	case NotPermitted:
		return syscall.EPERM
	case OwnerDied:
		return syscall.Errno(0x82) // ENOTRECOVERABLE's sibling EOWNERDEAD on linux/amd64
	case BrokenPipe:
		return syscall.EPIPE
	case Overflow:
		return syscall.EOVERFLOW
	case Shutdown:
		return syscall.ESHUTDOWN
	case InvalidArgument:
		return syscall.EINVAL
	case NotFound:
		return syscall.ENOENT
	case Range:
		return syscall.ERANGE
	default:
		return 0
	}
}

// Error is the concrete error type returned by this module. It always
// carries a Kind; Sys, when non-nil, is the underlying system error that
// produced it (replacing the C library's thread-local scratch buffer — in
// Go the detail travels with the error value itself).
type Error struct {
	Kind Kind
	Op   string
	Sys  error
}

func (e *Error) Error() string {
	if e.Sys != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Sys)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Sys }

// New constructs an *Error of the given kind for the named operation.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error of the given kind, recording sys as the
// underlying cause.
func Wrap(op string, kind Kind, sys error) error {
	return &Error{Op: op, Kind: kind, Sys: sys}
}

// KindOf extracts the Kind carried by err, or OK if err is nil, or
// InvalidArgument if err is some other error this package didn't produce.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidArgument
}

// Is reports whether err carries the given Kind. Sentinel values below let
// callers write errors.Is(err, errs.ErrOwnerDied) directly.
func (k Kind) Is(err error) bool {
	return KindOf(err) == k
}

// The following let errors.Is(err, errs.ErrOwnerDied) work without an
// intermediate KindOf call, matching how callers are expected to detect
// "success with caveat" per the transport's lock contract.
var (
	ErrAgain           = New("", Again)
	ErrTimedOut        = New("", TimedOut)
	ErrBusy            = New("", Busy)
	ErrDeadlock        = New("", Deadlock)
	ErrNotPermitted    = New("", NotPermitted)
	ErrOwnerDied       = New("", OwnerDied)
	ErrBrokenPipe      = New("", BrokenPipe)
	ErrOverflow        = New("", Overflow)
	ErrShutdown        = New("", Shutdown)
	ErrInvalidArgument = New("", InvalidArgument)
	ErrNotFound        = New("", NotFound)
	ErrRange           = New("", Range)
)

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

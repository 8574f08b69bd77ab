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

//go:build !linux

package futex

import "github.com/alephzero-go/a0/errs"

// Word is the 32-bit futex word embedded directly in shared memory. On
// platforms other than Linux there is no futex(2) syscall to back it, so
// every operation below fails immediately.
type Word = uint32

func TID(v Word) int32                 { return 0 }
func OwnerDied(v Word) bool            { return false }
func HasWaiters(v Word) bool           { return false }
func WithOwnerDiedCleared(v Word) Word { return v }

var errUnsupported = errs.New("futex", errs.NotPermitted)

func Wait(addr *Word, expected uint32, deadline Deadline) (Result, error) {
	return 0, errUnsupported
}

func Wake(addr *Word, n int) error { return errUnsupported }

func Signal(addr *Word) error { return errUnsupported }

func Broadcast(addr *Word) error { return errUnsupported }

func LockPI(addr *Word, deadline Deadline) (Result, error) {
	return 0, errUnsupported
}

func TryLockPI(addr *Word) (Result, error) {
	return 0, errUnsupported
}

func UnlockPI(addr *Word) error { return errUnsupported }

func WaitRequeuePI(addr *Word, expected uint32, pi *Word, deadline Deadline) (Result, error) {
	return 0, errUnsupported
}

func CmpRequeuePI(addr *Word, expected uint32, nrRequeue int, pi *Word) (int, Result, error) {
	return 0, 0, errUnsupported
}

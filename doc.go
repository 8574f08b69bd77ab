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

// Package a0 provides crash-resilient, shared-memory IPC primitives for
// processes mapping the same memory-mapped arena.
//
// The primary elements of interest are:
//
//  *  robustsync, which provides a futex-based Mutex, Cond and RWMutex that
//     survive the death of a lock holder: a waiter that wakes to find its
//     owner dead recovers the lock rather than blocking forever.
//
//  *  transport, a crash-resilient ring-buffer log built on top of
//     robustsync, giving one or more processes a shared, ordered stream of
//     variable-size frames inside a single arena.
//
//  *  deadman, a single-owner liveness token built from the same primitives,
//     used to detect when a process that claimed a role has gone away.
//
//  *  arena, which maps the backing file every other package operates on.
//
// None of these packages require the processes sharing an arena to be
// related (no common ancestor, no open file descriptor passed between them);
// they communicate purely through the bytes of the mapping and the futex
// words embedded in it.
package a0

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

package robustlist

// Outside Linux there is no set_robust_list(2) and no FUTEX_OWNER_DIED, so
// the list bookkeeping is a no-op: the futex package itself already refuses
// every operation on these platforms, which is the actual point at which
// callers learn robust mutexes are unsupported here.

func OpStart(e *Entry) {}

func OpEnd() {}

func OpAdd(e *Entry) {}

func OpDel(e *Entry) {}

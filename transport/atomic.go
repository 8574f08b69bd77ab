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

import (
	"runtime"
	"sync/atomic"
)

func casUint32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

func storeRelease(addr *uint32, v uint32) { atomic.StoreUint32(addr, v) }

func loadAcquire(addr *uint32) uint32 { return atomic.LoadUint32(addr) }

// spin is the one polling wait in the module: the initialization gate,
// before init_completed flips. Every other suspension point is a real
// futex wait.
func spin() { runtime.Gosched() }

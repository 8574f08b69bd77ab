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

import "time"

// Close marks this handle as closing: every Wait currently blocked on it,
// and every Wait called on it from now on, returns errs.Shutdown. Close
// itself blocks until every in-flight Wait has observed the shutdown and
// returned. The arena is untouched — Close only ever affects this
// process's handle, never the shared bytes other attachers still see.
func (t *Transport) Close() error {
	if t.readonly {
		// An observer never parks, so there are no waiters to drain and
		// nothing shared to touch.
		t.closing = true
		return nil
	}

	lk, err := t.Lock()
	if err != nil {
		return err
	}

	t.closing = true
	lk.scheduleNotify()

	for t.awaitCnt > 0 {
		if err := lk.waitForNotify(time.Time{}); err != nil {
			return err
		}
	}

	return lk.Unlock()
}

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

// Package debuglog provides the opt-in logger shared by every layer of the
// transport core (currently the owner-death recovery paths in robustsync and
// transport). It is off by default; set -a0.debug or call Enable to turn it on.
package debuglog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
)

var debugFlag = flag.Bool("a0.debug", false, "enable verbose alephzero logging")

var (
	once   sync.Once
	logger *log.Logger
)

func get() *log.Logger {
	once.Do(func() {
		if !*debugFlag {
			return
		}
		logger = log.New(os.Stderr, "a0: ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	})
	return logger
}

// Enable turns on logging even when -a0.debug wasn't passed, provided it
// runs before the first Printf: the logger is set up once, so after a
// Printf has run without the flag, Enable has no effect.
func Enable() {
	once.Do(func() {
		logger = log.New(os.Stderr, "a0: ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	})
}

// Printf logs a debug line, formatted per the fmt verbs in format. It is a
// no-op unless logging has been enabled.
func Printf(format string, v ...interface{}) {
	if l := get(); l != nil {
		l.Output(2, sprintf(format, v...))
	}
}

func sprintf(format string, v ...interface{}) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}

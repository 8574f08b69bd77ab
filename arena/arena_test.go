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

package arena

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMapFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.bin")

	f, err := CreateBackingFile(path, 4096)
	if err != nil {
		t.Fatalf("CreateBackingFile: %v", err)
	}
	defer f.Close()

	a, err := MapFile(f, ReadWrite)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	defer a.Close()

	if len(a.Bytes()) != 4096 {
		t.Fatalf("len(Bytes()) = %d, want 4096", len(a.Bytes()))
	}
	if a.Mode() != ReadWrite {
		t.Fatalf("Mode() = %v, want ReadWrite", a.Mode())
	}

	a.Bytes()[0] = 0xAB
	a.Bytes()[4095] = 0xCD

	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()

	b, err := MapFile(f2, ReadOnly)
	if err != nil {
		t.Fatalf("MapFile (read-only reopen): %v", err)
	}
	defer b.Close()

	if b.Bytes()[0] != 0xAB || b.Bytes()[4095] != 0xCD {
		t.Fatalf("reopened arena didn't see first mapping's writes")
	}
}

// Copyright 2024 Google LLC
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

package scratch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRunCreatesRootAndFileDirs(t *testing.T) {
	root := t.TempDir()
	run, err := NewRun(context.Background(), root)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	defer run.Close()

	if _, err := os.Stat(run.Root); err != nil {
		t.Fatalf("run root not created: %v", err)
	}

	dir, err := run.FileDir("/data/captures/session-1.pcap")
	if err != nil {
		t.Fatalf("FileDir: %v", err)
	}
	if filepath.Base(dir) != "session-1" {
		t.Fatalf("FileDir basename = %q, want session-1", filepath.Base(dir))
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("file dir not created: %v", err)
	}
}

func TestCleanFileRemovesDirOnSuccess(t *testing.T) {
	root := t.TempDir()
	run, err := NewRun(context.Background(), root)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	defer run.Close()

	dir, err := run.FileDir("session-2.pcap")
	if err != nil {
		t.Fatalf("FileDir: %v", err)
	}

	if err := run.CleanFile("session-2.pcap"); err != nil {
		t.Fatalf("CleanFile: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("CleanFile should remove the file's scratch directory")
	}
}

func TestNewRunRejectsSecondConcurrentRun(t *testing.T) {
	root := t.TempDir()
	first, err := NewRun(context.Background(), root)
	if err != nil {
		t.Fatalf("NewRun (first): %v", err)
	}
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200_000_000) // 200ms
	defer cancel()
	if _, err := NewRun(ctx, root); err == nil {
		t.Fatal("a second concurrent NewRun on the same root should fail to acquire the lock")
	}
}

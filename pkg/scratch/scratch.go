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

// Package scratch manages the per-run working directory the pipeline
// writes intermediate files into: <root>/<run-id>/<input-stem>/{
// after_dedup.pcap, after_anon.pcap, keep_rules.json }.
package scratch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

const (
	AfterDedup   = "after_dedup.pcap"
	AfterAnon    = "after_anon.pcap"
	KeepRulesLog = "keep_rules.json"

	lockFileName = ".pktmask.lock"
)

// Run is one pipeline invocation's scratch area, rooted at root/<ulid>.
type Run struct {
	Root string
	ID   string

	lock *flock.Flock
}

// NewRun creates root/<ulid> and locks root/.pktmask.lock to guard
// against two concurrent runs sharing the same scratch root — the lock
// is released by Close, never by a successful or failed run alone, so a
// crashed process doesn't leave the lock held once it exits.
func NewRun(ctx context.Context, root string) (*Run, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pktmaskerr.Wrap(pktmaskerr.ScopeScratch, pktmaskerr.KindIO, root, err)
	}

	lock := flock.New(filepath.Join(root, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, pktmaskerr.New(pktmaskerr.ScopeScratch, pktmaskerr.KindIO,
			"scratch root is locked by another run: "+root)
	}

	id := ulid.Make().String()
	runRoot := filepath.Join(root, id)
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		lock.Unlock()
		return nil, pktmaskerr.Wrap(pktmaskerr.ScopeScratch, pktmaskerr.KindIO, runRoot, err)
	}

	return &Run{Root: runRoot, ID: id, lock: lock}, nil
}

// FileDir returns (creating if needed) the per-input-file scratch
// directory for inputPath, named after its stem.
func (r *Run) FileDir(inputPath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := filepath.Join(r.Root, stem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pktmaskerr.Wrap(pktmaskerr.ScopeScratch, pktmaskerr.KindIO, dir, err)
	}
	return dir, nil
}

// CleanFile removes a file's scratch directory. The executor calls it
// once the file is done, whether it succeeded or failed; the run root
// itself is not removed.
func (r *Run) CleanFile(inputPath string) error {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := filepath.Join(r.Root, stem)
	if err := os.RemoveAll(dir); err != nil {
		return pktmaskerr.Wrap(pktmaskerr.ScopeScratch, pktmaskerr.KindIO, dir, err)
	}
	return nil
}

// Close releases the scratch root's lock. It does not remove r.Root.
func (r *Run) Close() error {
	return r.lock.Unlock()
}

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

// Package ingest watches a directory for newly-written capture files
// and hands each one to a callback once it looks stable, for batch
// deployments that feed the pipeline from a drop folder instead of an
// explicit file list.
package ingest

import (
	"context"
	"os"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var captureExt = regexp.MustCompile(`(?i)\.(pcap|pcapng)$`)

// SettleDelay is how long a newly-created file's size must stay
// unchanged before Watch hands it to the callback — long enough that a
// writer still mid-copy doesn't get picked up half-written.
const SettleDelay = 2 * time.Second

// Watch watches dir for created *.pcap/*.pcapng files and calls onFile
// once each one settles. It blocks until ctx is cancelled.
func Watch(ctx context.Context, dir string, logger *zap.Logger, onFile func(path string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewBufferedWatcher(100)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	logger.Info("watching directory for capture files", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !captureExt.MatchString(event.Name) {
				continue
			}
			path := event.Name
			go waitAndDeliver(ctx, path, logger, onFile)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fs watcher error", zap.Error(watchErr))
		}
	}
}

// waitAndDeliver debounces against partially-written files: it polls
// the file's size until two consecutive reads SettleDelay apart agree,
// then invokes onFile.
func waitAndDeliver(ctx context.Context, path string, logger *zap.Logger, onFile func(path string)) {
	var lastSize int64 = -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(SettleDelay):
		}

		info, err := os.Stat(path)
		if err != nil {
			logger.Warn("capture file disappeared before settling", zap.String("path", path), zap.Error(err))
			return
		}

		if info.Size() == lastSize {
			onFile(path)
			return
		}
		lastSize = info.Size()
	}
}

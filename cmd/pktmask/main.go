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

// Command pktmask runs the Dedup → Anonymize → Mask pipeline over a set
// of pcap/pcapng files, either passed directly or picked up from a
// watched drop directory.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rickypin/pktmask/internal/ingest"
	"github.com/rickypin/pktmask/pkg/dissector"
	"github.com/rickypin/pktmask/pkg/pipeline"
)

var (
	outputDir     = flag.String("output_dir", "./out", "directory receiving fully processed captures")
	scratchRoot   = flag.String("scratch_root", "./scratch", "per-run working directory root")
	watchDir      = flag.String("watch_dir", "", "if set, watch this directory for new *.pcap/*.pcapng files instead of reading the positional arguments")
	anonSecretHex = flag.String("anon_secret", "", "hex-encoded key for prefix-preserving IP anonymization (random if empty)")
	dissectorCmd  = flag.String("dissector_cmd", "", "external TLS dissector executable; empty uses the built-in fallback")
	chunkSize     = flag.Int("chunk_size", 0, "write buffer size in bytes (0 picks a default)")
	writeKeepLog  = flag.Bool("write_keep_rules_log", false, "dump each file's resolved keep rules to keep_rules.json in its scratch dir")
	debug         = flag.Bool("debug", false, "enable debug logging")

	dedupEnabled = flag.Bool("dedup", true, "run the deduplication stage")
	anonEnabled  = flag.Bool("anon", true, "run the IP anonymization stage")
	maskEnabled  = flag.Bool("mask", true, "run the payload masking stage")
)

var logger = buildLogger()

func buildLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.Config{
		Encoding:    "json",
		Level:       zap.NewAtomicLevelAt(level),
		OutputPaths: []string{"stdout"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "message",
			LevelKey:    "severity",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			TimeKey:     "time",
			EncodeTime:  zapcore.ISO8601TimeEncoder,
		},
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func main() {
	flag.Parse()
	defer logger.Sync()

	pipeline.SetLogger(logger)

	secret, err := anonSecret(*anonSecretHex)
	if err != nil {
		logger.Error("bad anon_secret", zap.Error(err))
		os.Exit(2)
	}

	cfg := pipeline.Config{
		AnonymizeSecret: secret,
		ScratchRoot:     *scratchRoot,
		OutputDir:       *outputDir,
		Dedup:           pipeline.DedupConfig{Enabled: *dedupEnabled},
		Anon:            pipeline.AnonConfig{Enabled: *anonEnabled},
		Mask: pipeline.MaskConfig{
			Enabled:          *maskEnabled,
			DissectorCommand: *dissectorCmd,
			ChunkSize:        *chunkSize,
			Preserve:         dissector.DefaultPreserveConfig(),
			WriteDiagnostic:  *writeKeepLog,
		},
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		logger.Error("cannot create output dir", zap.Error(err))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	started := false
	exec := pipeline.New(cfg, func(ev pipeline.Event) {
		if ev.Kind == pipeline.EventFileStart {
			started = true
		}
		logEvent(ev)
	})

	if *watchDir != "" {
		runWatch(ctx, exec)
		return
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pktmask [flags] file.pcap [file2.pcapng ...]")
		os.Exit(2)
	}

	if err := exec.Run(ctx, inputs); err != nil {
		logger.Error("pipeline finished with errors", zap.Error(err))
		switch {
		case ctx.Err() != nil:
			os.Exit(130)
		case !started:
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runWatch(ctx context.Context, exec *pipeline.Executor) {
	err := ingest.Watch(ctx, *watchDir, logger, func(path string) {
		if !strings.EqualFold(filepath.Ext(path), ".pcap") && !strings.EqualFold(filepath.Ext(path), ".pcapng") {
			return
		}
		if err := exec.Run(ctx, []string{path}); err != nil {
			logger.Error("pipeline finished with errors", zap.String("path", path), zap.Error(err))
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal("watcher failed", zap.Error(err))
	}
}

// anonSecret decodes hexSecret, or generates a fresh random 32-byte key
// when hexSecret is empty. A generated key is logged at startup since
// it must be reused to get consistent remapping across runs.
func anonSecret(hexSecret string) ([]byte, error) {
	if hexSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("no anon_secret given; generated a random one for this run",
			zap.String("anon_secret", hex.EncodeToString(secret)))
		return secret, nil
	}
	return hex.DecodeString(hexSecret)
}

func logEvent(ev pipeline.Event) {
	logger.Info(string(ev.Kind),
		zap.String("file", ev.FilePath),
		zap.Int("file_index", ev.FileIndex),
		zap.String("stage", string(ev.Stage)),
		zap.Int64("packets_in", ev.Summary.PacketsIn),
		zap.Int64("packets_out", ev.Summary.PacketsOut),
		zap.Error(ev.Err),
	)
}

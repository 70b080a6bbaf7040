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

package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rickypin/pktmask/pkg/anon"
	"github.com/rickypin/pktmask/pkg/dedup"
	"github.com/rickypin/pktmask/pkg/dissector"
	"github.com/rickypin/pktmask/pkg/mask"
	"github.com/rickypin/pktmask/pkg/pcapio"
	"github.com/rickypin/pktmask/pkg/pktmaskerr"
	"github.com/rickypin/pktmask/pkg/scratch"
)

var log = zap.NewNop()

// SetLogger installs the *zap.Logger used for pipeline-wide messages.
// Call once at startup; the default is a no-op logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// Executor runs Config's fixed Dedup → Anonymize → Mask stage order over
// a batch of input files.
type Executor struct {
	cfg      Config
	listener Listener
}

// New returns an Executor for cfg. listener may be nil.
func New(cfg Config, listener Listener) *Executor {
	if listener == nil {
		listener = func(Event) {}
	}
	return &Executor{cfg: cfg, listener: listener}
}

// Run processes every path in inputs in order, stopping early if ctx is
// cancelled between packets. It returns the aggregate of every file's
// processing error (via multierr), so one bad file doesn't hide
// failures in the others.
func (e *Executor) Run(ctx context.Context, inputs []string) error {
	e.listener(Event{Kind: EventPipelineStart, TotalFiles: len(inputs)})

	run, err := scratch.NewRun(ctx, e.cfg.ScratchRoot)
	if err != nil {
		e.listener(Event{Kind: EventError, Err: err})
		return err
	}
	defer run.Close()

	var errs error
	for i, path := range inputs {
		if ctx.Err() != nil {
			e.listener(Event{Kind: EventPipelineCancelled, FileIndex: i, FilePath: path})
			errs = multierr.Append(errs, ctx.Err())
			break
		}

		e.listener(Event{Kind: EventFileStart, FileIndex: i, FilePath: path, TotalFiles: len(inputs)})
		if err := e.processFile(ctx, run, path, i); err != nil {
			if ctx.Err() != nil {
				e.listener(Event{Kind: EventPipelineCancelled, FileIndex: i, FilePath: path})
				errs = multierr.Append(errs, ctx.Err())
				break
			}
			log.Error("file failed", zap.String("path", path), zap.Error(err))
			e.listener(Event{Kind: EventError, FileIndex: i, FilePath: path, Err: err})
			errs = multierr.Append(errs, err)
			continue
		}
		e.listener(Event{Kind: EventFileEnd, FileIndex: i, FilePath: path})
	}

	e.listener(Event{Kind: EventPipelineEnd, TotalFiles: len(inputs)})
	return errs
}

// processFile instantiates only the enabled stages, in the fixed
// Dedup → Anonymize → Mask relative order (spec §4.1), chaining each
// enabled stage's output into the next. A disabled stage is skipped
// entirely — not run as a no-op pass — so a dedup+mask-only pipeline
// never pays for an anonymization pass it didn't ask for. Whichever
// stage runs last writes outputPath directly; if no stage is enabled
// at all, the input is copied through unchanged. The file's scratch
// directory is removed on success and failure alike; on failure any
// output file at outputPath is removed too.
func (e *Executor) processFile(ctx context.Context, run *scratch.Run, path string, idx int) (err error) {
	dir, err := run.FileDir(path)
	if err != nil {
		return err
	}

	outputPath := filepath.Join(e.cfg.OutputDir, filepath.Base(path))
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
		if cleanErr := run.CleanFile(path); err == nil {
			err = cleanErr
		}
	}()
	current := path
	wroteOutput := false

	if e.cfg.Dedup.Enabled {
		dst := outputPath
		if e.cfg.Anon.Enabled || e.cfg.Mask.Enabled {
			dst = filepath.Join(dir, scratch.AfterDedup)
		}
		summary, err := e.runDedup(current, dst)
		if err != nil {
			return err
		}
		e.listener(Event{Kind: EventStageSummary, FileIndex: idx, FilePath: path, Stage: StageDedup, Summary: summary})
		current = dst
		wroteOutput = dst == outputPath
	}

	if e.cfg.Anon.Enabled {
		dst := outputPath
		if e.cfg.Mask.Enabled {
			dst = filepath.Join(dir, scratch.AfterAnon)
		}
		summary, err := e.runAnon(ctx, current, dst)
		if err != nil {
			return err
		}
		e.listener(Event{Kind: EventStageSummary, FileIndex: idx, FilePath: path, Stage: StageAnon, Summary: summary})
		current = dst
		wroteOutput = dst == outputPath
	}

	if e.cfg.Mask.Enabled {
		summary, err := e.runMask(ctx, dir, current, outputPath)
		if err != nil {
			return err
		}
		e.listener(Event{Kind: EventStageSummary, FileIndex: idx, FilePath: path, Stage: StageMask, Summary: summary})
		wroteOutput = true
	}

	if !wroteOutput {
		if err := e.copyPassthrough(current, outputPath); err != nil {
			return err
		}
	}

	return nil
}

// copyPassthrough copies every packet from srcPath to dstPath unchanged.
// processFile falls back to it only when no stage is enabled at all, so
// the input still reaches OutputDir.
func (e *Executor) copyPassthrough(srcPath, dstPath string) error {
	reader, err := pcapio.Open(srcPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := pcapio.Create(dstPath, reader.Meta(), e.cfg.Mask.ChunkSize)
	if err != nil {
		return err
	}

	for {
		pkt, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return err
		}
		if err := writer.WritePacket(pkt); err != nil {
			writer.Close()
			return err
		}
	}

	return writer.Close()
}

func (e *Executor) runDedup(srcPath, dstPath string) (StageSummary, error) {
	reader, err := pcapio.Open(srcPath)
	if err != nil {
		return StageSummary{}, err
	}
	defer reader.Close()

	writer, err := pcapio.Create(dstPath, reader.Meta(), e.cfg.Mask.ChunkSize)
	if err != nil {
		return StageSummary{}, err
	}

	stage := dedup.New()
	var in int64
	for {
		pkt, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return StageSummary{}, err
		}
		in++
		if stage.Process(pkt) {
			if err := writer.WritePacket(pkt); err != nil {
				writer.Close()
				return StageSummary{}, err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return StageSummary{}, err
	}

	return StageSummary{
		PacketsIn:  in,
		PacketsOut: stage.Kept,
		ExtraMetrics: map[string]int64{
			"removed": stage.Removed,
		},
	}, nil
}

func (e *Executor) runAnon(ctx context.Context, srcPath, dstPath string) (StageSummary, error) {
	reader, err := pcapio.Open(srcPath)
	if err != nil {
		return StageSummary{}, err
	}
	defer reader.Close()

	writer, err := pcapio.Create(dstPath, reader.Meta(), e.cfg.Mask.ChunkSize)
	if err != nil {
		return StageSummary{}, err
	}

	stage := anon.NewStage(e.cfg.AnonymizeSecret)
	var in int64
	for {
		if ctx.Err() != nil {
			writer.Close()
			return StageSummary{}, ctx.Err()
		}
		pkt, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return StageSummary{}, err
		}
		in++

		out, err := stage.Process(pkt)
		if err != nil {
			writer.Close()
			return StageSummary{}, err
		}
		if err := writer.WritePacket(out); err != nil {
			writer.Close()
			return StageSummary{}, err
		}
	}

	if err := writer.Close(); err != nil {
		return StageSummary{}, err
	}

	return StageSummary{
		PacketsIn:  in,
		PacketsOut: in,
		ExtraMetrics: map[string]int64{
			"rewritten": stage.Rewritten,
			"skipped":   stage.Skipped,
		},
	}, nil
}

func (e *Executor) runMask(ctx context.Context, scratchDir, srcPath, dstPath string) (StageSummary, error) {
	td := e.newDissector()
	marker := dissector.NewMarker(td, e.cfg.Mask.Preserve, nil)

	ruleSet, markErr := marker.Mark(srcPath)
	if ruleSet == nil {
		return StageSummary{}, markErr
	}
	if markErr != nil {
		log.Warn("dissector failed; masking this file under default-deny", zap.String("path", srcPath), zap.Error(markErr))
	}

	if e.cfg.Mask.WriteDiagnostic {
		if err := ruleSet.WriteDiagnostic(filepath.Join(scratchDir, scratch.KeepRulesLog)); err != nil {
			return StageSummary{}, err
		}
	}

	reader, err := pcapio.Open(srcPath)
	if err != nil {
		return StageSummary{}, err
	}
	defer reader.Close()

	writer, err := pcapio.Create(dstPath, reader.Meta(), e.cfg.Mask.ChunkSize)
	if err != nil {
		return StageSummary{}, err
	}

	masker := mask.New(ruleSet)
	var in int64
	for {
		if ctx.Err() != nil {
			writer.Close()
			return StageSummary{}, ctx.Err()
		}
		pkt, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return StageSummary{}, err
		}
		in++

		out, err := masker.Process(pkt)
		if err != nil {
			writer.Close()
			return StageSummary{}, pktmaskerr.Wrap(pktmaskerr.ScopeMasker, pktmaskerr.KindIO, srcPath, err)
		}
		if err := writer.WritePacket(out); err != nil {
			writer.Close()
			return StageSummary{}, err
		}
	}

	if err := writer.Close(); err != nil {
		return StageSummary{}, err
	}

	log.Debug(sf.Format("masked {0}: {1} packets, {2} modified", srcPath, in, masker.Stats.PacketsModified))

	return StageSummary{
		PacketsIn:  in,
		PacketsOut: in,
		ExtraMetrics: map[string]int64{
			"modified":      masker.Stats.PacketsModified,
			"non_tcp":       masker.Stats.NonTCP,
			"parse_skipped": masker.Stats.ParseSkipped,
		},
	}, nil
}

func (e *Executor) newDissector() dissector.TLSDissector {
	if e.cfg.Mask.DissectorCommand == "" {
		return dissector.NewNative(nil)
	}
	return dissector.NewExternal(e.cfg.Mask.DissectorCommand, e.cfg.Mask.DissectorArgs, nil)
}

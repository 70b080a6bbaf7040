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

// Package pipeline runs the fixed Dedup → Anonymize → Mask stage order
// over a batch of capture files, emitting structured progress events and
// aggregating per-file errors.
package pipeline

import (
	"github.com/rickypin/pktmask/pkg/dissector"
)

// DedupConfig configures the deduplication stage.
type DedupConfig struct {
	// Enabled includes the Deduplication stage in the pipeline.
	Enabled bool
}

// AnonConfig configures the IP anonymization stage.
type AnonConfig struct {
	// Enabled includes the IP Anonymization stage in the pipeline.
	Enabled bool
}

// MaskConfig configures the payload masking stage.
type MaskConfig struct {
	// Enabled includes the Payload Masking stage in the pipeline.
	Enabled bool

	// DissectorCommand, when non-empty, names an external TLS dissector
	// executable; ChunkSize sizes the pcapio.Writer's internal buffer.
	// Leave DissectorCommand empty to use the in-process fallback
	// (pkg/dissector.Native).
	DissectorCommand string
	DissectorArgs    []string
	ChunkSize        int
	Preserve         dissector.PreserveConfig

	// WriteDiagnostic, when true, dumps each file's resolved KeepRuleSet
	// to keep_rules.json in its scratch directory.
	WriteDiagnostic bool

	// Note: an explicit mask.unknown_protocol override was considered
	// and rejected (see DESIGN.md) — content types outside Preserve
	// always fall back to header_only, never to full default-deny
	// silence, so there is no separate knob to add here.
}

// Config is the full pipeline configuration for one invocation.
type Config struct {
	Dedup DedupConfig
	Anon  AnonConfig
	Mask  MaskConfig

	// AnonymizeSecret keys the prefix-preserving IP mapping; it must
	// stay constant across a run for addresses to remap consistently.
	AnonymizeSecret []byte

	// ScratchRoot is where per-run working directories are created.
	ScratchRoot string

	// OutputDir receives each input file's final, fully processed
	// capture, named the same as the input.
	OutputDir string
}

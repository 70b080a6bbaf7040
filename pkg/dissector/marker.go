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

package dissector

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/rickypin/pktmask/pkg/flow"
	"github.com/rickypin/pktmask/pkg/rules"
)

// PreserveMode names how a content type's records are treated.
type PreserveMode int

const (
	// ModeFull keeps the whole record (header and body) untouched.
	ModeFull PreserveMode = iota
	// ModeHeaderOnly keeps only the 5-byte record header; the body is
	// masked.
	ModeHeaderOnly
	// ModeNone emits no KeepRule at all for the record — header
	// included — so every byte of it is masked downstream.
	ModeNone
)

// PreserveConfig names, per TLS record content type, whether records keep
// their full body, only their 5-byte header, or nothing at all. Four of
// the five toggles are conceptually boolean (handshake, alert,
// change_cipher_spec, heartbeat); ApplicationData is the one genuinely
// three-way toggle (full | header_only | none).
type PreserveConfig struct {
	Handshake        PreserveMode
	Alert            PreserveMode
	ChangeCipherSpec PreserveMode
	Heartbeat        PreserveMode
	ApplicationData  PreserveMode
}

// DefaultPreserveConfig matches the dissector's own stated defaults:
// handshake, change_cipher_spec, alert, and heartbeat records are kept
// whole; application_data is header_only.
func DefaultPreserveConfig() PreserveConfig {
	return PreserveConfig{
		Handshake:        ModeFull,
		Alert:            ModeFull,
		ChangeCipherSpec: ModeFull,
		Heartbeat:        ModeFull,
		ApplicationData:  ModeHeaderOnly,
	}
}

// modeFor returns the configured PreserveMode for ct. Content types
// outside the TLS record protocol's five defined codes default to
// ModeHeaderOnly, the same default-deny-leaning fallback as unknown
// protocols elsewhere in the pipeline.
func (c PreserveConfig) modeFor(ct ContentType) PreserveMode {
	switch ct {
	case ContentHandshake:
		return c.Handshake
	case ContentAlert:
		return c.Alert
	case ContentChangeCipherSpec:
		return c.ChangeCipherSpec
	case ContentHeartbeat:
		return c.Heartbeat
	case ContentApplicationData:
		return c.ApplicationData
	default:
		return ModeHeaderOnly
	}
}

// Marker turns a TLSDissector's Records into a rules.KeepRuleSet,
// assigning canonical stream ids via a shared flow.Registry so the
// Masker can later resolve the exact same ids for the exact same flows
// (spec §9).
type Marker struct {
	Dissector TLSDissector
	Preserve  PreserveConfig
	Logger    *zap.Logger

	registry *flow.Registry
}

// NewMarker returns a Marker backed by d, assigning stream ids from a
// fresh, file-scoped flow.Registry.
func NewMarker(d TLSDissector, preserve PreserveConfig, logger *zap.Logger) *Marker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Marker{Dissector: d, Preserve: preserve, Logger: logger, registry: flow.NewRegistry()}
}

// Mark analyses path and returns a built KeepRuleSet. If the dissector
// fails outright, an empty (but built) set is returned along with the
// error — callers apply default-deny masking to every packet in that
// case rather than treating it as fatal (spec's dissector-failure
// semantics).
func (m *Marker) Mark(path string) (*rules.KeepRuleSet, error) {
	set := rules.New()

	records, err := m.Dissector.Analyse(path)
	if err != nil {
		m.Logger.Warn("dissector failed; masking will default-deny this file", zap.String("path", path), zap.Error(err))
		if buildErr := set.Build(); buildErr != nil {
			return nil, buildErr
		}
		return set, err
	}

	// a single dissector-assigned counter per flow keeps every record on
	// the same flow under one stream id, same as the real tcp.stream the
	// external dissector would report.
	localIDs := make(map[flow.Key]string)
	nextID := 0

	for _, rec := range records {
		id, ok := localIDs[rec.FlowKey]
		if !ok {
			id = strconv.Itoa(nextID)
			nextID++
			localIDs[rec.FlowKey] = id
		}

		canonicalID, dir := m.registry.ResolveExternal(rec.FlowKey, id, rec.Src)
		streamID := flow.CanonicalStreamID(canonicalID, dir)
		set.FlowStreams[rec.FlowKey.String()] = canonicalID

		switch m.Preserve.modeFor(rec.ContentType) {
		case ModeFull:
			if err := set.Add(rules.KeepRule{
				StreamID: streamID,
				Kind:     rules.KindFullPreserve,
				SeqStart: rec.HeaderStart,
				SeqEnd:   rec.BodyEnd,
			}); err != nil {
				return nil, err
			}
		case ModeHeaderOnly:
			if err := set.Add(rules.KeepRule{
				StreamID: streamID,
				Kind:     rules.KindHeaderOnly,
				SeqStart: rec.HeaderStart,
				SeqEnd:   rec.HeaderEnd,
			}); err != nil {
				return nil, err
			}
		case ModeNone:
			// no KeepRule at all: every byte of this record, header
			// included, is masked downstream.
		}
	}

	if err := set.Build(); err != nil {
		return nil, err
	}
	return set, nil
}

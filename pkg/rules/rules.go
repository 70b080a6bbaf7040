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

// Package rules holds the KeepRuleSet the Marker produces and the Masker
// consumes: the list of logical-sequence byte ranges, per stream and
// direction, that payload masking must leave untouched.
package rules

import (
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// Kind distinguishes the two flavors of KeepRule.
type Kind string

const (
	// KindHeaderOnly preserves exactly the 5-byte TLS record header and
	// masks the record body. Two header_only rules for the same stream
	// are never merged, even if adjacent or overlapping — each names one
	// record header.
	KindHeaderOnly Kind = "header_only"
	// KindFullPreserve preserves every byte in [SeqStart, SeqEnd).
	// Overlapping or adjacent full_preserve rules for the same stream
	// are merged at Build time.
	KindFullPreserve Kind = "full_preserve"
)

// headerOnlyLength is the fixed width of a TLS record header: 1-byte
// content type, 2-byte version, 2-byte length.
const headerOnlyLength = 5

// KeepRule names one byte range, in logical sequence space, that must
// survive masking. SeqStart/SeqEnd are half-open: [SeqStart, SeqEnd).
type KeepRule struct {
	StreamID string // canonical form: "<id>:<direction>"
	Kind     Kind
	SeqStart uint64
	SeqEnd   uint64
}

func (r KeepRule) validate() error {
	if r.SeqEnd <= r.SeqStart {
		return pktmaskerr.New(pktmaskerr.ScopeMasker, pktmaskerr.KindRuleInvariantViolated,
			"keep rule has non-positive length")
	}
	if r.SeqEnd-r.SeqStart > 1<<32 {
		return pktmaskerr.New(pktmaskerr.ScopeMasker, pktmaskerr.KindRuleInvariantViolated,
			"keep rule spans more than one full sequence cycle")
	}
	if r.Kind == KindHeaderOnly && r.SeqEnd-r.SeqStart != headerOnlyLength {
		return pktmaskerr.New(pktmaskerr.ScopeMasker, pktmaskerr.KindRuleInvariantViolated,
			"header_only rule must span exactly 5 bytes")
	}
	return nil
}

// Interval is a Kind-tagged, already-clipped [Start, End) range returned
// by query methods on a built KeepRuleSet.
type Interval struct {
	Kind  Kind
	Start uint64
	End   uint64
}

type streamRules struct {
	sortedFull   []Interval // merged, non-overlapping, ascending by Start
	sortedHeader []Interval // never merged, must stay mutually disjoint
}

// KeepRuleSet accumulates KeepRules for every stream in a file, then
// freezes them into a queryable form.
type KeepRuleSet struct {
	mu  sync.Mutex
	raw map[string][]KeepRule

	// FlowStreams maps a normalized flow.Key.String() to the canonical
	// stream id (without direction suffix) the dissector reported for
	// it. The Masker consults this first so its own flow.Registry only
	// ever has to invent ids for flows the Marker never tagged — exactly
	// the flows that carry no KeepRules (see pkg/flow's Registry docs).
	FlowStreams map[string]string

	streams map[string]*streamRules
	built   bool
}

// New returns an empty KeepRuleSet.
func New() *KeepRuleSet {
	return &KeepRuleSet{
		raw:         make(map[string][]KeepRule),
		FlowStreams: make(map[string]string),
	}
}

// Add appends a validated rule. It must not be called after Build.
func (s *KeepRuleSet) Add(r KeepRule) error {
	if err := r.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		return pktmaskerr.New(pktmaskerr.ScopeMasker, pktmaskerr.KindRuleInvariantViolated,
			"Add called after Build")
	}
	s.raw[r.StreamID] = append(s.raw[r.StreamID], r)
	return nil
}

// Build merges and indexes every stream's rules. Safe to call once; the
// set is read-only afterward.
func (s *KeepRuleSet) Build() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		return nil
	}

	s.streams = make(map[string]*streamRules, len(s.raw))
	for streamID, list := range s.raw {
		sr, err := buildStream(list)
		if err != nil {
			return err
		}
		s.streams[streamID] = sr
	}
	s.built = true
	return nil
}

func buildStream(list []KeepRule) (*streamRules, error) {
	var headerOnly, fullPreserve []KeepRule
	for _, r := range list {
		switch r.Kind {
		case KindHeaderOnly:
			headerOnly = append(headerOnly, r)
		case KindFullPreserve:
			fullPreserve = append(fullPreserve, r)
		}
	}

	sort.Slice(headerOnly, func(i, j int) bool { return headerOnly[i].SeqStart < headerOnly[j].SeqStart })
	for i := 1; i < len(headerOnly); i++ {
		if headerOnly[i].SeqStart < headerOnly[i-1].SeqEnd {
			return nil, pktmaskerr.New(pktmaskerr.ScopeMasker, pktmaskerr.KindRuleInvariantViolated,
				"overlapping header_only rules on the same stream")
		}
	}

	full := mergeIntervals(fullPreserve)

	sr := &streamRules{sortedFull: full}
	for _, r := range headerOnly {
		sr.sortedHeader = append(sr.sortedHeader, Interval{Kind: KindHeaderOnly, Start: r.SeqStart, End: r.SeqEnd})
	}
	return sr, nil
}

// mergeIntervals sorts and coalesces overlapping or adjacent
// full_preserve rules, backed by a skipmap so the merge walks ranges in
// ascending order.
func mergeIntervals(rules []KeepRule) []Interval {
	if len(rules) == 0 {
		return nil
	}

	ends := skipmap.NewUint64[uint64]()
	for _, r := range rules {
		if prevEnd, ok := ends.Load(r.SeqStart); ok && prevEnd > r.SeqEnd {
			continue // a wider rule already starts exactly here
		}
		ends.Store(r.SeqStart, r.SeqEnd)
	}

	var merged []Interval
	ends.Range(func(start uint64, end uint64) bool {
		if n := len(merged); n > 0 && start <= merged[n-1].End {
			if end > merged[n-1].End {
				merged[n-1].End = end
			}
			return true
		}
		merged = append(merged, Interval{Kind: KindFullPreserve, Start: start, End: end})
		return true
	})
	return merged
}

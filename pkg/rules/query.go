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

package rules

import "sort"

// Overlapping returns every rule interval (header_only and
// full_preserve, in that order) overlapping [start, end), clipped to it.
// The caller — pkg/mask — treats an empty result as "mask everything in
// this range" (default-deny).
func (s *KeepRuleSet) Overlapping(streamID string, start, end uint64) []Interval {
	sr, ok := s.streams[streamID]
	if !ok {
		return nil
	}

	var out []Interval
	out = append(out, clipOverlaps(sr.sortedHeader, start, end)...)
	out = append(out, clipOverlaps(sr.sortedFull, start, end)...)
	return out
}

// clipOverlaps assumes in is sorted ascending by Start and returns the
// subset overlapping [start, end), each clipped to that window.
func clipOverlaps(in []Interval, start, end uint64) []Interval {
	if len(in) == 0 || start >= end {
		return nil
	}

	// first interval that could possibly overlap: the first one whose
	// End is > start, or len(in) if none qualifies.
	i := sort.Search(len(in), func(i int) bool { return in[i].End > start })

	var out []Interval
	for ; i < len(in) && in[i].Start < end; i++ {
		iv := in[i]
		if iv.Start < start {
			iv.Start = start
		}
		if iv.End > end {
			iv.End = end
		}
		if iv.Start < iv.End {
			out = append(out, iv)
		}
	}
	return out
}

// HasStream reports whether any rule was ever added for streamID.
func (s *KeepRuleSet) HasStream(streamID string) bool {
	_, ok := s.streams[streamID]
	return ok
}

// StreamIDFor resolves the canonical stream id the Marker recorded for a
// normalized flow key, if any.
func (s *KeepRuleSet) StreamIDFor(flowKey string) (string, bool) {
	id, ok := s.FlowStreams[flowKey]
	return id, ok
}

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

import (
	"os"
	"sort"

	"github.com/Jeffail/gabs/v2"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// WriteDiagnostic renders a built KeepRuleSet to path as keep_rules.json
// (spec's supplementary per-run scratch artifact): every stream's
// merged full_preserve ranges and individual header_only ranges, in a
// form a human can diff between runs.
func (s *KeepRuleSet) WriteDiagnostic(path string) error {
	doc := gabs.New()

	streamIDs := make([]string, 0, len(s.streams))
	for id := range s.streams {
		streamIDs = append(streamIDs, id)
	}
	sort.Strings(streamIDs)

	streamsArr, _ := doc.ArrayOfSize(len(streamIDs), "streams")
	for i, id := range streamIDs {
		sr := s.streams[id]
		entry := gabs.New()
		entry.Set(id, "stream_id")

		headerArr, _ := entry.ArrayOfSize(len(sr.sortedHeader), "header_only")
		for j, iv := range sr.sortedHeader {
			headerArr.SetIndex(map[string]uint64{"start": iv.Start, "end": iv.End}, j)
		}

		fullArr, _ := entry.ArrayOfSize(len(sr.sortedFull), "full_preserve")
		for j, iv := range sr.sortedFull {
			fullArr.SetIndex(map[string]uint64{"start": iv.Start, "end": iv.End}, j)
		}

		streamsArr.SetIndex(entry.Data(), i)
	}

	if err := os.WriteFile(path, []byte(doc.StringIndent("", "  ")), 0o644); err != nil {
		return pktmaskerr.Wrap(pktmaskerr.ScopeMasker, pktmaskerr.KindIO, path, err)
	}
	return nil
}

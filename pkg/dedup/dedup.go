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

// Package dedup drops packets whose full content (capture bytes, not
// just a subset of fields) has already been seen earlier in the same
// file.
package dedup

import (
	"bytes"
	"crypto/sha256"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rickypin/pktmask/pkg/pcapio"
)

// Stage deduplicates packets within a single file by content hash, with
// an exact byte comparison on hash collision so a false match never
// drops a genuinely distinct packet.
type Stage struct {
	seen    mapset.Set[[32]byte]
	byHash  map[[32]byte][][]byte
	Removed int64
	Kept    int64
}

// New returns a Stage ready to process one file's packets in order.
func New() *Stage {
	return &Stage{
		seen:   mapset.NewThreadUnsafeSet[[32]byte](),
		byHash: make(map[[32]byte][][]byte),
	}
}

// Process reports whether p should be kept: keep is false when p is a
// duplicate of a packet already seen by this Stage instance.
func (s *Stage) Process(p pcapio.Packet) (keep bool) {
	hash := sha256.Sum256(p.Data)

	if s.seen.Contains(hash) {
		for _, prior := range s.byHash[hash] {
			if bytes.Equal(prior, p.Data) {
				s.Removed++
				return false
			}
		}
	}

	s.seen.Add(hash)
	s.byHash[hash] = append(s.byHash[hash], p.Data)
	s.Kept++
	return true
}

// Reset clears all state so the same Stage can be reused for the next
// file (spec's per-file reset requirement).
func (s *Stage) Reset() {
	s.seen.Clear()
	s.byHash = make(map[[32]byte][][]byte)
	s.Removed = 0
	s.Kept = 0
}

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

package dedup

import (
	"testing"

	"github.com/rickypin/pktmask/pkg/pcapio"
)

func TestProcessDropsExactDuplicates(t *testing.T) {
	s := New()

	a := pcapio.Packet{Data: []byte("hello")}
	b := pcapio.Packet{Data: []byte("hello")}
	c := pcapio.Packet{Data: []byte("world")}

	if !s.Process(a) {
		t.Fatal("first occurrence should be kept")
	}
	if s.Process(b) {
		t.Fatal("exact duplicate should be dropped")
	}
	if !s.Process(c) {
		t.Fatal("distinct packet should be kept")
	}

	if s.Kept != 2 {
		t.Fatalf("Kept = %d, want 2", s.Kept)
	}
	if s.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", s.Removed)
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.Process(pcapio.Packet{Data: []byte("x")})
	s.Reset()

	if s.Kept != 0 || s.Removed != 0 {
		t.Fatalf("Reset should zero counters, got Kept=%d Removed=%d", s.Kept, s.Removed)
	}
	if !s.Process(pcapio.Packet{Data: []byte("x")}) {
		t.Fatal("after Reset, a previously-seen packet should be treated as new")
	}
}

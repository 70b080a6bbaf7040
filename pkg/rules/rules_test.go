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

import "testing"

func TestMergeOverlappingFullPreserve(t *testing.T) {
	s := New()
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 0, SeqEnd: 10}))
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 5, SeqEnd: 20}))
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 30, SeqEnd: 40}))
	must(t, s.Build())

	got := s.Overlapping("1:forward", 0, 40)
	want := []Interval{
		{Kind: KindFullPreserve, Start: 0, End: 20},
		{Kind: KindFullPreserve, Start: 30, End: 40},
	}
	assertIntervalsEqual(t, got, want)
}

func TestHeaderOnlyNeverMerged(t *testing.T) {
	s := New()
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindHeaderOnly, SeqStart: 0, SeqEnd: 5}))
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindHeaderOnly, SeqStart: 5, SeqEnd: 10}))
	must(t, s.Build())

	got := s.Overlapping("1:forward", 0, 10)
	want := []Interval{
		{Kind: KindHeaderOnly, Start: 0, End: 5},
		{Kind: KindHeaderOnly, Start: 5, End: 10},
	}
	assertIntervalsEqual(t, got, want)
}

func TestOverlappingHeaderOnlyRejected(t *testing.T) {
	s := New()
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindHeaderOnly, SeqStart: 0, SeqEnd: 5}))
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindHeaderOnly, SeqStart: 3, SeqEnd: 8}))
	if err := s.Build(); err == nil {
		t.Fatal("Build should reject overlapping header_only rules on the same stream")
	}
}

func TestValidateRejectsBadSpans(t *testing.T) {
	cases := []KeepRule{
		{StreamID: "s", Kind: KindFullPreserve, SeqStart: 10, SeqEnd: 10},
		{StreamID: "s", Kind: KindFullPreserve, SeqStart: 10, SeqEnd: 5},
		{StreamID: "s", Kind: KindHeaderOnly, SeqStart: 0, SeqEnd: 4},
		{StreamID: "s", Kind: KindHeaderOnly, SeqStart: 0, SeqEnd: 6},
	}
	for _, r := range cases {
		s := New()
		if err := s.Add(r); err == nil {
			t.Errorf("Add(%+v) should have been rejected", r)
		}
	}
}

func TestOverlappingClipsToWindow(t *testing.T) {
	s := New()
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 0, SeqEnd: 100}))
	must(t, s.Build())

	got := s.Overlapping("1:forward", 10, 20)
	want := []Interval{{Kind: KindFullPreserve, Start: 10, End: 20}}
	assertIntervalsEqual(t, got, want)
}

func TestOverlappingUnknownStreamIsDefaultDeny(t *testing.T) {
	s := New()
	must(t, s.Build())

	if got := s.Overlapping("nonexistent:forward", 0, 100); got != nil {
		t.Fatalf("Overlapping on unknown stream = %v, want nil (default-deny)", got)
	}
}

func TestHasStream(t *testing.T) {
	s := New()
	must(t, s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 0, SeqEnd: 5}))
	must(t, s.Build())

	if !s.HasStream("1:forward") {
		t.Fatal("HasStream(1:forward) = false, want true")
	}
	if s.HasStream("2:forward") {
		t.Fatal("HasStream(2:forward) = true, want false")
	}
}

func TestAddAfterBuildRejected(t *testing.T) {
	s := New()
	must(t, s.Build())
	if err := s.Add(KeepRule{StreamID: "1:forward", Kind: KindFullPreserve, SeqStart: 0, SeqEnd: 5}); err == nil {
		t.Fatal("Add after Build should be rejected")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertIntervalsEqual(t *testing.T, got, want []Interval) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d intervals %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interval %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

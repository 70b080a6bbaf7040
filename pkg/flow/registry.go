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

package flow

import (
	"strconv"
	"sync"

	"github.com/alphadose/haxmap"
)

// entry remembers, for one normalized Key, the stream id it was assigned
// and which Endpoint was first seen as the source — every later lookup's
// Direction is derived by comparing against that endpoint.
type entry struct {
	mu      sync.Mutex
	id      string
	forward Endpoint
	hasID   bool
}

// Registry hands out stable StreamIds and directions for flows within a
// single file. It is the shared primitive behind both halves of the
// one-canonical-form contract (spec §9):
//
//   - the Marker calls ResolveExternal with the id the TLS dissector
//     reported for a packet (e.g. its own tcp.stream counter);
//   - the Masker calls ResolveLocal, which only ever invents an id for
//     flows the Marker never tagged — such flows carry no KeepRules, so
//     an id mismatch there is inert.
//
// Both paths compute Direction the same way, from the Key's cached
// forward Endpoint, so direction never diverges between the two passes.
type Registry struct {
	flows  *haxmap.Map[Key, *entry]
	lookMu sync.Mutex // guards the check-then-insert below
	next   uint64
	nextMu sync.Mutex
}

// NewRegistry returns an empty, file-scoped Registry.
func NewRegistry() *Registry {
	return &Registry{flows: haxmap.New[Key, *entry]()}
}

func (r *Registry) lookup(key Key, src Endpoint) *entry {
	if e, ok := r.flows.Get(key); ok {
		return e
	}
	r.lookMu.Lock()
	defer r.lookMu.Unlock()
	if e, ok := r.flows.Get(key); ok {
		return e
	}
	e := &entry{forward: src}
	r.flows.Set(key, e)
	return e
}

// ResolveExternal records (or confirms) that key is known under id and
// returns the canonical Direction for a packet whose source is src. The
// first call for a given key wins; later calls with a different id are
// ignored (the dissector is expected to be internally consistent).
func (r *Registry) ResolveExternal(key Key, id string, src Endpoint) (string, Direction) {
	e := r.lookup(key, src)
	e.mu.Lock()
	if !e.hasID {
		e.id = id
		e.hasID = true
	}
	resolvedID := e.id
	fwd := e.forward
	e.mu.Unlock()

	if src == fwd {
		return resolvedID, Forward
	}
	return resolvedID, Reverse
}

// ResolveLocal behaves like ResolveExternal but invents an id from a
// monotonic per-Registry counter the first time key is seen, instead of
// trusting an externally supplied one.
func (r *Registry) ResolveLocal(key Key, src Endpoint) (string, Direction) {
	e := r.lookup(key, src)
	e.mu.Lock()
	if !e.hasID {
		r.nextMu.Lock()
		r.next++
		n := r.next
		r.nextMu.Unlock()
		e.id = strconv.FormatUint(n, 10)
		e.hasID = true
	}
	resolvedID := e.id
	fwd := e.forward
	e.mu.Unlock()

	if src == fwd {
		return resolvedID, Forward
	}
	return resolvedID, Reverse
}

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

// Package flow assigns stable stream ids and forward/reverse direction
// labels to TCP (and UDP) packets, and converts 32-bit TCP sequence
// numbers into a monotonic 64-bit logical sequence per (stream,
// direction).
package flow

import (
	"net/netip"
	"strconv"

	"github.com/rickypin/pktmask/pkg/encap"
)

// Direction labels a packet relative to the first packet seen on its
// stream.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// Endpoint is one half of a socket.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) less(o Endpoint) bool {
	if c := e.IP.Compare(o.IP); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// Key is the normalized innermost 5-tuple identifying a stream,
// independent of direction: the same Key is produced for A→B and B→A
// traffic.
type Key struct {
	A, B     Endpoint
	Protocol encap.L4Protocol
}

// NewKey normalizes (src,dst) into a direction-independent Key.
func NewKey(src, dst Endpoint, proto encap.L4Protocol) Key {
	if src.less(dst) {
		return Key{A: src, B: dst, Protocol: proto}
	}
	return Key{A: dst, B: src, Protocol: proto}
}

// String renders a Key as a stable map key, suitable for carrying a
// dissector-sourced Key→StreamID mapping across a package boundary (see
// rules.KeepRuleSet.FlowStreams) where the richer Key type itself would
// be awkward to serialize.
func (k Key) String() string {
	return k.A.IP.String() + ":" + strconv.Itoa(int(k.A.Port)) +
		"-" + k.B.IP.String() + ":" + strconv.Itoa(int(k.B.Port)) +
		"/" + strconv.Itoa(int(k.Protocol))
}

// CanonicalStreamID renders the single canonical form both the Marker
// and the Masker must agree on (spec §9): "<id>:<direction>".
func CanonicalStreamID(id string, dir Direction) string {
	return id + ":" + string(dir)
}

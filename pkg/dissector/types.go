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

// Package dissector locates TLS record boundaries inside reassembled TCP
// byte streams and turns them into the KeepRules the Masker will later
// apply. It is a thin boundary (spec §9): a dissector only ever reports
// what it saw; it never decides what to preserve.
package dissector

import "github.com/rickypin/pktmask/pkg/flow"

// ContentType mirrors the one-byte TLS record content type field.
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
)

func (c ContentType) String() string {
	switch c {
	case ContentChangeCipherSpec:
		return "change_cipher_spec"
	case ContentAlert:
		return "alert"
	case ContentHandshake:
		return "handshake"
	case ContentApplicationData:
		return "application_data"
	case ContentHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// recordHeaderLength is the fixed 5-byte TLS record header: content
// type (1), legacy version (2), length (2).
const recordHeaderLength = 5

// Record is one TLS record a dissector located within a reassembled
// byte stream, expressed in that stream's logical sequence space.
type Record struct {
	FlowKey     flow.Key
	Src         flow.Endpoint
	ContentType ContentType

	// HeaderStart/HeaderEnd bound the 5-byte record header.
	HeaderStart uint64
	HeaderEnd   uint64

	// BodyStart/BodyEnd bound the record body following the header;
	// BodyEnd == BodyStart for a zero-length record.
	BodyStart uint64
	BodyEnd   uint64
}

// TLSDissector analyses one capture file and reports every TLS record
// it found, across every TCP stream. Implementations must be
// deterministic: the same file analysed twice yields the same Records
// in the same order.
type TLSDissector interface {
	Analyse(path string) ([]Record, error)
}

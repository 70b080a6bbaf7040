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

// Package pcapio reads and writes both classic pcap and pcapng capture
// files, preserving link type, snap length, timestamp resolution, and
// (for pcapng) interface metadata.
package pcapio

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Format identifies the on-disk capture file framing.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatPcap
	FormatPcapNG
)

func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNG:
		return "pcapng"
	default:
		return "unknown"
	}
}

const (
	magicPcapLE      uint32 = 0xa1b2c3d4
	magicPcapBE      uint32 = 0xd4c3b2a1
	magicPcapNsecLE  uint32 = 0xa1b23c4d
	magicPcapNsecBE  uint32 = 0x4d3cb2a1
	magicPcapNGBlock uint32 = 0x0a0d0d0a
)

// sniffFormat peeks the leading magic number off r without consuming it
// from the caller's perspective (br is a *bufio.Reader so Peek is free of
// side effects for subsequent reads).
func sniffFormat(br *bufio.Reader) (Format, bool /* bigEndian, pcap only */, error) {
	head, err := br.Peek(4)
	if err != nil {
		return FormatUnknown, false, fmt.Errorf("pcapio: read magic: %w", err)
	}

	le := binary.LittleEndian.Uint32(head)
	be := binary.BigEndian.Uint32(head)

	switch le {
	case magicPcapLE, magicPcapNsecLE:
		return FormatPcap, false, nil
	case magicPcapBE, magicPcapNsecBE:
		return FormatPcap, true, nil
	}

	if le == magicPcapNGBlock || be == magicPcapNGBlock {
		return FormatPcapNG, false, nil
	}

	return FormatUnknown, false, fmt.Errorf("pcapio: unrecognized magic %#08x", le)
}

// FileMeta carries everything needed to reopen a Writer with the same
// framing characteristics as the file a Reader consumed.
type FileMeta struct {
	Format      Format
	LinkType    layers.LinkType
	Snaplen     uint32
	Nanoseconds bool
	// Interfaces mirrors the pcapng interface description blocks; empty
	// for classic pcap (which has exactly one implicit interface).
	Interfaces []NgInterfaceMeta
}

// NgInterfaceMeta is the subset of a pcapng Interface Description Block
// this package preserves across read/write.
type NgInterfaceMeta struct {
	Name                string
	LinkType            layers.LinkType
	Snaplen             uint32
	TimestampResolution uint8
}

// Packet is one capture record: raw on-wire bytes plus capture metadata.
// It is immutable once produced; rewriting a Packet (e.g. in pkg/mask or
// pkg/anon) always yields a new Packet value.
type Packet struct {
	Data []byte
	Info gopacket.CaptureInfo
}

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

// Package mask applies a rules.KeepRuleSet to TCP payloads: every byte
// not explicitly named by a KeepRule is zeroed. Packet length, framing,
// and non-TCP traffic are left untouched; only payload content changes,
// so only checksums need recomputing.
package mask

import (
	"bytes"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/pkg/encap"
	"github.com/rickypin/pktmask/pkg/flow"
	"github.com/rickypin/pktmask/pkg/pcapio"
	"github.com/rickypin/pktmask/pkg/pktmaskerr"
	"github.com/rickypin/pktmask/pkg/rules"
)

// Stats tallies one file's masking pass.
type Stats struct {
	PacketsSeen     int64
	PacketsModified int64
	NonTCP          int64 // passed through: no TCP payload to mask
	ParseSkipped    int64 // looked like TCP but couldn't be parsed safely
}

// Masker applies a built rules.KeepRuleSet to a stream of packets.
type Masker struct {
	Rules *rules.KeepRuleSet

	registry *flow.Registry
	seqs     *flow.SequenceSpace
	Stats    Stats
}

// New returns a Masker bound to a built rule set.
func New(rs *rules.KeepRuleSet) *Masker {
	return &Masker{
		Rules:    rs,
		registry: flow.NewRegistry(),
		seqs:     flow.NewSequenceSpace(),
	}
}

// Reset clears per-file state so a Masker can be reused for the next
// file with a new KeepRuleSet.
func (m *Masker) Reset(rs *rules.KeepRuleSet) {
	m.Rules = rs
	m.registry = flow.NewRegistry()
	m.seqs = flow.NewSequenceSpace()
	m.Stats = Stats{}
}

// Process returns a new Packet with its TCP payload masked according to
// m.Rules, or the original Packet unchanged if it carries no TCP
// payload to mask.
func (m *Masker) Process(p pcapio.Packet) (pcapio.Packet, error) {
	m.Stats.PacketsSeen++

	parsed := encap.Parse(p.Data)
	if !parsed.HasL4() || parsed.L4Protocol != encap.L4TCP {
		m.Stats.NonTCP++
		return p, nil
	}
	if parsed.Truncated {
		m.Stats.ParseSkipped++
		return p, nil
	}
	if parsed.PayloadLength == 0 {
		m.Stats.NonTCP++
		return p, nil
	}

	tcp, src, dst, err := decodeTCP(p.Data, parsed)
	if err != nil {
		m.Stats.ParseSkipped++
		return p, nil
	}

	key := flow.NewKey(src, dst, encap.L4TCP)

	var canonicalID string
	var dir flow.Direction
	if reportedID, ok := m.Rules.StreamIDFor(key.String()); ok {
		canonicalID, dir = m.registry.ResolveExternal(key, reportedID, src)
	} else {
		canonicalID, dir = m.registry.ResolveLocal(key, src)
	}
	streamID := flow.CanonicalStreamID(canonicalID, dir)

	seqStart := m.seqs.Logical(streamID, tcp.Seq)
	seqEnd := seqStart + uint64(parsed.PayloadLength)

	kept := m.Rules.Overlapping(streamID, seqStart, seqEnd)

	original := p.Data[parsed.PayloadOffset : parsed.PayloadOffset+parsed.PayloadLength]
	masked := make([]byte, parsed.PayloadLength)
	for _, iv := range kept {
		from := int(iv.Start - seqStart)
		to := int(iv.End - seqStart)
		copy(masked[from:to], original[from:to])
	}

	if bytes.Equal(masked, original) {
		return p, nil
	}

	out := make([]byte, len(p.Data))
	copy(out, p.Data)
	copy(out[parsed.PayloadOffset:parsed.PayloadOffset+parsed.PayloadLength], masked)

	if err := recomputeTCPChecksum(out); err != nil {
		return pcapio.Packet{}, pktmaskerr.Wrap(pktmaskerr.ScopeMasker, pktmaskerr.KindParseFailed, "", err)
	}

	m.Stats.PacketsModified++
	return pcapio.Packet{Data: out, Info: p.Info}, nil
}

func decodeTCP(data []byte, parsed *encap.Parsed) (layers.TCP, flow.Endpoint, flow.Endpoint, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(data[parsed.L4Offset:], gopacket.NilDecodeFeedback); err != nil {
		return layers.TCP{}, flow.Endpoint{}, flow.Endpoint{}, err
	}

	var srcIP, dstIP netip.Addr
	var err error
	if parsed.InnermostIsV6 {
		var ip6 layers.IPv6
		if err = ip6.DecodeFromBytes(data[parsed.InnermostIPOffset:], gopacket.NilDecodeFeedback); err != nil {
			return layers.TCP{}, flow.Endpoint{}, flow.Endpoint{}, err
		}
		srcIP, _ = netip.AddrFromSlice(ip6.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip6.DstIP)
	} else {
		var ip4 layers.IPv4
		if err = ip4.DecodeFromBytes(data[parsed.InnermostIPOffset:], gopacket.NilDecodeFeedback); err != nil {
			return layers.TCP{}, flow.Endpoint{}, flow.Endpoint{}, err
		}
		srcIP, _ = netip.AddrFromSlice(ip4.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip4.DstIP)
	}

	src := flow.Endpoint{IP: srcIP, Port: uint16(tcp.SrcPort)}
	dst := flow.Endpoint{IP: dstIP, Port: uint16(tcp.DstPort)}
	return tcp, src, dst, nil
}

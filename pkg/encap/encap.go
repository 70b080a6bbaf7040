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

// Package encap walks a packet's protocol layers — Ethernet, 0-2 VLAN
// tags, optional MPLS/GRE/VXLAN, IPv4/IPv6, and TCP/UDP — locating every
// IP header's offset and the innermost L4 payload span.
package encap

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Kind identifies one layer in the walk.
type Kind string

const (
	KindEthernet Kind = "eth"
	KindVLAN     Kind = "vlan"
	KindMPLS     Kind = "mpls"
	KindGRE      Kind = "gre"
	KindVXLAN    Kind = "vxlan"
	KindIPv4     Kind = "ipv4"
	KindIPv6     Kind = "ipv6"
	KindTCP      Kind = "tcp"
	KindUDP      Kind = "udp"
	KindPayload  Kind = "payload"
)

// Layer is one descriptor in the walked stack: a byte range and what it
// is. Offsets are monotonically increasing and never overlap.
type Layer struct {
	Kind   Kind
	Offset int
	Length int
}

// maxEncapDepth bounds GRE-in-GRE / VXLAN-in-VXLAN recursion so a
// malformed or adversarial packet can't spin the walker forever.
const maxEncapDepth = 4

// L4Protocol enumerates the transport protocols this parser understands
// at the innermost layer.
type L4Protocol uint8

const (
	L4None L4Protocol = 0
	L4TCP  L4Protocol = 6
	L4UDP  L4Protocol = 17
	l4GRE  L4Protocol = 47
)

// Parsed is the result of walking one packet's byte layout.
type Parsed struct {
	Layers []Layer

	// IPOffsets holds the byte offset of every IP header seen, outermost
	// first — Anonymization rewrites every one of them.
	IPOffsets []int

	// InnermostIPOffset/IsV6 describe the IP header immediately
	// preceding the innermost L4 header.
	InnermostIPOffset int
	InnermostIsV6     bool
	haveInnermostIP   bool

	L4Offset   int
	L4Protocol L4Protocol
	haveL4     bool

	PayloadOffset int
	PayloadLength int

	// Truncated is set when an unrecognized EtherType/protocol number
	// stopped the descent before reaching L4. The packet is still
	// usable; downstream stages just skip operations needing deeper
	// info (spec: "failure behavior").
	Truncated bool
}

// HasL4 reports whether a TCP or UDP header was located.
func (p *Parsed) HasL4() bool { return p.haveL4 }

// HasIP reports whether any IP layer was located.
func (p *Parsed) HasIP() bool { return p.haveInnermostIP }

// Parse walks data left to right starting from an Ethernet frame.
func Parse(data []byte) *Parsed {
	p := &Parsed{}
	p.walkEthernet(data, 0, 0)
	return p
}

func (p *Parsed) append(kind Kind, offset, length int) {
	p.Layers = append(p.Layers, Layer{Kind: kind, Offset: offset, Length: length})
}

func (p *Parsed) walkEthernet(data []byte, offset, depth int) {
	if depth > maxEncapDepth || len(data) == 0 {
		p.Truncated = true
		return
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		p.Truncated = true
		return
	}

	hlen := len(eth.Contents)
	p.append(KindEthernet, offset, hlen)
	p.walkAfterL2(eth.Payload, offset+hlen, eth.EthernetType, depth, 0)
}

// walkAfterL2 dispatches on the EtherType following Ethernet or a VLAN
// tag: further VLAN tags, MPLS, or an L3 protocol.
func (p *Parsed) walkAfterL2(data []byte, offset int, ethType layers.EthernetType, depth, vlanCount int) {
	switch ethType {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ:
		if vlanCount >= 2 {
			p.Truncated = true
			return
		}
		var vlan layers.Dot1Q
		if err := vlan.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			p.Truncated = true
			return
		}
		hlen := len(vlan.Contents)
		p.append(KindVLAN, offset, hlen)
		p.walkAfterL2(vlan.Payload, offset+hlen, vlan.Type, depth, vlanCount+1)

	case layers.EthernetTypeMPLSUnicast, layers.EthernetTypeMPLSMulticast:
		p.walkMPLS(data, offset, depth)

	case layers.EthernetTypeIPv4:
		p.walkIPv4(data, offset, depth)

	case layers.EthernetTypeIPv6:
		p.walkIPv6(data, offset, depth)

	default:
		p.Truncated = true
	}
}

func (p *Parsed) walkMPLS(data []byte, offset, depth int) {
	for {
		var mpls layers.MPLS
		if err := mpls.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			p.Truncated = true
			return
		}
		hlen := len(mpls.Contents)
		p.append(KindMPLS, offset, hlen)
		offset += hlen
		data = mpls.Payload

		if mpls.StackBottom {
			break
		}
		if len(data) == 0 {
			p.Truncated = true
			return
		}
	}

	if len(data) == 0 {
		p.Truncated = true
		return
	}

	// no EtherType after an MPLS stack; sniff the IP version nibble.
	switch data[0] >> 4 {
	case 4:
		p.walkIPv4(data, offset, depth)
	case 6:
		p.walkIPv6(data, offset, depth)
	default:
		p.Truncated = true
	}
}

func (p *Parsed) walkIPv4(data []byte, offset, depth int) {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		p.Truncated = true
		return
	}
	hlen := len(ip4.Contents)
	p.append(KindIPv4, offset, hlen)
	p.IPOffsets = append(p.IPOffsets, offset)
	p.InnermostIPOffset = offset
	p.InnermostIsV6 = false
	p.haveInnermostIP = true

	p.walkL4(ip4.Payload, offset+hlen, L4Protocol(ip4.Protocol), depth)
}

func (p *Parsed) walkIPv6(data []byte, offset, depth int) {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		p.Truncated = true
		return
	}
	hlen := len(ip6.Contents)
	p.append(KindIPv6, offset, hlen)
	p.IPOffsets = append(p.IPOffsets, offset)
	p.InnermostIPOffset = offset
	p.InnermostIsV6 = true
	p.haveInnermostIP = true

	// IPv6 extension header chains (hop-by-hop, routing, fragment) are
	// not walked; NextHeader is taken to name the L4 protocol directly.
	p.walkL4(ip6.Payload, offset+hlen, L4Protocol(ip6.NextHeader), depth)
}

func (p *Parsed) walkL4(data []byte, offset int, proto L4Protocol, depth int) {
	switch proto {
	case L4TCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			p.Truncated = true
			return
		}
		hlen := len(tcp.Contents)
		p.append(KindTCP, offset, hlen)
		p.L4Offset = offset
		p.L4Protocol = L4TCP
		p.haveL4 = true
		p.PayloadOffset = offset + hlen
		p.PayloadLength = len(tcp.Payload)
		if len(tcp.Payload) > 0 {
			p.append(KindPayload, p.PayloadOffset, p.PayloadLength)
		}

	case L4UDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			p.Truncated = true
			return
		}
		hlen := len(udp.Contents)
		p.append(KindUDP, offset, hlen)
		p.L4Offset = offset
		p.L4Protocol = L4UDP
		p.haveL4 = true

		if isVXLANPort(udp.SrcPort, udp.DstPort) && depth < maxEncapDepth {
			p.walkVXLAN(udp.Payload, offset+hlen, depth)
			return
		}

		p.PayloadOffset = offset + hlen
		p.PayloadLength = len(udp.Payload)
		if len(udp.Payload) > 0 {
			p.append(KindPayload, p.PayloadOffset, p.PayloadLength)
		}

	case l4GRE:
		p.walkGRE(data, offset, depth)

	default:
		p.Truncated = true
	}
}

const vxlanPort = 4789

func isVXLANPort(src, dst layers.UDPPort) bool {
	return uint16(dst) == vxlanPort || uint16(src) == vxlanPort
}

func (p *Parsed) walkVXLAN(data []byte, offset, depth int) {
	var vx layers.VXLAN
	if err := vx.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		p.Truncated = true
		return
	}
	hlen := len(vx.Contents)
	p.append(KindVXLAN, offset, hlen)
	p.walkEthernet(vx.Payload, offset+hlen, depth+1)
}

func (p *Parsed) walkGRE(data []byte, offset, depth int) {
	var gre layers.GRE
	if err := gre.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		p.Truncated = true
		return
	}
	hlen := len(gre.Contents)
	p.append(KindGRE, offset, hlen)

	switch gre.Protocol {
	case layers.EthernetTypeTransparentEthernetBridging:
		p.walkEthernet(gre.Payload, offset+hlen, depth+1)
	case layers.EthernetTypeIPv4:
		p.walkIPv4(gre.Payload, offset+hlen, depth+1)
	case layers.EthernetTypeIPv6:
		p.walkIPv6(gre.Payload, offset+hlen, depth+1)
	default:
		p.Truncated = true
	}
}

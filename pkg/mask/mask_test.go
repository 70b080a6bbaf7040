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

package mask

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/pkg/encap"
	"github.com/rickypin/pktmask/pkg/flow"
	"github.com/rickypin/pktmask/pkg/pcapio"
	"github.com/rickypin/pktmask/pkg/rules"
)

func buildTCPData(t *testing.T, seq uint32, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 51000, Seq: seq, ACK: true, PSH: true}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func flowKeyFor(data []byte) flow.Key {
	parsed := encap.Parse(data)
	var ip4 layers.IPv4
	ip4.DecodeFromBytes(data[parsed.InnermostIPOffset:], gopacket.NilDecodeFeedback)
	var tcp layers.TCP
	tcp.DecodeFromBytes(data[parsed.L4Offset:], gopacket.NilDecodeFeedback)

	srcIP, _ := netip.AddrFromSlice(ip4.SrcIP)
	dstIP, _ := netip.AddrFromSlice(ip4.DstIP)
	src := flow.Endpoint{IP: srcIP, Port: uint16(tcp.SrcPort)}
	dst := flow.Endpoint{IP: dstIP, Port: uint16(tcp.DstPort)}
	return flow.NewKey(src, dst, encap.L4TCP)
}

func TestMaskerMasksOutsideKeepRules(t *testing.T) {
	payload := []byte{22, 0x03, 0x03, 0x00, 0x04, 'D', 'A', 'T', 'A'} // header(5) + body(4)
	data := buildTCPData(t, 1000, payload)
	key := flowKeyFor(data)

	rs := rules.New()
	rs.FlowStreams[key.String()] = "s1"
	must(t, rs.Add(rules.KeepRule{StreamID: "s1:forward", Kind: rules.KindHeaderOnly, SeqStart: 1000, SeqEnd: 1005}))
	must(t, rs.Build())

	m := New(rs)
	out, err := m.Process(pcapio.Packet{Data: data})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if m.Stats.PacketsModified != 1 {
		t.Fatalf("PacketsModified = %d, want 1", m.Stats.PacketsModified)
	}

	parsed := encap.Parse(out.Data)
	got := out.Data[parsed.PayloadOffset : parsed.PayloadOffset+parsed.PayloadLength]

	want := []byte{22, 0x03, 0x03, 0x00, 0x04, 0, 0, 0, 0} // header kept, body zeroed
	if string(got) != string(want) {
		t.Fatalf("masked payload = %v, want %v", got, want)
	}
}

func TestMaskerDefaultDenyZeroesEverythingWithNoRules(t *testing.T) {
	payload := []byte("super secret application data")
	data := buildTCPData(t, 2000, payload)

	rs := rules.New()
	must(t, rs.Build())

	m := New(rs)
	out, err := m.Process(pcapio.Packet{Data: data})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	parsed := encap.Parse(out.Data)
	got := out.Data[parsed.PayloadOffset : parsed.PayloadOffset+parsed.PayloadLength]
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 (default-deny)", i, b)
		}
	}
}

func TestMaskerPassesThroughNonTCP(t *testing.T) {
	m := New(rulesEmpty(t))
	original := pcapio.Packet{Data: []byte{1, 2, 3}}
	out, err := m.Process(original)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(out.Data) != string(original.Data) {
		t.Fatal("non-TCP packet should pass through unchanged")
	}
	if m.Stats.NonTCP != 1 {
		t.Fatalf("NonTCP = %d, want 1", m.Stats.NonTCP)
	}
}

func rulesEmpty(t *testing.T) *rules.KeepRuleSet {
	t.Helper()
	rs := rules.New()
	must(t, rs.Build())
	return rs
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

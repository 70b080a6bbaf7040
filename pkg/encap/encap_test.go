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

package encap

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildTCP(t *testing.T, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	tcp := &layers.TCP{
		SrcPort: 443,
		DstPort: 51000,
		Seq:     1000,
		ACK:     true,
		PSH:     true,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestParseEthernetIPv4TCP(t *testing.T) {
	payload := []byte("hello tls record")
	data := buildTCP(t, payload)

	p := Parse(data)
	if p.Truncated {
		t.Fatal("Parse should not report Truncated for a well-formed TCP packet")
	}
	if !p.HasIP() {
		t.Fatal("HasIP() = false, want true")
	}
	if !p.HasL4() {
		t.Fatal("HasL4() = false, want true")
	}
	if p.InnermostIsV6 {
		t.Fatal("InnermostIsV6 = true, want false")
	}
	if p.L4Protocol != L4TCP {
		t.Fatalf("L4Protocol = %v, want L4TCP", p.L4Protocol)
	}
	if p.PayloadLength != len(payload) {
		t.Fatalf("PayloadLength = %d, want %d", p.PayloadLength, len(payload))
	}
	if got := string(data[p.PayloadOffset : p.PayloadOffset+p.PayloadLength]); got != string(payload) {
		t.Fatalf("payload slice = %q, want %q", got, payload)
	}
	if len(p.IPOffsets) != 1 {
		t.Fatalf("len(IPOffsets) = %d, want 1", len(p.IPOffsets))
	}
}

func TestParseTruncatesUnknownEtherType(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b},
		EthernetType: 0x1234,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload([]byte{1, 2, 3})); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}

	p := Parse(buf.Bytes())
	if !p.Truncated {
		t.Fatal("Parse should report Truncated for an unrecognized EtherType")
	}
	if p.HasIP() || p.HasL4() {
		t.Fatal("unrecognized EtherType should yield no IP/L4 layers")
	}
}

func TestParseEmptyData(t *testing.T) {
	p := Parse(nil)
	if !p.Truncated {
		t.Fatal("Parse(nil) should report Truncated")
	}
}

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

package anon

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/pkg/pcapio"
)

func buildTCPPacket(t *testing.T, srcIP, dstIP string, payload []byte) []byte {
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
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 51000, Seq: 1, ACK: true}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func TestStageProcessRewritesIPAndRecomputesChecksums(t *testing.T) {
	data := buildTCPPacket(t, "192.168.1.1", "192.168.1.2", []byte("payload"))

	stage := NewStage(testSecret)
	out, err := stage.Process(pcapio.Packet{Data: data})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if stage.Rewritten != 1 {
		t.Fatalf("Rewritten = %d, want 1", stage.Rewritten)
	}

	decoded := gopacket.NewPacket(out.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: false, NoCopy: true})
	if err := decoded.ErrorLayer(); err != nil {
		t.Fatalf("re-decoding anonymized packet failed: %v", err.Error())
	}

	ip4 := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip4.SrcIP.String() == "192.168.1.1" || ip4.DstIP.String() == "192.168.1.2" {
		t.Fatalf("IP addresses were not rewritten: src=%v dst=%v", ip4.SrcIP, ip4.DstIP)
	}

	tcpLayer := decoded.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatal("anonymized packet lost its TCP layer")
	}
	if tcpLayer.(*layers.TCP).Checksum == 0 {
		t.Fatal("TCP checksum should have been recomputed to a non-zero value")
	}
}

func TestStageProcessSkipsNonIPPackets(t *testing.T) {
	stage := NewStage(testSecret)
	original := pcapio.Packet{Data: []byte{1, 2, 3}}
	out, err := stage.Process(original)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(out.Data) != string(original.Data) {
		t.Fatal("non-IP packets should pass through unchanged")
	}
	if stage.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", stage.Skipped)
	}
}

func TestStagePreservesSharedPrefixAcrossPackets(t *testing.T) {
	data1 := buildTCPPacket(t, "10.0.0.1", "8.8.8.8", []byte("a"))
	data2 := buildTCPPacket(t, "10.0.0.2", "8.8.4.4", []byte("b"))

	stage := NewStage(testSecret)
	out1, err := stage.Process(pcapio.Packet{Data: data1})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	out2, err := stage.Process(pcapio.Packet{Data: data2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	ip1 := parseIPv4(t, out1.Data)
	ip2 := parseIPv4(t, out2.Data)
	if ip1.SrcIP[0] != ip2.SrcIP[0] || ip1.SrcIP[1] != ip2.SrcIP[1] || ip1.SrcIP[2] != ip2.SrcIP[2] {
		t.Fatalf("10.0.0.1 and 10.0.0.2 should keep a shared /24 after anonymization: %v vs %v", ip1.SrcIP, ip2.SrcIP)
	}
}

func parseIPv4(t *testing.T, data []byte) *layers.IPv4 {
	t.Helper()
	decoded := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: false, NoCopy: true})
	l := decoded.Layer(layers.LayerTypeIPv4)
	if l == nil {
		t.Fatal("no IPv4 layer found")
	}
	return l.(*layers.IPv4)
}

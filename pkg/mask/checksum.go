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
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// recomputeTCPChecksum re-decodes data and rewrites its TCP checksum in
// place, leaving every other byte — including the payload masking just
// wrote — exactly as given. Masking never changes packet length, so the
// IP header checksum is untouched.
func recomputeTCPChecksum(data []byte) error {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: false, NoCopy: true})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return errLayer.Error()
	}

	var network gopacket.NetworkLayer
	var tcp *layers.TCP
	for _, l := range pkt.Layers() {
		if nl, ok := l.(gopacket.NetworkLayer); ok {
			network = nl
		}
		if t, ok := l.(*layers.TCP); ok {
			tcp = t
		}
	}
	if tcp == nil || network == nil {
		return nil
	}

	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return err
	}

	// TCP's checksum covers header+payload, so the payload must already be
	// in the buffer (as the innermost prepended layer) before TCP prepends
	// its own header in front of it — calling tcp.SerializeTo alone on an
	// empty buffer would checksum the header only.
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		return err
	}

	copy(data[tcpOffset(pkt):], buf.Bytes())
	return nil
}

// tcpOffset returns the byte offset of the TCP header within the
// original packet, by summing the contents length of every layer
// preceding it.
func tcpOffset(pkt gopacket.Packet) int {
	offset := 0
	for _, l := range pkt.Layers() {
		if _, ok := l.(*layers.TCP); ok {
			break
		}
		offset += len(l.LayerContents())
	}
	return offset
}

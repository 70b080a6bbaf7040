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
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/pkg/encap"
	"github.com/rickypin/pktmask/pkg/pcapio"
	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// Stage rewrites every IP layer in a packet (outer and inner, across
// tunnels) with the Anonymizer's prefix-preserving mapping, then
// recomputes IP and TCP/UDP checksums so the result stays a valid
// capture.
type Stage struct {
	IPv4 *Anonymizer
	IPv6 *Anonymizer

	Rewritten int64
	Skipped   int64 // packets with no IP layer, passed through unchanged
}

// NewStage returns a Stage with independent IPv4 and IPv6 anonymizers,
// each keyed by secret (spec: independent per-family namespaces).
func NewStage(secret []byte) *Stage {
	return &Stage{IPv4: New(secret), IPv6: New(secret)}
}

// Process returns a new Packet with every IP address rewritten, or the
// original Packet if it carries no IP layer (encap.Parse found nothing
// to rewrite).
func (s *Stage) Process(p pcapio.Packet) (pcapio.Packet, error) {
	parsed := encap.Parse(p.Data)
	if !parsed.HasIP() {
		s.Skipped++
		return p, nil
	}

	decoded := gopacket.NewPacket(p.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: false, NoCopy: true})
	if err := decoded.ErrorLayer(); err != nil {
		s.Skipped++
		return p, nil
	}

	changed := false
	for _, l := range decoded.Layers() {
		switch layer := l.(type) {
		case *layers.IPv4:
			layer.SrcIP = s.rewriteIP(layer.SrcIP)
			layer.DstIP = s.rewriteIP(layer.DstIP)
			changed = true
		case *layers.IPv6:
			layer.SrcIP = s.rewriteIP(layer.SrcIP)
			layer.DstIP = s.rewriteIP(layer.DstIP)
			changed = true
		}
	}

	if !changed {
		s.Skipped++
		return p, nil
	}

	if err := fixTransportChecksums(decoded); err != nil {
		return pcapio.Packet{}, pktmaskerr.Wrap(pktmaskerr.ScopeAnon, pktmaskerr.KindParseFailed, "", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	serializable := make([]gopacket.SerializableLayer, 0, len(decoded.Layers()))
	for _, l := range decoded.Layers() {
		if sl, ok := l.(gopacket.SerializableLayer); ok {
			serializable = append(serializable, sl)
		}
	}

	if err := gopacket.SerializeLayers(buf, opts, serializable...); err != nil {
		return pcapio.Packet{}, pktmaskerr.Wrap(pktmaskerr.ScopeAnon, pktmaskerr.KindParseFailed, "", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())

	s.Rewritten++
	info := p.Info
	info.CaptureLength = len(out)
	info.Length = len(out)
	return pcapio.Packet{Data: out, Info: info}, nil
}

func (s *Stage) rewriteIP(ip net.IP) net.IP {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ip
	}
	addr = addr.Unmap()

	var out netip.Addr
	if addr.Is4() {
		out = s.IPv4.Anonymize(addr)
	} else {
		out = s.IPv6.Anonymize(addr)
	}
	return net.IP(out.AsSlice())
}

// fixTransportChecksums re-associates TCP/UDP layers with their (now
// rewritten) network layer so ComputeChecksums recomputes the
// pseudo-header correctly.
func fixTransportChecksums(pkt gopacket.Packet) error {
	var network gopacket.NetworkLayer
	for _, l := range pkt.Layers() {
		if nl, ok := l.(gopacket.NetworkLayer); ok {
			network = nl
		}
	}
	if network == nil {
		return nil
	}

	for _, l := range pkt.Layers() {
		switch t := l.(type) {
		case *layers.TCP:
			if err := t.SetNetworkLayerForChecksum(network); err != nil {
				return err
			}
		case *layers.UDP:
			if err := t.SetNetworkLayerForChecksum(network); err != nil {
				return err
			}
		}
	}
	return nil
}

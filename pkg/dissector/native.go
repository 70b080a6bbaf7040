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

package dissector

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"go.uber.org/zap"

	"github.com/rickypin/pktmask/pkg/encap"
	"github.com/rickypin/pktmask/pkg/flow"
	"github.com/rickypin/pktmask/pkg/pcapio"
	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// Native is the in-process fallback dissector used when no external
// command is configured. It
// reassembles TCP streams with gopacket/reassembly and walks the
// resulting byte stream for TLS record headers directly.
type Native struct {
	Logger *zap.Logger
}

// NewNative returns a ready-to-use Native dissector.
func NewNative(logger *zap.Logger) *Native {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Native{Logger: logger}
}

// Analyse re-reads path packet by packet, feeding TCP payloads through a
// reassembly.Assembler and scanning each stream's reassembled byte
// sequence for record headers.
func (n *Native) Analyse(path string) ([]Record, error) {
	reader, err := pcapio.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	factory := &streamFactory{logger: n.Logger}
	pool := reassembly.NewStreamPool(factory)
	assembler := reassembly.NewAssembler(pool)

	for {
		pkt, err := reader.Next()
		if err != nil {
			break
		}
		parsed := encap.Parse(pkt.Data)
		if !parsed.HasL4() || parsed.L4Protocol != encap.L4TCP {
			continue
		}

		var tcp layers.TCP
		if tcp.DecodeFromBytes(pkt.Data[parsed.L4Offset:], gopacket.NilDecodeFeedback) != nil {
			continue
		}

		var netFlow gopacket.Flow
		if parsed.InnermostIsV6 {
			var ip6 layers.IPv6
			if ip6.DecodeFromBytes(pkt.Data[parsed.InnermostIPOffset:], gopacket.NilDecodeFeedback) != nil {
				continue
			}
			netFlow = ip6.NetworkFlow()
		} else {
			var ip4 layers.IPv4
			if ip4.DecodeFromBytes(pkt.Data[parsed.InnermostIPOffset:], gopacket.NilDecodeFeedback) != nil {
				continue
			}
			netFlow = ip4.NetworkFlow()
		}

		assembler.AssembleWithContext(netFlow, &tcp, &assemblerCtx{ci: pkt.Info})
	}

	assembler.FlushAll()

	return factory.records(), nil
}

type assemblerCtx struct {
	ci gopacket.CaptureInfo
}

func (c *assemblerCtx) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }

// streamFactory hands out one tlsStream per TCP connection and collects
// every Record produced across all of them.
type streamFactory struct {
	logger *zap.Logger

	mu      sync.Mutex
	records []Record
}

func (f *streamFactory) New(netFlow, transFlow gopacket.Flow, tcp *layers.TCP, _ reassembly.AssemblerContext) reassembly.Stream {
	key, _, err := flowKeyFromFlows(netFlow, transFlow)
	if err != nil {
		f.logger.Warn("native dissector: unparsable flow, skipping stream", zap.Error(err))
		return &discardStream{}
	}

	return &tlsStream{
		factory: f,
		key:     key,
		seqs:    flow.NewSequenceSpace(),
		buffers: make(map[flow.Direction]*recordScanner),
	}
}

func (f *streamFactory) append(r Record) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

func (f *streamFactory) records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records...)
}

func flowKeyFromFlows(netFlow, transFlow gopacket.Flow) (flow.Key, flow.Endpoint, error) {
	srcIPBytes, dstIPBytes := netFlow.Src().Raw(), netFlow.Dst().Raw()
	srcIP, ok := netip.AddrFromSlice(srcIPBytes)
	if !ok {
		return flow.Key{}, flow.Endpoint{}, pktmaskerr.New(pktmaskerr.ScopeDissector, pktmaskerr.KindParseFailed, "bad src IP in reassembly flow")
	}
	dstIP, ok := netip.AddrFromSlice(dstIPBytes)
	if !ok {
		return flow.Key{}, flow.Endpoint{}, pktmaskerr.New(pktmaskerr.ScopeDissector, pktmaskerr.KindParseFailed, "bad dst IP in reassembly flow")
	}

	srcPort := uint16(0)
	dstPort := uint16(0)
	if len(transFlow.Src().Raw()) == 2 {
		srcPort = uint16(transFlow.Src().Raw()[0])<<8 | uint16(transFlow.Src().Raw()[1])
	}
	if len(transFlow.Dst().Raw()) == 2 {
		dstPort = uint16(transFlow.Dst().Raw()[0])<<8 | uint16(transFlow.Dst().Raw()[1])
	}

	src := flow.Endpoint{IP: srcIP, Port: srcPort}
	dst := flow.Endpoint{IP: dstIP, Port: dstPort}
	return flow.NewKey(src, dst, encap.L4TCP), src, nil
}

// discardStream satisfies reassembly.Stream for flows this dissector
// could not key; its bytes are accepted and dropped.
type discardStream struct{}

func (discardStream) Accept(*layers.TCP, reassembly.AssemblerContext, reassembly.TCPFlowDirection, reassembly.Sequence, *bool) bool {
	return true
}
func (discardStream) ReassembledSG(reassembly.ReassemblySG, reassembly.AssemblerContext) {}
func (discardStream) ReassemblyComplete(reassembly.AssemblerContext) bool                { return true }

// tlsStream implements reassembly.Stream, scanning each direction's
// reassembled bytes for TLS record headers as they arrive.
type tlsStream struct {
	factory *streamFactory
	key     flow.Key
	seqs    *flow.SequenceSpace

	mu      sync.Mutex
	buffers map[flow.Direction]*recordScanner
}

func (s *tlsStream) Accept(*layers.TCP, reassembly.AssemblerContext, reassembly.TCPFlowDirection, reassembly.Sequence, *bool) bool {
	return true
}

func (s *tlsStream) ReassembledSG(sg reassembly.ReassemblySG, _ reassembly.AssemblerContext) {
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}
	data := sg.Bytes()
	dirFlag, _, _, _ := sg.Info()
	dir := flow.Forward
	if !dirFlag {
		dir = flow.Reverse
	}

	s.mu.Lock()
	scanner, ok := s.buffers[dir]
	if !ok {
		scanner = &recordScanner{}
		s.buffers[dir] = scanner
	}
	s.mu.Unlock()

	canonical := flow.CanonicalStreamID(s.key.String(), dir)
	logicalStart := s.seqs.Logical(canonical, scanner.streamOffset)
	scanner.streamOffset += uint32(length)

	records := scanner.feed(data, logicalStart)
	for i := range records {
		records[i].FlowKey = s.key
		s.factory.append(records[i])
	}
}

func (s *tlsStream) ReassemblyComplete(_ reassembly.AssemblerContext) bool {
	return true
}

// recordScanner incrementally parses TLS record headers out of a
// single direction's reassembled byte stream, carrying a partial header
// across ReassembledSG calls. streamOffset counts reassembled bytes
// from the start of the stream — not the wire sequence number — so
// Records from this fallback live in a locally consistent logical space
// rather than one comparable across streams.
type recordScanner struct {
	pending      []byte
	pendingSeq   uint64
	streamOffset uint32
	halted       bool
}

// maxRecordBodyLength is the largest legal TLS record body (2^14 + 2048).
const maxRecordBodyLength = 1<<14 + 2048

// feed stops for good at the first header whose version is outside
// SSL 3.0..TLS 1.3 or whose length exceeds maxRecordBodyLength.
func (r *recordScanner) feed(data []byte, logicalStart uint64) []Record {
	if r.halted {
		return nil
	}
	if len(r.pending) > 0 {
		data = append(r.pending, data...)
		logicalStart = r.pendingSeq
		r.pending = nil
	}

	var out []Record
	offset := 0
	for offset+recordHeaderLength <= len(data) {
		contentType := ContentType(data[offset])
		bodyLen := int(data[offset+3])<<8 | int(data[offset+4])
		version := uint16(data[offset+1])<<8 | uint16(data[offset+2])
		if version < 0x0300 || version > 0x0304 || bodyLen > maxRecordBodyLength {
			r.halted = true
			r.pending = nil
			return out
		}

		headerStart := logicalStart + uint64(offset)
		headerEnd := headerStart + recordHeaderLength
		bodyStart := headerEnd
		bodyEnd := bodyStart + uint64(bodyLen)

		if offset+recordHeaderLength+bodyLen > len(data) {
			// body not fully arrived yet; keep header+partial body pending.
			break
		}

		out = append(out, Record{
			ContentType: contentType,
			HeaderStart: headerStart,
			HeaderEnd:   headerEnd,
			BodyStart:   bodyStart,
			BodyEnd:     bodyEnd,
		})

		offset += recordHeaderLength + bodyLen
	}

	if offset < len(data) {
		r.pending = append([]byte(nil), data[offset:]...)
		r.pendingSeq = logicalStart + uint64(offset)
	}

	return out
}

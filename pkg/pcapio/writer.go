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

package pcapio

import (
	"bufio"
	"os"

	"github.com/google/gopacket/pcapgo"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// Writer appends packets to a new capture file, matching the format,
// link type, and (for pcapng) interface metadata of a FileMeta produced
// by a Reader.
type Writer struct {
	file *os.File
	bw   *bufio.Writer

	meta FileMeta

	pcapW *pcapgo.Writer
	ngW   *pcapgo.NgWriter
}

// Create opens path for writing and emits the file header described by
// meta. chunkSize sizes the internal write buffer (spec's
// mask.chunk_size hint); 0 picks a sane default.
func Create(path string, meta FileMeta, chunkSize int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
	}

	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	bw := bufio.NewWriterSize(f, chunkSize)

	w := &Writer{file: f, bw: bw, meta: meta}

	switch meta.Format {
	case FormatPcap:
		var pw *pcapgo.Writer
		if meta.Nanoseconds {
			pw = pcapgo.NewWriterNanos(bw)
		} else {
			pw = pcapgo.NewWriter(bw)
		}
		if err := pw.WriteFileHeader(meta.Snaplen, meta.LinkType); err != nil {
			f.Close()
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
		}
		w.pcapW = pw
	case FormatPcapNG:
		ngw, err := newNgWriter(bw, meta)
		if err != nil {
			f.Close()
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
		}
		w.ngW = ngw
	default:
		f.Close()
		return nil, pktmaskerr.New(pktmaskerr.ScopeReader, pktmaskerr.KindUnsupportedLinkType, "unknown target format")
	}

	return w, nil
}

func newNgWriter(bw *bufio.Writer, meta FileMeta) (*pcapgo.NgWriter, error) {
	if len(meta.Interfaces) == 0 {
		return pcapgo.NewNgWriter(bw, meta.LinkType)
	}

	first := meta.Interfaces[0]
	ngw, err := pcapgo.NewNgWriterInterface(bw, pcapgo.NgInterface{
		Name:                first.Name,
		LinkType:            first.LinkType,
		SnapLength:          first.Snaplen,
		TimestampResolution: pcapgo.NgResolution(first.TimestampResolution),
	}, pcapgo.DefaultNgWriterOptions)
	if err != nil {
		return nil, err
	}

	for _, iface := range meta.Interfaces[1:] {
		if _, err := ngw.AddInterface(pcapgo.NgInterface{
			Name:                iface.Name,
			LinkType:            iface.LinkType,
			SnapLength:          iface.Snaplen,
			TimestampResolution: pcapgo.NgResolution(iface.TimestampResolution),
		}); err != nil {
			return nil, err
		}
	}

	return ngw, nil
}

// WritePacket appends one packet, preserving its original timestamp.
func (w *Writer) WritePacket(p Packet) error {
	var err error
	switch w.meta.Format {
	case FormatPcap:
		err = w.pcapW.WritePacket(p.Info, p.Data)
	case FormatPcapNG:
		err = w.ngW.WritePacket(p.Info, p.Data)
	default:
		return pktmaskerr.New(pktmaskerr.ScopeReader, pktmaskerr.KindUnsupportedLinkType, "writer not initialized")
	}
	if err != nil {
		return pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, "", err)
	}
	return nil
}

// Close flushes pending pcapng blocks (if any) and the underlying file.
func (w *Writer) Close() error {
	if w.ngW != nil {
		if err := w.ngW.Flush(); err != nil {
			w.file.Close()
			return pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, "", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, "", err)
	}
	return w.file.Close()
}

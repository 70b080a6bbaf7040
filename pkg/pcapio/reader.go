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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// Reader iterates packets from a pcap or pcapng file, surfacing enough
// metadata for a Writer to reproduce the same framing.
type Reader struct {
	file *os.File
	br   *bufio.Reader

	meta FileMeta

	pcapR *pcapgo.Reader
	ngR   *pcapgo.NgReader
}

// Open detects the file's format and returns a Reader positioned at the
// first packet record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	format, _, err := sniffFormat(br)
	if err != nil {
		f.Close()
		return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindUnsupportedLinkType, path, err)
	}

	r := &Reader{file: f, br: br}

	switch format {
	case FormatPcap:
		head, _ := br.Peek(4)
		magic := binary.LittleEndian.Uint32(head)
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
		}
		r.pcapR = pr
		r.meta = FileMeta{
			Format:      FormatPcap,
			LinkType:    pr.LinkType(),
			Snaplen:     pr.Snaplen(),
			Nanoseconds: magic == magicPcapNsecLE || magic == magicPcapNsecBE,
		}
	case FormatPcapNG:
		nr, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, path, err)
		}
		r.ngR = nr
		r.meta = FileMeta{
			Format:      FormatPcapNG,
			LinkType:    nr.LinkType(),
			Nanoseconds: true,
			Interfaces:  ngInterfaces(nr),
		}
	default:
		f.Close()
		return nil, pktmaskerr.New(pktmaskerr.ScopeReader, pktmaskerr.KindUnsupportedLinkType,
			fmt.Sprintf("unrecognized capture format for %s", path))
	}

	return r, nil
}

func ngInterfaces(nr *pcapgo.NgReader) []NgInterfaceMeta {
	var out []NgInterfaceMeta
	for i := 0; ; i++ {
		iface, err := nr.Interface(i)
		if err != nil {
			break
		}
		out = append(out, NgInterfaceMeta{
			Name:                iface.Name,
			LinkType:            iface.LinkType,
			Snaplen:             iface.SnapLength,
			TimestampResolution: uint8(iface.TimestampResolution),
		})
	}
	return out
}

// Meta returns the capture file's format/linktype/interface metadata.
func (r *Reader) Meta() FileMeta {
	return r.meta
}

// Next returns the next packet, or io.EOF when the file is exhausted.
func (r *Reader) Next() (Packet, error) {
	var (
		data []byte
		ci   gopacket.CaptureInfo
		err  error
	)

	switch r.meta.Format {
	case FormatPcap:
		data, ci, err = r.pcapR.ReadPacketData()
	case FormatPcapNG:
		data, ci, err = r.ngR.ReadPacketData()
	default:
		return Packet{}, pktmaskerr.New(pktmaskerr.ScopeReader, pktmaskerr.KindUnsupportedLinkType, "reader not initialized")
	}

	if errors.Is(err, io.EOF) {
		return Packet{}, io.EOF
	}
	if err != nil {
		return Packet{}, pktmaskerr.Wrap(pktmaskerr.ScopeReader, pktmaskerr.KindIO, "", err)
	}

	// the underlying buffer is reused by some decoders across calls; copy
	// defensively so downstream stages can hold onto a Packet safely.
	cp := make([]byte, len(data))
	copy(cp, data)

	return Packet{Data: cp, Info: ci}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

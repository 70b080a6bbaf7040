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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os/exec"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/rickypin/pktmask/pkg/encap"
	"github.com/rickypin/pktmask/pkg/flow"
	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

// externalRecord is the line-delimited JSON shape the external dissector
// subprocess emits to stdout, one object per TLS record.
type externalRecord struct {
	SrcIP       string `json:"src_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstIP       string `json:"dst_ip"`
	DstPort     uint16 `json:"dst_port"`
	Proto       uint8  `json:"proto"`
	ContentType uint8  `json:"content_type"`
	HeaderStart uint64 `json:"header_start"`
	HeaderEnd   uint64 `json:"header_end"`
	BodyStart   uint64 `json:"body_start"`
	BodyEnd     uint64 `json:"body_end"`
}

// External invokes an out-of-process TLS dissector as a blocking,
// line-delimited-JSON subprocess, per spec §6's "thin boundary"
// contract. Spawn failures are retried a bounded number of times;
// malformed output never is — that's a ScopeDissector/KindDissectorMalformed
// error, not a transient condition.
type External struct {
	Command    string
	Args       []string
	Attempts   uint
	RetryDelay time.Duration
	Timeout    time.Duration
	Logger     *zap.Logger
	runCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExternal returns an External dissector that runs command with args,
// appending the capture file path as the final argument.
func NewExternal(command string, args []string, logger *zap.Logger) *External {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &External{
		Command:    command,
		Args:       args,
		Attempts:   3,
		RetryDelay: 500 * time.Millisecond,
		Timeout:    2 * time.Minute,
		Logger:     logger,
		runCommand: exec.CommandContext,
	}
}

// Analyse spawns the configured dissector against path and parses its
// stdout as line-delimited JSON records.
func (e *External) Analyse(path string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()

	run := e.runCommand
	if run == nil {
		run = exec.CommandContext
	}

	lines, err := retry.DoWithData(func() ([]string, error) {
		cmd := run(ctx, e.Command, append(append([]string{}, e.Args...), path)...)
		out, err := cmd.Output()
		if err != nil {
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeDissector, pktmaskerr.KindDissectorUnavailable, e.Command, err)
		}
		return splitLines(out), nil
	},
		retry.Attempts(e.Attempts),
		retry.Delay(e.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			e.Logger.Warn("dissector subprocess failed, retrying",
				zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pktmaskerr.New(pktmaskerr.ScopeDissector, pktmaskerr.KindDissectorTimeout,
				fmt.Sprintf("%s did not complete within %s", e.Command, e.Timeout))
		}
		return nil, err
	}

	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var er externalRecord
		if jsonErr := json.Unmarshal([]byte(line), &er); jsonErr != nil {
			return nil, pktmaskerr.Wrap(pktmaskerr.ScopeDissector, pktmaskerr.KindDissectorMalformed, path, jsonErr)
		}
		rec, recErr := er.toRecord()
		if recErr != nil {
			return nil, recErr
		}
		records = append(records, rec)
	}
	return records, nil
}

func (er externalRecord) toRecord() (Record, error) {
	srcIP, err := netip.ParseAddr(er.SrcIP)
	if err != nil {
		return Record{}, pktmaskerr.Wrap(pktmaskerr.ScopeDissector, pktmaskerr.KindDissectorMalformed, "", err)
	}
	dstIP, err := netip.ParseAddr(er.DstIP)
	if err != nil {
		return Record{}, pktmaskerr.Wrap(pktmaskerr.ScopeDissector, pktmaskerr.KindDissectorMalformed, "", err)
	}

	src := flow.Endpoint{IP: srcIP, Port: er.SrcPort}
	dst := flow.Endpoint{IP: dstIP, Port: er.DstPort}

	return Record{
		FlowKey:     flow.NewKey(src, dst, encap.L4Protocol(er.Proto)),
		Src:         src,
		ContentType: ContentType(er.ContentType),
		HeaderStart: er.HeaderStart,
		HeaderEnd:   er.HeaderEnd,
		BodyStart:   er.BodyStart,
		BodyEnd:     er.BodyEnd,
	}, nil
}

func splitLines(b []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

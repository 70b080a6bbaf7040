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
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rickypin/pktmask/pkg/pktmaskerr"
)

func shCommand(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
}

func TestExternalAnalyseParsesLines(t *testing.T) {
	script := `printf '{"src_ip":"10.0.0.1","src_port":443,"dst_ip":"10.0.0.2","dst_port":51000,"proto":6,"content_type":22,"header_start":0,"header_end":5,"body_start":5,"body_end":100}\n'`

	e := NewExternal("dissector", nil, nil)
	e.runCommand = shCommand(script)
	e.Attempts = 1

	records, err := e.Analyse("/tmp/whatever.pcap")
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].ContentType != ContentHandshake {
		t.Fatalf("ContentType = %v, want ContentHandshake", records[0].ContentType)
	}
	if records[0].BodyEnd != 100 {
		t.Fatalf("BodyEnd = %d, want 100", records[0].BodyEnd)
	}
}

func TestExternalAnalyseMalformedNotRetried(t *testing.T) {
	var attempts int
	e := NewExternal("dissector", nil, nil)
	e.runCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		attempts++
		return exec.CommandContext(ctx, "/bin/sh", "-c", `printf 'not-json\n'`)
	}
	e.Attempts = 3
	e.RetryDelay = time.Millisecond

	_, err := e.Analyse("/tmp/whatever.pcap")
	if err == nil {
		t.Fatal("Analyse should fail on malformed output")
	}
	var pe *pktmaskerr.Error
	if !asError(err, &pe) || pe.Kind != pktmaskerr.KindDissectorMalformed {
		t.Fatalf("error = %v, want KindDissectorMalformed", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (malformed output must not be retried)", attempts)
	}
}

func TestExternalAnalyseSpawnFailureRetriesThenFails(t *testing.T) {
	var attempts int
	e := NewExternal("dissector", nil, nil)
	e.runCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		attempts++
		return exec.CommandContext(ctx, "/bin/sh", "-c", "exit 1")
	}
	e.Attempts = 3
	e.RetryDelay = time.Millisecond

	_, err := e.Analyse("/tmp/whatever.pcap")
	if err == nil {
		t.Fatal("Analyse should fail when the subprocess always exits non-zero")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func asError(err error, target **pktmaskerr.Error) bool {
	for err != nil {
		if pe, ok := err.(*pktmaskerr.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

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

// Package pktmaskerr defines the error kinds and scopes shared across the
// pipeline, matching the `error{scope, kind, message, path?}` event
// contract.
package pktmaskerr

import "fmt"

type (
	// Kind identifies one of the error kinds enumerated by the error
	// handling design.
	Kind string

	// Scope identifies which component raised the error.
	Scope string

	// Error is the typed error carried by `error` pipeline events.
	Error struct {
		Scope   Scope
		Kind    Kind
		Message string
		Path    string
		Err     error
	}
)

const (
	KindUnsupportedLinkType   Kind = "unsupported_link_type"
	KindParseFailed           Kind = "parse_failed"
	KindDissectorUnavailable  Kind = "dissector_unavailable"
	KindDissectorTimeout      Kind = "dissector_timeout"
	KindDissectorMalformed    Kind = "dissector_output_malformed"
	KindRuleInvariantViolated Kind = "rule_invariant_violation"
	KindIO                    Kind = "io_error"
	KindCancelled             Kind = "cancelled"
)

const (
	ScopeReader    Scope = "pcapio"
	ScopeEncap     Scope = "encap"
	ScopeFlow      Scope = "flow"
	ScopeDissector Scope = "dissector"
	ScopeMasker    Scope = "mask"
	ScopeDedup     Scope = "dedup"
	ScopeAnon      Scope = "anon"
	ScopePipeline  Scope = "pipeline"
	ScopeScratch   Scope = "scratch"
)

func New(scope Scope, kind Kind, message string) *Error {
	return &Error{Scope: scope, Kind: kind, Message: message}
}

func Wrap(scope Scope, kind Kind, path string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Scope: scope, Kind: kind, Message: err.Error(), Path: path, Err: err}
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s/%s @ %s: %s", e.Scope, e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Scope, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelled reports whether err is (or wraps) a cancellation error.
func Cancelled(err error) bool {
	var pe *Error
	if as(err, &pe) {
		return pe.Kind == KindCancelled
	}
	return false
}

// as is a tiny errors.As shim kept local to avoid importing "errors" twice
// for a single call site; behaves identically for *Error targets.
func as(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
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

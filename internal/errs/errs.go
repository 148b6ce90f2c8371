// Copyright 2024 Google LLC. All Rights Reserved.
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

// Package errs defines the error kinds shared by the update subsystems.
//
// Every named error returned by the partition, credential, firmware and
// orchestration packages belongs to exactly one kind, and matches it with
// errors.Is. This lets callers react to the class of a failure without
// knowing which component produced it.
package errs

import "errors"

// Kind is one of the error classes below.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

// String returns the kind's name as used in error events.
func (k *Kind) String() string { return k.name }

var (
	// Format is returned for malformed credential or firmware fields.
	Format = &Kind{"FormatError"}
	// Integrity is returned on digest or signature mismatch.
	Integrity = &Kind{"IntegrityError"}
	// Capacity is returned on partition overflow or insufficient free space.
	Capacity = &Kind{"CapacityError"}
	// IO is returned on flash or network faults.
	IO = &Kind{"IoError"}
	// Protocol is returned for malformed remote commands.
	Protocol = &Kind{"ProtocolError"}
	// State is returned when an operation conflicts with the current state.
	State = &Kind{"StateError"}
)

var kinds = []*Kind{Format, Integrity, Capacity, IO, Protocol, State}

// Error is a named error of a particular kind.
type Error struct {
	Kind *Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap allows errors.Is(err, kind) to succeed.
func (e *Error) Unwrap() error { return e.Kind }

// New returns a new named error of kind k.
func New(k *Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// KindOf returns the kind err belongs to, or nil if it doesn't belong to any.
func KindOf(err error) *Kind {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Name returns the name of err's kind, or "UnknownError".
func Name(err error) string {
	if k := KindOf(err); k != nil {
		return k.name
	}
	return "UnknownError"
}

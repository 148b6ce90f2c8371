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

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	errTooBig := New(Capacity, "too big")
	for _, test := range []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "direct",
			err:  errTooBig,
			want: "CapacityError",
		}, {
			desc: "wrapped",
			err:  fmt.Errorf("writing slot: %w", errTooBig),
			want: "CapacityError",
		}, {
			desc: "kind itself",
			err:  Protocol,
			want: "ProtocolError",
		}, {
			desc: "foreign",
			err:  errors.New("boom"),
			want: "UnknownError",
		}, {
			desc: "nil",
			err:  nil,
			want: "UnknownError",
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := Name(test.err); got != test.want {
				t.Errorf("Name() = %q, want %q", got, test.want)
			}
		})
	}
}

func TestIsMatchesSpecificAndKind(t *testing.T) {
	errA := New(State, "a")
	errB := New(State, "b")
	err := fmt.Errorf("ctx: %w", errA)
	if !errors.Is(err, errA) {
		t.Error("errors.Is(err, errA) = false")
	}
	if !errors.Is(err, State) {
		t.Error("errors.Is(err, State) = false")
	}
	if errors.Is(err, errB) {
		t.Error("errors.Is(err, errB) = true, want false")
	}
	if errors.Is(err, IO) {
		t.Error("errors.Is(err, IO) = true, want false")
	}
}

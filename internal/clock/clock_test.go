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

package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
)

func TestSyncAppliesOffset(t *testing.T) {
	calls := 0
	queryFunc = func(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("no route to host")
		}
		now := time.Now()
		return &ntp.Response{
			ClockOffset:    time.Hour,
			Stratum:        2,
			Leap:           ntp.LeapNoWarning,
			RTT:            time.Millisecond,
			RootDelay:      time.Millisecond,
			RootDispersion: time.Millisecond,
			ReferenceTime:  now.Add(-time.Second),
			Time:           now,
		}, nil
	}
	defer func() { queryFunc = ntp.QueryWithOptions }()

	s := NewSystem()
	if err := s.Sync(context.Background(), "pool.ntp.org", 30*time.Second); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	if !s.Synced() {
		t.Error("Synced() = false")
	}
	if d := time.Until(s.Now()); d < 59*time.Minute {
		t.Errorf("Now() is %v ahead, want ~1h", d)
	}
	if calls != 3 {
		t.Errorf("queried %d times, want 3", calls)
	}
}

func TestSyncGivesUp(t *testing.T) {
	queryFunc = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("timeout")
	}
	defer func() { queryFunc = ntp.QueryWithOptions }()

	s := NewSystem()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sync(ctx, "pool.ntp.org", time.Second); err == nil {
		t.Fatal("Sync() succeeded")
	}
	if s.Synced() {
		t.Error("Synced() = true after failure")
	}
}

func TestMonotonic(t *testing.T) {
	s := NewSystem()
	a := s.Monotonic()
	time.Sleep(2 * time.Millisecond)
	if b := s.Monotonic(); b <= a {
		t.Errorf("Monotonic() went from %d to %d", a, b)
	}
	f := &Fake{}
	if a, b := f.Monotonic(), f.Monotonic(); b != a+1 {
		t.Errorf("Fake.Monotonic() = %d then %d", a, b)
	}
}

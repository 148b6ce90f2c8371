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

// Package clock provides the wall clock and monotonic counter used to
// timestamp credentials and events.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// Clock is a source of time.
type Clock interface {
	// Now returns the current wall clock time.
	Now() time.Time
	// Monotonic returns milliseconds elapsed since the clock was created.
	// It never goes backwards, even if the wall clock is corrected.
	Monotonic() uint64
}

// System is a Clock backed by the host clock, optionally corrected by NTP.
type System struct {
	start time.Time

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// NewSystem returns a new System clock.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now implements Clock.
func (s *System) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().Add(s.offset)
}

// Monotonic implements Clock.
func (s *System) Monotonic() uint64 {
	return uint64(time.Since(s.start).Milliseconds())
}

// Synced reports whether an NTP query has succeeded.
func (s *System) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// queryFunc is ntp.QueryWithOptions, swapped out in tests.
var queryFunc = ntp.QueryWithOptions

// Sync queries server for the current time, retrying with exponential backoff
// until ctx is done or timeout elapses, and applies the resulting offset.
func (s *System) Sync(ctx context.Context, server string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *ntp.Response
	op := func() error {
		r, err := queryFunc(server, ntp.QueryOptions{Timeout: 5 * time.Second})
		if err != nil {
			glog.V(1).Infof("NTP query to %s failed: %v", server, err)
			return err
		}
		if err := r.Validate(); err != nil {
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return fmt.Errorf("time sync with %s failed: %v", server, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = resp.ClockOffset
	s.synced = true
	glog.Infof("Clock synchronised with %s (offset %v)", server, resp.ClockOffset)
	return nil
}

// Fake is a Clock for tests.
type Fake struct {
	mu   sync.Mutex
	T    time.Time
	Tick uint64
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.T
}

// Monotonic implements Clock. Each call advances the counter by one.
func (f *Fake) Monotonic() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tick++
	return f.Tick
}

// Advance moves the wall clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.T = f.T.Add(d)
}

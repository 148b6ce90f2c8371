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

// Package testonly provides an in-memory message bus for tests.
package testonly

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/gaslyt/device-updates/internal/bus"
)

// Recorder is a bus.Publisher which remembers everything published to it.
type Recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
	// Err, if set, is returned by Publish.
	Err error
}

// Publish implements bus.Publisher.
func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, bus.Message{Topic: topic, Payload: append([]byte{}, payload...)})
	return nil
}

// Messages returns everything published so far.
func (r *Recorder) Messages() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Message{}, r.msgs...)
}

// Reset forgets all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// OnTopic returns the payloads published to topics ending in suffix.
func (r *Recorder) OnTopic(suffix string) [][]byte {
	var ret [][]byte
	for _, m := range r.Messages() {
		if strings.HasSuffix(m.Topic, suffix) {
			ret = append(ret, m.Payload)
		}
	}
	return ret
}

// Decode unmarshals every payload published to topics ending in suffix and
// which contains the JSON field key.
func Decode[T any](t *testing.T, r *Recorder, suffix, key string) []T {
	t.Helper()
	var ret []T
	for _, p := range r.OnTopic(suffix) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p, &fields); err != nil {
			t.Fatalf("Published invalid JSON %q: %v", p, err)
		}
		if _, ok := fields[key]; !ok {
			continue
		}
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			t.Fatalf("Failed to decode %q: %v", p, err)
		}
		ret = append(ret, v)
	}
	return ret
}

// Bus is an in-memory Publisher and Subscriber which delivers published
// messages to subscribers.
type Bus struct {
	Recorder

	subMu sync.Mutex
	subs  map[string][]chan bus.Message
}

// Publish implements bus.Publisher.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.Recorder.Publish(ctx, topic, payload); err != nil {
		return err
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, c := range b.subs[topic] {
		select {
		case c <- bus.Message{Topic: topic, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements bus.Subscriber.
func (b *Bus) Subscribe(ctx context.Context, topics []string) (<-chan bus.Message, error) {
	c := make(chan bus.Message, 16)
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string][]chan bus.Message)
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], c)
	}
	go func() {
		<-ctx.Done()
		b.subMu.Lock()
		defer b.subMu.Unlock()
		for _, t := range topics {
			s := b.subs[t]
			for i := range s {
				if s[i] == c {
					b.subs[t] = append(s[:i], s[i+1:]...)
					break
				}
			}
		}
		close(c)
	}()
	return c, nil
}

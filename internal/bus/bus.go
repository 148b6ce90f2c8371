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

// Package bus describes the message bus the device talks to its backend
// over.
package bus

import "context"

// Message is a message received from the bus.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber receives messages.
type Subscriber interface {
	// Subscribe arranges for messages on any of topics to be sent to the
	// returned channel, which is closed once ctx is done.
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
}

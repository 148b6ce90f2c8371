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

package api

import "fmt"

// Topics holds the message bus topics for a single device.
type Topics struct {
	// Credentials and Firmware receive commands.
	Credentials string
	Firmware    string
	// Status, Progress and Confirmation carry outbound events.
	// Error events are published on Status.
	Status       string
	Progress     string
	Confirmation string
}

// TopicsFor returns the topics rooted at /{deviceID}/actualizaciones.
func TopicsFor(deviceID string) Topics {
	root := fmt.Sprintf("/%s/actualizaciones/", deviceID)
	return Topics{
		Credentials:  root + "certificados",
		Firmware:     root + "firmware",
		Status:       root + "estado",
		Progress:     root + "progreso",
		Confirmation: root + "confirmacion",
	}
}

// For returns the topic an event of kind k is published on.
func (t Topics) For(k EventKind) string {
	switch k {
	case KindProgress:
		return t.Progress
	case KindConfirmation:
		return t.Confirmation
	default:
		return t.Status
	}
}

// Inbound returns the command topics.
func (t Topics) Inbound() []string {
	return []string{t.Credentials, t.Firmware}
}

// SubsystemOf returns the subsystem whose commands arrive on topic, or "" if
// topic is not a command topic.
func (t Topics) SubsystemOf(topic string) Subsystem {
	switch topic {
	case t.Credentials:
		return Credentials
	case t.Firmware:
		return Firmware
	}
	return ""
}

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

package firmware

import (
	"fmt"

	"github.com/gaslyt/device-updates/api"
)

// State is the state of the update engine.
type State int

const (
	// Available is the resting state: no operation is in progress, and an
	// update may or may not have been offered.
	Available State = iota
	Downloading
	Installing
	// Completed means an image has been installed and verified, and a
	// restart into it is pending.
	Completed
	Error
	RollingBack
)

var stateNames = map[State]string{
	Available:   "AVAILABLE",
	Downloading: "DOWNLOADING",
	Installing:  "INSTALLING",
	Completed:   "COMPLETED",
	Error:       "ERROR",
	RollingBack: "ROLLING_BACK",
}

// String returns the name used for s on the wire.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// UpdateInfo describes a firmware image which is, or is being, installed.
type UpdateInfo struct {
	Version     string
	URL         string
	// Digest is the hex encoded SHA-256 of the image.
	Digest      string
	Size        int64
	Description string
	Critical    bool
	Timestamp   uint64
	Signature   string
	// Progress is the download progress in percent.
	Progress    int
}

// SigningInput returns the bytes an image's signature is computed over.
// It matches the signing input of a firmware update command.
func (u UpdateInfo) SigningInput() []byte {
	return []byte(u.Version + u.URL + u.Digest)
}

// InfoFromOffer converts an update server offer.
func InfoFromOffer(o api.UpdateOffer) UpdateInfo {
	return UpdateInfo{
		Version:     o.Version,
		URL:         o.URL,
		Digest:      o.Hash,
		Size:        o.Size,
		Description: o.Description,
		Critical:    o.Critical,
		Signature:   o.Signature,
	}
}

// InfoFromCommand converts an update_firmware command.
func InfoFromCommand(c *api.Command) UpdateInfo {
	return UpdateInfo{
		Version:   api.Value(c.Version),
		URL:       api.Value(c.URL),
		Digest:    api.Value(c.Hash),
		Critical:  c.Critical,
		Signature: api.Value(c.Signature),
	}
}

// Observer is told about the engine's progress. Each method is called at
// most once per transition, on the goroutine driving the engine.
type Observer interface {
	// StateChanged is called after the engine enters a new state.
	StateChanged(s State, info *UpdateInfo)
	// Progress is called when the download percentage changes.
	Progress(percent int, info *UpdateInfo)
	// Failed is called when an operation fails, after the engine has
	// entered the Error state.
	Failed(op string, err error)
}

// Restarter restarts the device.
type Restarter interface {
	Restart()
}

// Network reports whether the device is online.
type Network interface {
	Online() bool
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, *UpdateInfo) {}
func (nopObserver) Progress(int, *UpdateInfo)       {}
func (nopObserver) Failed(string, error)            {}

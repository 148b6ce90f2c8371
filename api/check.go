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

const (
	// HTTPCheckUpdates is the path on the update server used to ask whether a
	// newer firmware image is available.
	HTTPCheckUpdates = "api/check-updates"
)

// CheckRequest is POSTed to HTTPCheckUpdates.
type CheckRequest struct {
	Version  string `json:"version"`
	DeviceID string `json:"device_id"`
}

// CheckResponse is the update server's answer to a CheckRequest.
type CheckResponse struct {
	Update UpdateOffer `json:"update"`
}

// UpdateOffer describes a firmware image offered by the update server.
type UpdateOffer struct {
	Available   bool   `json:"available"`
	Version     string `json:"version"`
	URL         string `json:"url"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	Description string `json:"description"`
	Critical    bool   `json:"critical"`
	Signature   string `json:"signature"`
}

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
	// HTTPStatus is the path on the device's diagnostics server which
	// returns a snapshot of both subsystems.
	HTTPStatus = "/updates/v0/status"
	// HTTPHistory returns the most recent events published by the device.
	// The optional query parameter "n" bounds how many.
	HTTPHistory = "/updates/v0/history"
	// HTTPLastEvent returns the newest event of a given kind.
	// The placeholder is the EventKind.
	HTTPLastEvent = "/updates/v0/history/%s/last"
)

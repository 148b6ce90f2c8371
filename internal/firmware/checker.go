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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gaslyt/device-updates/api"
	"golang.org/x/oauth2"
)

// Checker asks an update server whether a newer image is available.
type Checker interface {
	Check(ctx context.Context, req api.CheckRequest) (api.UpdateOffer, error)
}

// NewHTTPClient returns an HTTP client which presents token as a bearer
// token on every request, or a plain client if token is empty.
func NewHTTPClient(ctx context.Context, token string, timeout time.Duration) *http.Client {
	var c *http.Client
	if token == "" {
		c = &http.Client{}
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		c = oauth2.NewClient(ctx, ts)
	}
	c.Timeout = timeout
	return c
}

// HTTPChecker is a Checker which talks to the update server over HTTP.
type HTTPChecker struct {
	// ServerURL is the base URL of the update server.
	ServerURL *url.URL
	Client    *http.Client
}

// Check implements Checker.
func (c HTTPChecker) Check(ctx context.Context, req api.CheckRequest) (api.UpdateOffer, error) {
	u, err := c.ServerURL.Parse(api.HTTPCheckUpdates)
	if err != nil {
		return api.UpdateOffer{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return api.UpdateOffer{}, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return api.UpdateOffer{}, err
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(r)
	if err != nil {
		return api.UpdateOffer{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return api.UpdateOffer{}, fmt.Errorf("%w: update check returned %s: %q", ErrNetwork, resp.Status, msg)
	}
	var cr api.CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return api.UpdateOffer{}, fmt.Errorf("%w: failed to decode update check response: %v", ErrNetwork, err)
	}
	return cr.Update, nil
}

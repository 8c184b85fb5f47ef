// Copyright 2026 The TrustGate Authors
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

package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trustgate/trustgate/internal/oauth"
)

const defaultIntrospectTimeout = 5 * time.Second

// HTTPIntrospector calls the gateway's introspection endpoint the way a
// downstream service would (RFC 7662). Transport failures and non-200
// answers surface as errors so the caller can fall back to local
// verification; only a decoded 200 response is authoritative.
type HTTPIntrospector struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewHTTPIntrospector builds an introspector against the gateway base
// URL, authenticating with the given client credentials.
func NewHTTPIntrospector(gatewayURL, clientID, clientSecret string, timeout time.Duration) *HTTPIntrospector {
	if timeout <= 0 {
		timeout = defaultIntrospectTimeout
	}
	return &HTTPIntrospector{
		endpoint:     strings.TrimRight(gatewayURL, "/") + "/introspect",
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
	}
}

func (h *HTTPIntrospector) Introspect(ctx context.Context, token string) (*oauth.Introspection, error) {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(h.clientID), url.QueryEscape(h.clientSecret))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var in oauth.Introspection
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return &in, nil
}

// LocalIntrospector answers introspection in-process. The gateway wires
// this implementation for its own protected endpoints so validation does
// not loop back through the network.
type LocalIntrospector struct {
	svc *oauth.Service
}

func NewLocalIntrospector(svc *oauth.Service) *LocalIntrospector {
	return &LocalIntrospector{svc: svc}
}

func (l *LocalIntrospector) Introspect(ctx context.Context, token string) (*oauth.Introspection, error) {
	return l.svc.Introspect(ctx, token, ""), nil
}

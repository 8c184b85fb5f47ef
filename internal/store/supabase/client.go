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

// Package supabase is the Users store client. User credentials live in
// the main Supabase project; the gateway talks to its GoTrue API for
// delegated login and OTP, and to PostgREST for the auth_events
// projection. The gateway never stores end-user passwords.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every Users store call.
const DefaultTimeout = 10 * time.Second

// Domain errors
var (
	ErrMissingCredentials = errors.New("users store url and service role key are required")
	ErrInvalidCredentials = errors.New("users store rejected the credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// APIError carries a non-success answer from the Users store.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("users store returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the Users store over its REST surface.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

// New creates a Users store client authenticated with the service role
// key.
func New(baseURL, serviceRoleKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" || serviceRoleKey == "" {
		return nil, ErrMissingCredentials
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		serviceKey: serviceRoleKey,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

// NewWithHTTPClient creates a client with a pre-configured http.Client,
// for tests against httptest servers.
func NewWithHTTPClient(baseURL, serviceRoleKey string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" || serviceRoleKey == "" {
		return nil, ErrMissingCredentials
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		serviceKey: serviceRoleKey,
		http:       httpClient,
	}, nil
}

// Health checks GoTrue availability.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("users store health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// setHeaders applies the Supabase authentication convention: the apikey
// header always carries the service key, the bearer token usually does
// too unless a user-scoped token overrides it.
func (c *Client) setHeaders(req *http.Request, json bool) {
	req.Header.Set("apikey", c.serviceKey)
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
	if json {
		req.Header.Set("Content-Type", "application/json")
	}
}

// do executes a JSON request and decodes a 2xx body into out when out
// is non-nil. Non-2xx answers become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, mutate func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, body != nil)
	if mutate != nil {
		mutate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("users store request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError extracts a message from the several error shapes GoTrue
// and PostgREST produce.
func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	message := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.ErrorDescription != "":
			message = payload.ErrorDescription
		case payload.Message != "":
			message = payload.Message
		case payload.Msg != "":
			message = payload.Msg
		case payload.Error != "":
			message = payload.Error
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

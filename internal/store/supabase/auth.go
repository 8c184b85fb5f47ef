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

package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// User is the Users store's view of an account.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Phone        string         `json:"phone,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ConfirmedAt  *time.Time     `json:"confirmed_at,omitempty"`
}

// AuthSession is the Users store's token answer for a signed-in user.
// The gateway does not hand these tokens to callers; it mints its own
// session after a successful delegated login.
type AuthSession struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// SignInWithPassword performs a delegated password login.
// RFC-agnostic: GoTrue's password grant lives on its own token
// endpoint, distinct from the gateway's OAuth2 /token.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthSession, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var session AuthSession
	err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, &session, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &session, nil
}

// SignOut invalidates the Users store session behind a delegated login.
// Best effort: the gateway's own session is revoked regardless.
func (c *Client) SignOut(ctx context.Context, userAccessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+userAccessToken)
	})
}

// SendOTP asks the Users store to email a one-time code. Existing
// accounts only; OTP is a login channel here, not a signup channel.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	body := map[string]any{
		"email":       email,
		"create_user": false,
	}
	err := c.do(ctx, http.MethodPost, "/auth/v1/otp", body, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// VerifyOTP exchanges an emailed code for a Users store session.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*AuthSession, error) {
	body := map[string]string{
		"type":  "email",
		"email": email,
		"token": code,
	}
	var session AuthSession
	err := c.do(ctx, http.MethodPost, "/auth/v1/verify", body, &session, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &session, nil
}

// AdminCreateUser provisions an account through the administrative API.
// Requires the service role key; the created account is pre-confirmed.
func (c *Client) AdminCreateUser(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	body := map[string]any{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	}
	if len(metadata) > 0 {
		body["user_metadata"] = metadata
	}
	var user User
	err := c.do(ctx, http.MethodPost, "/auth/v1/admin/users", body, &user, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return &user, nil
}

// AdminGetUser fetches an account by id through the administrative API.
func (c *Client) AdminGetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/auth/v1/admin/users/"+userID, nil, &user, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// AdminDeleteUser removes an account through the administrative API.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	err := c.do(ctx, http.MethodDelete, "/auth/v1/admin/users/"+userID, nil, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

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

// Package identity handles interactive user authentication. The gateway
// holds no end-user passwords: login and OTP are delegated to the Users
// store, and a successful delegated login mints a gateway session. The
// Users store's own tokens are terminated immediately and never handed
// to callers.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/trustgate/trustgate/internal/session"
	"github.com/trustgate/trustgate/internal/store/supabase"
)

// Domain errors
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrUserNotFound          = errors.New("user not found")
	ErrUserAlreadyExists     = errors.New("user already exists")
	ErrUsersStoreUnavailable = errors.New("users store unavailable")
)

// Login methods recorded on events
const (
	methodPassword = "password"
	methodOTP      = "otp"
)

// LoginResult is a successful interactive authentication. SessionToken
// is the plaintext session credential, surfaced exactly once; the
// transport binds it to the session cookie.
type LoginResult struct {
	Subject      string
	Email        string
	Session      *session.Session
	SessionToken string
}

// UsersStore is the slice of the Users store API this service needs.
type UsersStore interface {
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.AuthSession, error)
	SignOut(ctx context.Context, userAccessToken string) error
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (*supabase.AuthSession, error)
	AdminCreateUser(ctx context.Context, email, password string, metadata map[string]any) (*supabase.User, error)
}

var _ UsersStore = (*supabase.Client)(nil)

// SessionManager is the slice of the session service this service needs.
type SessionManager interface {
	Create(ctx context.Context, subject, userAgent, ip string) (*session.Session, string, error)
	Rotate(ctx context.Context, token, userAgent, ip string) (*session.Session, string, error)
	Revoke(ctx context.Context, token string) (*session.Session, error)
}

var _ SessionManager = (*session.Service)(nil)

// TokenRevoker burns a subject's refresh token families. Logout uses it
// so OAuth credentials do not outlive the session that produced them.
type TokenRevoker interface {
	RevokeSubjectTokens(ctx context.Context, subject string) error
}

// emailDigest returns a stable PII-free identifier for an email address.
// Pre-authentication events are keyed by it, so failed logins aggregate
// per account without the log carrying the address itself.
func emailDigest(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1
}

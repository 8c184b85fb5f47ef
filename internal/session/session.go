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

// Package session manages interactive login sessions. The browser holds
// an opaque token in a cookie; the store keeps only its hash. Every use
// checks revocation against the durable store, with the cache carrying
// short-lived positive revocation marks.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionInvalid  = errors.New("session invalid")
)

// Session represents an interactive login session. TokenHash is the
// SHA-256 of the opaque cookie token; the plaintext exists only in the
// cookie itself.
type Session struct {
	ID          string
	TokenHash   string `json:"-"`
	Subject     string
	Fingerprint string
	IPHash      string
	UserAgent   string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// IsExpired checks if the session has passed its absolute lifetime.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsIdle checks if the session has been unused for too long.
func (s *Session) IsIdle(idleTimeout time.Duration) bool {
	return time.Since(s.LastSeenAt) > idleTimeout
}

// Fingerprint binds a session to the device that created it.
func Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userAgent + "\n" + ip))
	return hex.EncodeToString(sum[:])
}

// Repository defines the interface for session persistence
type Repository interface {
	// Create persists a new session
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Touch updates the last seen time
	Touch(ctx context.Context, id string, seenAt time.Time) error

	// Revoke marks a session revoked
	Revoke(ctx context.Context, id string, at time.Time) error

	// RevokeBySubject revokes every active session of a subject,
	// returning the count
	RevokeBySubject(ctx context.Context, subject string, at time.Time) (int64, error)

	// DeleteExpired removes sessions past their expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

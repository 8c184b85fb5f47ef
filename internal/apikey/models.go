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

// Package apikey implements the API-key lifecycle: issuance with
// hash-at-rest storage, prefix-narrowed constant-time lookup, rotation
// and revocation. Plaintext keys exist only in the create and rotate
// responses.
package apikey

import (
	"context"
	"errors"
	"time"
)

// Owner types, matching the client registry.
const (
	OwnerUser         = "user"
	OwnerOrganization = "organization"
)

// Domain errors
var (
	ErrKeyNotFound       = errors.New("api key not found")
	ErrKeyRevoked        = errors.New("api key revoked")
	ErrKeyExpired        = errors.New("api key expired")
	ErrInvalidKey        = errors.New("api key is malformed")
	ErrPrefixTaken       = errors.New("key prefix already in use")
	ErrScopeExceedsOwner = errors.New("key scopes exceed the owner's allowed scopes")
	ErrInvalidInput      = errors.New("invalid api key input")
)

// Key is one issued API key. KeyHash is the PBKDF2-SHA512 digest in
// salt:hash form; the plaintext is never persisted. KeyPrefix is the
// first characters of the full plaintext, unique and indexed, so lookup
// narrows to a handful of candidates before any key derivation runs.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	OwnerType  string     `json:"owner_type"`
	OwnerID    string     `json:"owner_id"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsExpired checks the optional expiry.
func (k *Key) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Usable reports whether the key may authenticate requests.
func (k *Key) Usable() bool {
	return k.IsActive && k.RevokedAt == nil && !k.IsExpired()
}

// Repository defines the interface for API key persistence
type Repository interface {
	// Create persists a new key. A duplicate prefix returns
	// ErrPrefixTaken so the caller can regenerate.
	Create(ctx context.Context, key *Key) error

	// GetByID retrieves a key by id
	GetByID(ctx context.Context, id string) (*Key, error)

	// ListByOwner retrieves all keys for an owner, newest first
	ListByOwner(ctx context.Context, ownerType, ownerID string) ([]*Key, error)

	// ListByPrefix retrieves candidate keys sharing a prefix
	ListByPrefix(ctx context.Context, prefix string) ([]*Key, error)

	// Update rewrites mutable fields (rotation writes prefix and hash)
	Update(ctx context.Context, key *Key) error

	// Revoke marks a key revoked and inactive
	Revoke(ctx context.Context, id string, at time.Time) error

	// TouchLastUsed records key usage; called off the request path
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

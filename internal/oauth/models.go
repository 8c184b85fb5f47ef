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

package oauth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Domain errors (internal, translated to protocol errors at the edge)
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrClientAlreadyExists = errors.New("client already exists")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeConsumed        = errors.New("authorization code already consumed")
	ErrTokenNotFound       = errors.New("token not found")
	ErrFamilyRevoked       = errors.New("refresh token family revoked")
)

// Grant types the gateway issues tokens for
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Owner types for registered clients
const (
	OwnerUser         = "user"
	OwnerOrganization = "organization"
)

// Client represents a registered OAuth2 client application.
type Client struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"client_id"`
	SecretHash           string     `json:"-"`
	Name                 string     `json:"name"`
	RedirectURIs         []string   `json:"redirect_uris"`
	GrantTypes           []string   `json:"grant_types"`
	AllowedScopes        []string   `json:"allowed_scopes"`
	AllowedProjectScopes []string   `json:"allowed_project_scopes"`
	DefaultProjectScope  string     `json:"default_project_scope,omitempty"`
	Confidential         bool       `json:"confidential"`
	RequirePKCE          bool       `json:"require_pkce"`
	AllowPlainPKCE       bool       `json:"allow_plain_pkce"`
	OwnerType            string     `json:"owner_type,omitempty"`
	OwnerID              string     `json:"owner_id,omitempty"`
	IsActive             bool       `json:"is_active"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// ValidateRedirectURI checks a redirect URI against the registered set.
// Matching is exact: no prefix, wildcard, or scheme relaxation.
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ValidateScope checks if every requested scope is allowed for this client
func (c *Client) ValidateScope(requestedScope string) bool {
	if requestedScope == "" {
		return true
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		allowed := false
		for _, allowedScope := range c.AllowedScopes {
			if allowedScope == reqScope {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return true
}

// ValidateProjectScope checks a project scope against the registered allow-list.
func (c *Client) ValidateProjectScope(projectScope string) bool {
	for _, ps := range c.AllowedProjectScopes {
		if ps == projectScope {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the client is registered for a grant type.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AuthorizationCode is the persisted form of an issued code. Only the
// SHA-256 hash of the code is stored; Consume is the single state
// transition and is atomic at the store level.
type AuthorizationCode struct {
	ID                  string
	CodeHash            string
	ClientID            string
	Subject             string
	SessionID           string
	RedirectURI         string
	Scope               string
	ProjectScope        string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
	CreatedAt           time.Time
}

// IsExpired checks if the authorization code has expired
func (a *AuthorizationCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// RefreshToken is one member of a rotation family. The opaque credential
// itself is never stored; TokenHash is its SHA-256 digest. ConsumedAt is
// set when the member is rotated away; presenting a consumed member again
// is reuse and revokes the whole family.
type RefreshToken struct {
	ID              string
	TokenHash       string
	FamilyID        string
	ClientID        string
	Subject         string
	Scope           string
	ProjectScope    string
	RotationCounter int
	// ParentID is the member this one replaced, empty for the family root.
	ParentID   string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// IsExpired checks if the refresh token has expired
func (r *RefreshToken) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// IsActive reports whether the member can still be exchanged.
func (r *RefreshToken) IsActive() bool {
	return r.ConsumedAt == nil && r.RevokedAt == nil && !r.IsExpired()
}

// ClientRepository defines the interface for client persistence
type ClientRepository interface {
	// Create persists a new client registration
	Create(ctx context.Context, client *Client) error

	// GetByClientID retrieves a client by its public client_id
	GetByClientID(ctx context.Context, clientID string) (*Client, error)

	// GetByID retrieves a client by internal ID
	GetByID(ctx context.Context, id string) (*Client, error)

	// Update updates client metadata
	Update(ctx context.Context, client *Client) error

	// Delete soft-deletes a client
	Delete(ctx context.Context, id string) error

	// ListByOwner retrieves all clients for an owner
	ListByOwner(ctx context.Context, ownerType, ownerID string) ([]*Client, error)
}

// CodeRepository defines the interface for authorization code persistence
type CodeRepository interface {
	// Create persists a new code (hash form)
	Create(ctx context.Context, code *AuthorizationCode) error

	// Consume atomically transitions a code to consumed and returns it.
	// A second Consume for the same hash returns ErrCodeConsumed; an
	// unknown hash returns ErrCodeNotFound.
	Consume(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// DeleteExpired removes codes past their expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

// RefreshTokenRepository defines the interface for refresh token persistence
type RefreshTokenRepository interface {
	// Create persists a new family member
	Create(ctx context.Context, token *RefreshToken) error

	// GetByTokenHash retrieves a member by credential hash
	GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// MarkConsumed records that a member was rotated away
	MarkConsumed(ctx context.Context, id string) error

	// RevokeFamily revokes every member of a family, returning the count
	RevokeFamily(ctx context.Context, familyID string) (int64, error)

	// RevokeBySubject revokes every active member issued to a subject
	RevokeBySubject(ctx context.Context, subject string) (int64, error)

	// DeleteExpired removes members past their expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

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

// Package cache provides the best-effort redis layer. The cache is never
// a source of truth: reads degrade to a miss and writes are dropped
// silently when redis is unreachable or not configured, so every caller
// must keep working against the durable store alone.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustgate/trustgate/internal/oauth"
)

// Default timeouts for redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key namespaces. Every key is keyPrefix + type + ":" + identifier.
const (
	keyTypeClient         = "client"
	keyTypeCode           = "code"
	keyTypeCSRF           = "csrf"
	keyTypeRefresh        = "refresh"
	keyTypeRefreshID      = "refresh:id"
	keyTypeRefreshFamily  = "refresh:family"
	keyTypeRefreshSubject = "refresh:subject"
	keyTypeSessionRevoked = "session:revoked"
	keyTypeRate           = "rate"
)

// ErrDisabled is returned by Ping when no redis backend is configured.
var ErrDisabled = errors.New("cache disabled")

// Config carries the redis connection settings. An empty Addr yields a
// cache in degraded mode.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Cache wraps a redis client with typed, fallback-safe entity helpers.
type Cache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New builds a Cache from config. No connection attempt is made here;
// health is observable through Ping and every operation tolerates an
// unreachable backend.
func New(cfg Config) *Cache {
	if cfg.Addr == "" {
		return Disabled()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	return &Cache{client: client, keyPrefix: cfg.KeyPrefix}
}

// NewWithClient creates a Cache with a pre-configured client. This is
// useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Cache {
	return &Cache{client: client, keyPrefix: keyPrefix}
}

// Disabled returns a cache in degraded mode: all reads miss, all writes
// are dropped.
func Disabled() *Cache {
	return &Cache{}
}

// Enabled reports whether a redis backend is configured.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Ping checks redis connectivity (health check).
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return ErrDisabled
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) key(keyType, id string) string {
	return c.keyPrefix + keyType + ":" + id
}

// -----------------------
// Client metadata
// -----------------------

// storedClient is a serializable wrapper for oauth.Client. The secret
// hash is carried explicitly because the domain struct excludes it from
// JSON; cached entries must still support client authentication.
type storedClient struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"client_id"`
	SecretHash           string     `json:"secret_hash,omitempty"`
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

// PutClient caches client metadata under its public client_id.
func (c *Cache) PutClient(ctx context.Context, client *oauth.Client, ttl time.Duration) {
	stored := storedClient{
		ID:                   client.ID,
		ClientID:             client.ClientID,
		SecretHash:           client.SecretHash,
		Name:                 client.Name,
		RedirectURIs:         client.RedirectURIs,
		GrantTypes:           client.GrantTypes,
		AllowedScopes:        client.AllowedScopes,
		AllowedProjectScopes: client.AllowedProjectScopes,
		DefaultProjectScope:  client.DefaultProjectScope,
		Confidential:         client.Confidential,
		RequirePKCE:          client.RequirePKCE,
		AllowPlainPKCE:       client.AllowPlainPKCE,
		OwnerType:            client.OwnerType,
		OwnerID:              client.OwnerID,
		IsActive:             client.IsActive,
		CreatedAt:            client.CreatedAt,
		UpdatedAt:            client.UpdatedAt,
		DeletedAt:            client.DeletedAt,
	}
	c.putJSON(ctx, c.key(keyTypeClient, client.ClientID), stored, ttl)
}

// GetClient returns cached client metadata, or a miss.
func (c *Cache) GetClient(ctx context.Context, clientID string) (*oauth.Client, bool) {
	var stored storedClient
	if !c.getJSON(ctx, c.key(keyTypeClient, clientID), &stored) {
		return nil, false
	}
	return &oauth.Client{
		ID:                   stored.ID,
		ClientID:             stored.ClientID,
		SecretHash:           stored.SecretHash,
		Name:                 stored.Name,
		RedirectURIs:         stored.RedirectURIs,
		GrantTypes:           stored.GrantTypes,
		AllowedScopes:        stored.AllowedScopes,
		AllowedProjectScopes: stored.AllowedProjectScopes,
		DefaultProjectScope:  stored.DefaultProjectScope,
		Confidential:         stored.Confidential,
		RequirePKCE:          stored.RequirePKCE,
		AllowPlainPKCE:       stored.AllowPlainPKCE,
		OwnerType:            stored.OwnerType,
		OwnerID:              stored.OwnerID,
		IsActive:             stored.IsActive,
		CreatedAt:            stored.CreatedAt,
		UpdatedAt:            stored.UpdatedAt,
		DeletedAt:            stored.DeletedAt,
	}, true
}

// DropClient invalidates cached client metadata.
func (c *Cache) DropClient(ctx context.Context, clientID string) {
	c.del(ctx, c.key(keyTypeClient, clientID))
}

// -----------------------
// CSRF tokens
// -----------------------

// PutCSRF stores a one-time CSRF token bound to a session.
func (c *Cache) PutCSRF(ctx context.Context, sessionID, token string, ttl time.Duration) {
	if c.client == nil {
		return
	}
	_ = c.client.Set(ctx, c.key(keyTypeCSRF, sessionID), token, ttl).Err()
}

// ConsumeCSRF returns and deletes the CSRF token for a session in one
// step so a token can never validate twice.
func (c *Cache) ConsumeCSRF(ctx context.Context, sessionID string) (string, bool) {
	if c.client == nil {
		return "", false
	}
	token, err := c.client.GetDel(ctx, c.key(keyTypeCSRF, sessionID)).Result()
	if err != nil {
		return "", false
	}
	return token, true
}

// -----------------------
// Authorization code markers
// -----------------------

// PutAuthCode records a pending authorization code hash. The durable
// store remains the one-time authority; the marker only mirrors the
// code's lifetime.
func (c *Cache) PutAuthCode(ctx context.Context, codeHash string, ttl time.Duration) {
	if c.client == nil || ttl <= 0 {
		return
	}
	_ = c.client.Set(ctx, c.key(keyTypeCode, codeHash), "1", ttl).Err()
}

// ConsumeAuthCode removes a code marker, reporting whether it was still
// present. A miss carries no meaning beyond "not cached".
func (c *Cache) ConsumeAuthCode(ctx context.Context, codeHash string) bool {
	if c.client == nil {
		return false
	}
	_, err := c.client.GetDel(ctx, c.key(keyTypeCode, codeHash)).Result()
	return err == nil
}

// -----------------------
// Refresh token lookups
// -----------------------

// storedRefresh is a serializable wrapper for oauth.RefreshToken.
type storedRefresh struct {
	ID              string     `json:"id"`
	TokenHash       string     `json:"token_hash"`
	FamilyID        string     `json:"family_id"`
	ClientID        string     `json:"client_id"`
	Subject         string     `json:"subject"`
	Scope           string     `json:"scope"`
	ProjectScope    string     `json:"project_scope,omitempty"`
	RotationCounter int        `json:"rotation_counter"`
	ParentID        string     `json:"parent_id,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PutRefreshToken caches a refresh token lookup. Secondary index sets
// keyed by family and subject allow precise invalidation when whole
// families are revoked.
func (c *Cache) PutRefreshToken(ctx context.Context, t *oauth.RefreshToken, ttl time.Duration) {
	if c.client == nil || ttl <= 0 {
		return
	}
	stored := storedRefresh{
		ID:              t.ID,
		TokenHash:       t.TokenHash,
		FamilyID:        t.FamilyID,
		ClientID:        t.ClientID,
		Subject:         t.Subject,
		Scope:           t.Scope,
		ProjectScope:    t.ProjectScope,
		RotationCounter: t.RotationCounter,
		ParentID:        t.ParentID,
		ExpiresAt:       t.ExpiresAt,
		ConsumedAt:      t.ConsumedAt,
		RevokedAt:       t.RevokedAt,
		CreatedAt:       t.CreatedAt,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(keyTypeRefresh, t.TokenHash), data, ttl).Err(); err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(keyTypeRefreshID, t.ID), t.TokenHash, ttl).Err()

	familyKey := c.key(keyTypeRefreshFamily, t.FamilyID)
	if err := c.client.SAdd(ctx, familyKey, t.TokenHash).Err(); err == nil {
		_ = c.client.Expire(ctx, familyKey, ttl).Err()
	}
	subjectKey := c.key(keyTypeRefreshSubject, t.Subject)
	if err := c.client.SAdd(ctx, subjectKey, t.TokenHash).Err(); err == nil {
		_ = c.client.Expire(ctx, subjectKey, ttl).Err()
	}
}

// GetRefreshToken returns a cached refresh token lookup, or a miss.
func (c *Cache) GetRefreshToken(ctx context.Context, tokenHash string) (*oauth.RefreshToken, bool) {
	var stored storedRefresh
	if !c.getJSON(ctx, c.key(keyTypeRefresh, tokenHash), &stored) {
		return nil, false
	}
	return &oauth.RefreshToken{
		ID:              stored.ID,
		TokenHash:       stored.TokenHash,
		FamilyID:        stored.FamilyID,
		ClientID:        stored.ClientID,
		Subject:         stored.Subject,
		Scope:           stored.Scope,
		ProjectScope:    stored.ProjectScope,
		RotationCounter: stored.RotationCounter,
		ParentID:        stored.ParentID,
		ExpiresAt:       stored.ExpiresAt,
		ConsumedAt:      stored.ConsumedAt,
		RevokedAt:       stored.RevokedAt,
		CreatedAt:       stored.CreatedAt,
	}, true
}

// DropRefreshToken invalidates a single cached refresh lookup.
func (c *Cache) DropRefreshToken(ctx context.Context, tokenHash string) {
	c.del(ctx, c.key(keyTypeRefresh, tokenHash))
}

// DropRefreshTokenByID resolves the id mapping and invalidates the
// underlying lookup entry.
func (c *Cache) DropRefreshTokenByID(ctx context.Context, id string) {
	if c.client == nil {
		return
	}
	hash, err := c.client.GetDel(ctx, c.key(keyTypeRefreshID, id)).Result()
	if err != nil {
		return
	}
	c.del(ctx, c.key(keyTypeRefresh, hash))
}

// DropRefreshFamily invalidates every cached member of a family.
func (c *Cache) DropRefreshFamily(ctx context.Context, familyID string) {
	c.dropRefreshSet(ctx, c.key(keyTypeRefreshFamily, familyID))
}

// DropRefreshBySubject invalidates every cached member issued to a
// subject.
func (c *Cache) DropRefreshBySubject(ctx context.Context, subject string) {
	c.dropRefreshSet(ctx, c.key(keyTypeRefreshSubject, subject))
}

func (c *Cache) dropRefreshSet(ctx context.Context, setKey string) {
	if c.client == nil {
		return
	}
	hashes, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return
	}
	for _, hash := range hashes {
		_ = c.client.Del(ctx, c.key(keyTypeRefresh, hash)).Err()
	}
	_ = c.client.Del(ctx, setKey).Err()
}

// -----------------------
// Session revocation marks
// -----------------------

// MarkSessionRevoked records a revocation. Only a positive hit is
// meaningful: a miss still requires the durable store check.
func (c *Cache) MarkSessionRevoked(ctx context.Context, sessionID string, ttl time.Duration) {
	if c.client == nil || ttl <= 0 {
		return
	}
	_ = c.client.Set(ctx, c.key(keyTypeSessionRevoked, sessionID), "1", ttl).Err()
}

// SessionRevoked reports whether a revocation mark is cached.
func (c *Cache) SessionRevoked(ctx context.Context, sessionID string) bool {
	if c.client == nil {
		return false
	}
	exists, err := c.client.Exists(ctx, c.key(keyTypeSessionRevoked, sessionID)).Result()
	return err == nil && exists > 0
}

// -----------------------
// Fallback-safe primitives
// -----------------------

func (c *Cache) getJSON(ctx context.Context, key string, out any) bool {
	if c.client == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		// redis.Nil and transport errors both degrade to a miss.
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (c *Cache) putJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Cache) del(ctx context.Context, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}
	_ = c.client.Del(ctx, keys...).Err()
}

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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/oauth"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "trustgate:"), mr
}

func sampleClient() *oauth.Client {
	now := time.Now().UTC().Truncate(time.Second)
	return &oauth.Client{
		ID:                   "internal-1",
		ClientID:             "web-dashboard",
		SecretHash:           "abc123hash",
		Name:                 "Web Dashboard",
		RedirectURIs:         []string{"https://app.example.com/callback"},
		GrantTypes:           []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
		AllowedScopes:        []string{"memory.read", "memory.write"},
		AllowedProjectScopes: []string{"memory_service"},
		DefaultProjectScope:  "memory_service",
		Confidential:         true,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.GetClient(ctx, "web-dashboard")
	assert.False(t, ok)

	c.PutClient(ctx, sampleClient(), time.Minute)

	got, ok := c.GetClient(ctx, "web-dashboard")
	require.True(t, ok)
	assert.Equal(t, sampleClient(), got)
	// The domain struct hides the hash from JSON; the cache must not.
	assert.Equal(t, "abc123hash", got.SecretHash)

	c.DropClient(ctx, "web-dashboard")
	_, ok = c.GetClient(ctx, "web-dashboard")
	assert.False(t, ok)
}

func TestConsumeCSRF_OneTime(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.PutCSRF(ctx, "sess-1", "csrf-token-value", time.Minute)

	token, ok := c.ConsumeCSRF(ctx, "sess-1")
	require.True(t, ok)
	assert.Equal(t, "csrf-token-value", token)

	_, ok = c.ConsumeCSRF(ctx, "sess-1")
	assert.False(t, ok, "a consumed CSRF token must not validate twice")
}

func TestAuthCodeMarker(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.PutAuthCode(ctx, "code-hash-1", time.Minute)
	assert.True(t, c.ConsumeAuthCode(ctx, "code-hash-1"))
	assert.False(t, c.ConsumeAuthCode(ctx, "code-hash-1"))
	assert.False(t, c.ConsumeAuthCode(ctx, "never-stored"))
}

func sampleRefresh(id, hash, family, subject string) *oauth.RefreshToken {
	return &oauth.RefreshToken{
		ID:        id,
		TokenHash: hash,
		FamilyID:  family,
		ClientID:  "web-dashboard",
		Subject:   subject,
		Scope:     "memory.read",
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestRefreshLookupInvalidation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	t.Run("by id", func(t *testing.T) {
		c.PutRefreshToken(ctx, sampleRefresh("rt-1", "hash-1", "fam-1", "user-1"), time.Minute)
		_, ok := c.GetRefreshToken(ctx, "hash-1")
		require.True(t, ok)

		c.DropRefreshTokenByID(ctx, "rt-1")
		_, ok = c.GetRefreshToken(ctx, "hash-1")
		assert.False(t, ok)
	})

	t.Run("by family", func(t *testing.T) {
		c.PutRefreshToken(ctx, sampleRefresh("rt-2", "hash-2", "fam-2", "user-1"), time.Minute)
		c.PutRefreshToken(ctx, sampleRefresh("rt-3", "hash-3", "fam-2", "user-1"), time.Minute)
		c.PutRefreshToken(ctx, sampleRefresh("rt-4", "hash-4", "fam-other", "user-2"), time.Minute)

		c.DropRefreshFamily(ctx, "fam-2")

		_, ok := c.GetRefreshToken(ctx, "hash-2")
		assert.False(t, ok)
		_, ok = c.GetRefreshToken(ctx, "hash-3")
		assert.False(t, ok)
		_, ok = c.GetRefreshToken(ctx, "hash-4")
		assert.True(t, ok, "other families stay cached")
	})

	t.Run("by subject", func(t *testing.T) {
		c.PutRefreshToken(ctx, sampleRefresh("rt-5", "hash-5", "fam-5", "user-3"), time.Minute)
		c.PutRefreshToken(ctx, sampleRefresh("rt-6", "hash-6", "fam-6", "user-3"), time.Minute)

		c.DropRefreshBySubject(ctx, "user-3")

		_, ok := c.GetRefreshToken(ctx, "hash-5")
		assert.False(t, ok)
		_, ok = c.GetRefreshToken(ctx, "hash-6")
		assert.False(t, ok)
	})
}

func TestSessionRevocationMark(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	assert.False(t, c.SessionRevoked(ctx, "sess-1"))
	c.MarkSessionRevoked(ctx, "sess-1", time.Minute)
	assert.True(t, c.SessionRevoked(ctx, "sess-1"))
	assert.False(t, c.SessionRevoked(ctx, "sess-2"))
}

func TestDegradedMode(t *testing.T) {
	c := Disabled()
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.Ping(ctx), ErrDisabled)
	assert.NoError(t, c.Close())

	// All writes drop, all reads miss, nothing panics.
	c.PutClient(ctx, sampleClient(), time.Minute)
	_, ok := c.GetClient(ctx, "web-dashboard")
	assert.False(t, ok)

	c.PutCSRF(ctx, "sess-1", "token", time.Minute)
	_, ok = c.ConsumeCSRF(ctx, "sess-1")
	assert.False(t, ok)

	c.PutAuthCode(ctx, "hash", time.Minute)
	assert.False(t, c.ConsumeAuthCode(ctx, "hash"))

	c.PutRefreshToken(ctx, sampleRefresh("rt-1", "hash-1", "fam-1", "user-1"), time.Minute)
	_, ok = c.GetRefreshToken(ctx, "hash-1")
	assert.False(t, ok)
	c.DropRefreshFamily(ctx, "fam-1")

	c.MarkSessionRevoked(ctx, "sess-1", time.Minute)
	assert.False(t, c.SessionRevoked(ctx, "sess-1"))
}

func TestUnreachableBackend(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.PutClient(ctx, sampleClient(), time.Minute)
	mr.Close()

	// Reads degrade to misses, writes drop silently.
	_, ok := c.GetClient(ctx, "web-dashboard")
	assert.False(t, ok)
	c.PutClient(ctx, sampleClient(), time.Minute)
	c.DropClient(ctx, "web-dashboard")

	assert.Error(t, c.Ping(ctx))
}

func TestEntryHonorsTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.PutClient(ctx, sampleClient(), time.Minute)
	mr.FastForward(2 * time.Minute)

	_, ok := c.GetClient(ctx, "web-dashboard")
	assert.False(t, ok)
}

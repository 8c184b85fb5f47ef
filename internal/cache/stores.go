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
	"time"

	"github.com/trustgate/trustgate/internal/oauth"
)

// Cached lookups stay short-lived so a missed invalidation cannot keep
// stale state alive for long.
const (
	DefaultClientTTL  = 5 * time.Minute
	DefaultRefreshTTL = time.Minute
)

// ClientStore is a read-through oauth.ClientRepository. Reads by public
// client_id are served from the cache when possible; every mutation
// invalidates the entry so the next read backfills from the durable
// store after commit.
type ClientStore struct {
	repo  oauth.ClientRepository
	cache *Cache
	ttl   time.Duration
}

// NewClientStore decorates a client repository with cached reads.
func NewClientStore(repo oauth.ClientRepository, cache *Cache, ttl time.Duration) *ClientStore {
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	return &ClientStore{repo: repo, cache: cache, ttl: ttl}
}

// Create persists a new client. The entry is not cached here: the call
// may run inside a transaction that still rolls back.
func (s *ClientStore) Create(ctx context.Context, client *oauth.Client) error {
	return s.repo.Create(ctx, client)
}

func (s *ClientStore) GetByClientID(ctx context.Context, clientID string) (*oauth.Client, error) {
	if client, ok := s.cache.GetClient(ctx, clientID); ok {
		return client, nil
	}
	client, err := s.repo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s.cache.PutClient(ctx, client, s.ttl)
	return client, nil
}

func (s *ClientStore) GetByID(ctx context.Context, id string) (*oauth.Client, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ClientStore) Update(ctx context.Context, client *oauth.Client) error {
	if err := s.repo.Update(ctx, client); err != nil {
		return err
	}
	s.cache.DropClient(ctx, client.ClientID)
	return nil
}

func (s *ClientStore) Delete(ctx context.Context, id string) error {
	// Resolve the public id first so the cached entry can be dropped.
	client, err := s.repo.GetByID(ctx, id)
	if derr := s.repo.Delete(ctx, id); derr != nil {
		return derr
	}
	if err == nil {
		s.cache.DropClient(ctx, client.ClientID)
	}
	return nil
}

func (s *ClientStore) ListByOwner(ctx context.Context, ownerType, ownerID string) ([]*oauth.Client, error) {
	return s.repo.ListByOwner(ctx, ownerType, ownerID)
}

// CodeStore mirrors authorization code lifetimes into the cache. The
// durable store keeps the one-time consume authority; the marker only
// guarantees the cache never outlives a consumed code.
type CodeStore struct {
	repo  oauth.CodeRepository
	cache *Cache
}

// NewCodeStore decorates a code repository with cache markers.
func NewCodeStore(repo oauth.CodeRepository, cache *Cache) *CodeStore {
	return &CodeStore{repo: repo, cache: cache}
}

func (s *CodeStore) Create(ctx context.Context, code *oauth.AuthorizationCode) error {
	if err := s.repo.Create(ctx, code); err != nil {
		return err
	}
	s.cache.PutAuthCode(ctx, code.CodeHash, time.Until(code.ExpiresAt))
	return nil
}

func (s *CodeStore) Consume(ctx context.Context, codeHash string) (*oauth.AuthorizationCode, error) {
	code, err := s.repo.Consume(ctx, codeHash)
	s.cache.ConsumeAuthCode(ctx, codeHash)
	return code, err
}

func (s *CodeStore) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

// RefreshStore is a read-through oauth.RefreshTokenRepository for
// lookup traffic. Entries live at most DefaultRefreshTTL and every
// rotation or revocation path invalidates precisely, so introspection
// observes revocations promptly even under heavy refresh load.
type RefreshStore struct {
	repo  oauth.RefreshTokenRepository
	cache *Cache
	ttl   time.Duration
}

// NewRefreshStore decorates a refresh token repository with cached
// lookups.
func NewRefreshStore(repo oauth.RefreshTokenRepository, cache *Cache, ttl time.Duration) *RefreshStore {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RefreshStore{repo: repo, cache: cache, ttl: ttl}
}

// Create persists a new family member. Nothing is cached until a lookup
// observes the committed row.
func (s *RefreshStore) Create(ctx context.Context, token *oauth.RefreshToken) error {
	return s.repo.Create(ctx, token)
}

func (s *RefreshStore) GetByTokenHash(ctx context.Context, tokenHash string) (*oauth.RefreshToken, error) {
	if token, ok := s.cache.GetRefreshToken(ctx, tokenHash); ok {
		return token, nil
	}
	token, err := s.repo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	ttl := s.ttl
	if remaining := time.Until(token.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	s.cache.PutRefreshToken(ctx, token, ttl)
	return token, nil
}

func (s *RefreshStore) MarkConsumed(ctx context.Context, id string) error {
	if err := s.repo.MarkConsumed(ctx, id); err != nil {
		return err
	}
	s.cache.DropRefreshTokenByID(ctx, id)
	return nil
}

func (s *RefreshStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	n, err := s.repo.RevokeFamily(ctx, familyID)
	if err != nil {
		return n, err
	}
	s.cache.DropRefreshFamily(ctx, familyID)
	return n, nil
}

func (s *RefreshStore) RevokeBySubject(ctx context.Context, subject string) (int64, error) {
	n, err := s.repo.RevokeBySubject(ctx, subject)
	if err != nil {
		return n, err
	}
	s.cache.DropRefreshBySubject(ctx, subject)
	return n, nil
}

func (s *RefreshStore) DeleteExpired(ctx context.Context) (int64, error) {
	// Cached entries expire on their own TTL.
	return s.repo.DeleteExpired(ctx)
}

// Compile-time interface compliance checks
var (
	_ oauth.ClientRepository       = (*ClientStore)(nil)
	_ oauth.CodeRepository         = (*CodeStore)(nil)
	_ oauth.RefreshTokenRepository = (*RefreshStore)(nil)
)

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

package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/event"
)

const (
	// prefixLength is the stored lookup prefix: environment marker plus
	// the first characters of the random body.
	prefixLength    = 12
	keyEntropyBytes = 32

	// lastUsedEvery rate-limits the asynchronous last_used_at writes per
	// key so hot keys do not hammer the store.
	lastUsedEvery = time.Minute
	touchTimeout  = 5 * time.Second

	// prefix collisions are resolved by regenerating, same pattern as
	// the event version retry loop.
	createRetries = 3
)

// Service implements the API-key lifecycle.
type Service struct {
	repo   Repository
	hasher *crypto.KeyHasher
	events event.Recorder
	tx     event.Transactor
	audit  audit.Logger
	prefix string

	touch sync.Map // key id -> *rate.Limiter
}

// NewService creates the API-key service. envPrefix is the issued-key
// marker for this deployment (for example "tg_live_") and must leave
// room for random characters inside the lookup prefix.
func NewService(
	repo Repository,
	hasher *crypto.KeyHasher,
	events event.Recorder,
	tx event.Transactor,
	auditLogger audit.Logger,
	envPrefix string,
) (*Service, error) {
	if envPrefix == "" || len(envPrefix) >= prefixLength {
		return nil, fmt.Errorf("key prefix %q must be 1 to %d characters", envPrefix, prefixLength-1)
	}
	if strings.ContainsAny(envPrefix, " \t\n") {
		return nil, fmt.Errorf("key prefix %q must not contain whitespace", envPrefix)
	}
	return &Service{
		repo:   repo,
		hasher: hasher,
		events: events,
		tx:     tx,
		audit:  auditLogger,
		prefix: envPrefix,
	}, nil
}

// CreateInput is the request to issue a key. OwnerScopes is the ceiling:
// the authenticated caller's own scopes, which the key must not exceed.
type CreateInput struct {
	Name        string
	OwnerType   string
	OwnerID     string
	Scopes      []string
	OwnerScopes []string
	ExpiresAt   *time.Time
}

// Create issues a new key and returns the record together with the
// plaintext. The plaintext is shown exactly once and never stored.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*Key, string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.OwnerType != OwnerUser && in.OwnerType != OwnerOrganization {
		return nil, "", fmt.Errorf("%w: owner_type must be %q or %q", ErrInvalidInput, OwnerUser, OwnerOrganization)
	}
	if in.OwnerID == "" {
		return nil, "", fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, "", fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if !scopesWithin(in.Scopes, in.OwnerScopes) {
		return nil, "", ErrScopeExceedsOwner
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		plaintext := s.prefix + crypto.GenerateToken(keyEntropyBytes)
		hash, err := s.hasher.Hash(plaintext)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash api key: %w", err)
		}

		now := time.Now()
		key := &Key{
			ID:        uuid.NewString(),
			Name:      in.Name,
			OwnerType: in.OwnerType,
			OwnerID:   in.OwnerID,
			KeyPrefix: plaintext[:prefixLength],
			KeyHash:   hash,
			Scopes:    in.Scopes,
			ExpiresAt: in.ExpiresAt,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.repo.Create(ctx, key); err != nil {
				return err
			}
			_, err := s.events.Record(ctx, &event.Event{
				AggregateType: event.AggregateAPIKey,
				AggregateID:   key.ID,
				EventType:     event.TypeKeyCreated,
				Payload: map[string]any{
					"name":       key.Name,
					"key_prefix": key.KeyPrefix,
					"owner_type": key.OwnerType,
					"owner_id":   key.OwnerID,
					"scopes":     key.Scopes,
				},
				Metadata: event.Metadata{Actor: key.OwnerID},
			})
			return err
		})
		if errors.Is(err, ErrPrefixTaken) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to create api key: %w", err)
		}

		s.audit.Log(ctx, audit.Event{
			Type:     audit.TypeKeyCreated,
			ActorID:  in.OwnerID,
			Resource: "api_key",
			Metadata: map[string]any{
				"key_id":     key.ID,
				"key_prefix": key.KeyPrefix,
				"name":       key.Name,
			},
		})
		return key, plaintext, nil
	}

	return nil, "", fmt.Errorf("failed to allocate a unique key prefix after %d attempts", createRetries)
}

// Get returns one key owned by the caller. Foreign ids read as not found.
func (s *Service) Get(ctx context.Context, id, ownerType, ownerID string) (*Key, error) {
	key, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.OwnerType != ownerType || key.OwnerID != ownerID {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// List returns the caller's keys. Hashes never serialize.
func (s *Service) List(ctx context.Context, ownerType, ownerID string) ([]*Key, error) {
	return s.repo.ListByOwner(ctx, ownerType, ownerID)
}

// Rotate replaces the credential of an existing key and returns the new
// plaintext exactly once. The record id and scopes are unchanged.
func (s *Service) Rotate(ctx context.Context, id, ownerType, ownerID string) (*Key, string, error) {
	key, err := s.Get(ctx, id, ownerType, ownerID)
	if err != nil {
		return nil, "", err
	}
	if key.RevokedAt != nil || !key.IsActive {
		return nil, "", ErrKeyRevoked
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		plaintext := s.prefix + crypto.GenerateToken(keyEntropyBytes)
		hash, err := s.hasher.Hash(plaintext)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash api key: %w", err)
		}

		key.KeyPrefix = plaintext[:prefixLength]
		key.KeyHash = hash
		key.UpdatedAt = time.Now()

		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.repo.Update(ctx, key); err != nil {
				return err
			}
			_, err := s.events.Record(ctx, &event.Event{
				AggregateType: event.AggregateAPIKey,
				AggregateID:   key.ID,
				EventType:     event.TypeKeyRotated,
				Payload: map[string]any{
					"key_prefix": key.KeyPrefix,
					"owner_id":   key.OwnerID,
				},
				Metadata: event.Metadata{Actor: ownerID},
			})
			return err
		})
		if errors.Is(err, ErrPrefixTaken) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to rotate api key: %w", err)
		}

		s.audit.Log(ctx, audit.Event{
			Type:     audit.TypeKeyRotated,
			ActorID:  ownerID,
			Resource: "api_key",
			Metadata: map[string]any{
				"key_id":     key.ID,
				"key_prefix": key.KeyPrefix,
			},
		})
		return key, plaintext, nil
	}

	return nil, "", fmt.Errorf("failed to allocate a unique key prefix after %d attempts", createRetries)
}

// Revoke deactivates a key. Revoking an already revoked key succeeds.
func (s *Service) Revoke(ctx context.Context, id, ownerType, ownerID string) error {
	key, err := s.Get(ctx, id, ownerType, ownerID)
	if err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return nil
	}

	now := time.Now()
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Revoke(ctx, key.ID, now); err != nil {
			return err
		}
		_, err := s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateAPIKey,
			AggregateID:   key.ID,
			EventType:     event.TypeKeyRevoked,
			Payload: map[string]any{
				"key_prefix": key.KeyPrefix,
				"owner_id":   key.OwnerID,
			},
			Metadata: event.Metadata{Actor: ownerID},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeKeyRevoked,
		ActorID:  ownerID,
		Resource: "api_key",
		Metadata: map[string]any{
			"key_id":     key.ID,
			"key_prefix": key.KeyPrefix,
		},
	})
	return nil
}

// Authenticate resolves a presented plaintext key. Candidates are
// narrowed by prefix before any key derivation runs; the derived digest
// comparison is constant time. The match is identified before its
// status is checked so revoked and expired keys answer distinctly.
func (s *Service) Authenticate(ctx context.Context, presented string) (*Key, error) {
	if len(presented) <= prefixLength || !strings.HasPrefix(presented, s.prefix) {
		return nil, ErrInvalidKey
	}

	candidates, err := s.repo.ListByPrefix(ctx, presented[:prefixLength])
	if err != nil {
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	for _, key := range candidates {
		ok, err := s.hasher.Verify(presented, key.KeyHash)
		if err != nil || !ok {
			continue
		}
		if key.RevokedAt != nil || !key.IsActive {
			return nil, ErrKeyRevoked
		}
		if key.IsExpired() {
			return nil, ErrKeyExpired
		}
		s.markUsed(key.ID)
		return key, nil
	}
	return nil, ErrKeyNotFound
}

// markUsed schedules an asynchronous last_used_at write, at most one per
// key per interval. The write is advisory; failures are dropped.
func (s *Service) markUsed(id string) {
	limAny, _ := s.touch.LoadOrStore(id, rate.NewLimiter(rate.Every(lastUsedEvery), 1))
	if !limAny.(*rate.Limiter).Allow() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		_ = s.repo.TouchLastUsed(ctx, id, time.Now())
	}()
}

// scopesWithin reports whether every requested scope is in allowed. An
// empty request is always within bounds.
func scopesWithin(requested, allowed []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(allowed))
	for _, sc := range allowed {
		set[sc] = struct{}{}
	}
	for _, sc := range requested {
		if _, ok := set[sc]; !ok {
			return false
		}
	}
	return true
}

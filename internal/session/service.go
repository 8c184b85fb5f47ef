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

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/cache"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/event"
)

const (
	sessionEntropyBytes = 32

	// DefaultLifetime is the absolute session lifetime.
	DefaultLifetime = 24 * time.Hour

	// DefaultIdleTimeout invalidates sessions left unused.
	DefaultIdleTimeout = 30 * time.Minute
)

// Service implements the session lifecycle.
type Service struct {
	repo        Repository
	cache       *cache.Cache
	events      event.Recorder
	tx          event.Transactor
	audit       audit.Logger
	lifetime    time.Duration
	idleTimeout time.Duration
}

// NewService creates a session service.
func NewService(repo Repository, c *cache.Cache, events event.Recorder, tx event.Transactor, auditLogger audit.Logger, lifetime, idleTimeout time.Duration) *Service {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if c == nil {
		c = cache.Disabled()
	}
	return &Service{
		repo:        repo,
		cache:       c,
		events:      events,
		tx:          tx,
		audit:       auditLogger,
		lifetime:    lifetime,
		idleTimeout: idleTimeout,
	}
}

// Create opens a session for a subject after interactive login. The
// opaque token is returned exactly once; only its hash is stored.
func (s *Service) Create(ctx context.Context, subject, userAgent, ip string) (*Session, string, error) {
	if subject == "" {
		return nil, "", fmt.Errorf("%w: empty subject", ErrSessionInvalid)
	}

	token := crypto.GenerateToken(sessionEntropyBytes)
	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.NewString(),
		TokenHash:   crypto.HashToken(token),
		Subject:     subject,
		Fingerprint: Fingerprint(userAgent, ip),
		IPHash:      audit.HashIP(ip),
		UserAgent:   userAgent,
		ExpiresAt:   now.Add(s.lifetime),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	return sess, token, nil
}

// Validate checks a presented session token. The revocation check always
// reaches the durable store unless the cache already holds a positive
// revocation mark; a cache miss proves nothing.
func (s *Service) Validate(ctx context.Context, token, userAgent, ip string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	tokenHash := crypto.HashToken(token)

	if s.cache.SessionRevoked(ctx, tokenHash) {
		return nil, ErrSessionRevoked
	}

	sess, err := s.repo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if sess.RevokedAt != nil {
		s.cache.MarkSessionRevoked(ctx, tokenHash, time.Until(sess.ExpiresAt))
		return nil, ErrSessionRevoked
	}
	if sess.IsExpired() {
		return nil, ErrSessionExpired
	}
	if sess.IsIdle(s.idleTimeout) {
		return nil, fmt.Errorf("%w: idle timeout", ErrSessionExpired)
	}
	if Fingerprint(userAgent, ip) != sess.Fingerprint {
		s.audit.Log(ctx, audit.Event{
			Type:    audit.TypeValidationFailed,
			ActorID: sess.Subject,
			Metadata: map[string]any{
				audit.AttrReason: "session fingerprint mismatch",
			},
		})
		return nil, fmt.Errorf("%w: device fingerprint mismatch", ErrSessionInvalid)
	}

	now := time.Now().UTC()
	if err := s.repo.Touch(ctx, sess.ID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	sess.LastSeenAt = now
	return sess, nil
}

// Rotate replaces a valid session with a fresh id and invalidates the
// old one. The absolute expiry carries over: rotation never extends a
// session's life.
func (s *Service) Rotate(ctx context.Context, token, userAgent, ip string) (*Session, string, error) {
	current, err := s.Validate(ctx, token, userAgent, ip)
	if err != nil {
		return nil, "", err
	}

	newToken := crypto.GenerateToken(sessionEntropyBytes)
	now := time.Now().UTC()
	next := &Session{
		ID:          uuid.NewString(),
		TokenHash:   crypto.HashToken(newToken),
		Subject:     current.Subject,
		Fingerprint: current.Fingerprint,
		IPHash:      current.IPHash,
		UserAgent:   current.UserAgent,
		ExpiresAt:   current.ExpiresAt,
		CreatedAt:   now,
		LastSeenAt:  now,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Revoke(ctx, current.ID, now); err != nil {
			return err
		}
		return s.repo.Create(ctx, next)
	})
	if err != nil {
		return nil, "", fmt.Errorf("rotate session: %w", err)
	}

	oldHash := crypto.HashToken(token)
	s.cache.MarkSessionRevoked(ctx, oldHash, time.Until(current.ExpiresAt))
	return next, newToken, nil
}

// Revoke invalidates a session and returns it so callers can cascade
// to subject-scoped cleanup. Unknown or already revoked tokens return
// (nil, nil) so logout stays idempotent.
func (s *Service) Revoke(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	tokenHash := crypto.HashToken(token)

	sess, err := s.repo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, nil
	}
	if sess.RevokedAt != nil {
		s.cache.MarkSessionRevoked(ctx, tokenHash, time.Until(sess.ExpiresAt))
		return nil, nil
	}

	now := time.Now().UTC()
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Revoke(ctx, sess.ID, now); err != nil {
			return err
		}
		_, err := s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateSession,
			AggregateID:   sess.ID,
			EventType:     event.TypeSessionRevoked,
			Payload: map[string]any{
				"subject": sess.Subject,
			},
			Metadata: event.Metadata{Actor: sess.Subject},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("revoke session: %w", err)
	}

	s.cache.MarkSessionRevoked(ctx, tokenHash, time.Until(sess.ExpiresAt))
	s.audit.Log(ctx, audit.Event{
		Type:    audit.TypeSessionRevoked,
		ActorID: sess.Subject,
	})
	return sess, nil
}

// RevokeAllForSubject ends every active session of a subject, for
// logout-everywhere and administrative lockout.
func (s *Service) RevokeAllForSubject(ctx context.Context, subject string) (int64, error) {
	now := time.Now().UTC()
	var revoked int64
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.repo.RevokeBySubject(ctx, subject, now)
		if err != nil {
			return err
		}
		revoked = n
		if n == 0 {
			return nil
		}
		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   subject,
			EventType:     event.TypeSessionRevoked,
			Payload: map[string]any{
				"count":  n,
				"reason": "logout_all",
			},
			Metadata: event.Metadata{Actor: subject},
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for subject: %w", err)
	}
	return revoked, nil
}

// DeleteExpired clears sessions past their lifetime. Wired to the
// cleanup job, not the request path.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

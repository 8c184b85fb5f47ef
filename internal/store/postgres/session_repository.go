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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/session"
)

// SessionRepository implements session.Repository
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create persists a new session
func (r *SessionRepository) Create(ctx context.Context, sess *session.Session) error {
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO sessions (
			id, token_hash, subject, fingerprint, ip_hash, user_agent,
			expires_at, created_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		sess.ID, sess.TokenHash, sess.Subject, sess.Fingerprint, sess.IPHash,
		sess.UserAgent, sess.ExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByTokenHash retrieves a session by its token hash
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*session.Session, error) {
	var sess session.Session
	var revokedAt sql.NullTime

	err := r.db.querier(ctx).QueryRow(ctx, `
		SELECT id, token_hash, subject, fingerprint, ip_hash, user_agent,
		       expires_at, revoked_at, created_at, last_seen_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&sess.ID, &sess.TokenHash, &sess.Subject, &sess.Fingerprint, &sess.IPHash,
		&sess.UserAgent, &sess.ExpiresAt, &revokedAt, &sess.CreatedAt, &sess.LastSeenAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if revokedAt.Valid {
		sess.RevokedAt = &revokedAt.Time
	}

	return &sess, nil
}

// Touch updates the last seen time
func (r *SessionRepository) Touch(ctx context.Context, id string, seenAt time.Time) error {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE sessions SET last_seen_at = $2
		WHERE id = $1
	`, id, seenAt)

	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}

	return nil
}

// Revoke marks a session revoked. Revoking twice is a no-op, not an
// error, so logout stays idempotent.
func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at)

	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	return nil
}

// RevokeBySubject revokes every active session of a subject
func (r *SessionRepository) RevokeBySubject(ctx context.Context, subject string, at time.Time) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE subject = $1 AND revoked_at IS NULL
	`, subject, at)

	if err != nil {
		return 0, fmt.Errorf("failed to revoke subject sessions: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions past their expiry
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		DELETE FROM sessions WHERE expires_at < now()
	`)

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	return result.RowsAffected(), nil
}

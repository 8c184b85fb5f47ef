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

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/oauth"
)

// RefreshTokenRepository implements oauth.RefreshTokenRepository
type RefreshTokenRepository struct {
	db *DB
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `
	id, token_hash, family_id, client_id, subject, scope, project_scope,
	rotation_counter, parent_id, expires_at, consumed_at, revoked_at, created_at`

// Create persists a new family member
func (r *RefreshTokenRepository) Create(ctx context.Context, token *oauth.RefreshToken) error {
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, token_hash, family_id, client_id, subject, scope, project_scope,
			rotation_counter, parent_id, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		token.ID, token.TokenHash, token.FamilyID, token.ClientID, token.Subject,
		token.Scope, token.ProjectScope, token.RotationCounter, token.ParentID,
		token.ExpiresAt, token.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}

	return nil
}

// GetByTokenHash retrieves a member by credential hash
func (r *RefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*oauth.RefreshToken, error) {
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash)

	token, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	return token, nil
}

// MarkConsumed records that a member was rotated away. The filter on
// consumed_at IS NULL keeps the transition one-way even under races.
func (r *RefreshTokenRepository) MarkConsumed(ctx context.Context, id string) error {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE refresh_tokens SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL
	`, id)

	if err != nil {
		return fmt.Errorf("failed to mark refresh token consumed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth.ErrTokenNotFound
	}

	return nil
}

// RevokeFamily revokes every member of a family, returning the count
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE family_id = $1 AND revoked_at IS NULL
	`, familyID)

	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	return result.RowsAffected(), nil
}

// RevokeBySubject revokes every active member issued to a subject
func (r *RefreshTokenRepository) RevokeBySubject(ctx context.Context, subject string) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE subject = $1 AND revoked_at IS NULL
	`, subject)

	if err != nil {
		return 0, fmt.Errorf("failed to revoke subject tokens: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteExpired removes members past their expiry
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < now()
	`)

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}

	return result.RowsAffected(), nil
}

// scanRefreshToken reads one refresh_tokens row; the column order is
// refreshTokenColumns.
func scanRefreshToken(row rowScanner) (*oauth.RefreshToken, error) {
	var token oauth.RefreshToken
	var consumedAt, revokedAt sql.NullTime

	err := row.Scan(
		&token.ID, &token.TokenHash, &token.FamilyID, &token.ClientID, &token.Subject,
		&token.Scope, &token.ProjectScope, &token.RotationCounter, &token.ParentID,
		&token.ExpiresAt, &consumedAt, &revokedAt, &token.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if consumedAt.Valid {
		token.ConsumedAt = &consumedAt.Time
	}
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}

	return &token, nil
}

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

// CodeRepository implements oauth.CodeRepository
type CodeRepository struct {
	db *DB
}

// NewCodeRepository creates a new authorization code repository
func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// Create creates a new authorization code
func (r *CodeRepository) Create(ctx context.Context, code *oauth.AuthorizationCode) error {
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO authorization_codes (
			id, code_hash, client_id, subject, session_id,
			redirect_uri, scope, project_scope,
			code_challenge, code_challenge_method,
			expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		code.ID, code.CodeHash, code.ClientID, code.Subject, code.SessionID,
		code.RedirectURI, code.Scope, code.ProjectScope,
		code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt, code.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create authorization code: %w", err)
	}

	return nil
}

// Consume atomically marks a code consumed and returns it. The UPDATE
// filters on consumed_at IS NULL, so only one caller can ever win; the
// losing caller is told the code was already spent so it can revoke
// whatever was issued for it.
func (r *CodeRepository) Consume(ctx context.Context, codeHash string) (*oauth.AuthorizationCode, error) {
	q := r.db.querier(ctx)

	var code oauth.AuthorizationCode
	var consumedAt sql.NullTime

	err := q.QueryRow(ctx, `
		UPDATE authorization_codes SET consumed_at = now()
		WHERE code_hash = $1 AND consumed_at IS NULL
		RETURNING
			id, code_hash, client_id, subject, session_id,
			redirect_uri, scope, project_scope,
			code_challenge, code_challenge_method,
			expires_at, consumed_at, created_at
	`, codeHash).Scan(
		&code.ID, &code.CodeHash, &code.ClientID, &code.Subject, &code.SessionID,
		&code.RedirectURI, &code.Scope, &code.ProjectScope,
		&code.CodeChallenge, &code.CodeChallengeMethod,
		&code.ExpiresAt, &consumedAt, &code.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.consumeMiss(ctx, codeHash)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if consumedAt.Valid {
		code.ConsumedAt = &consumedAt.Time
	}

	return &code, nil
}

// consumeMiss distinguishes a replayed code from an unknown one.
func (r *CodeRepository) consumeMiss(ctx context.Context, codeHash string) error {
	var exists bool
	err := r.db.querier(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM authorization_codes WHERE code_hash = $1)
	`, codeHash).Scan(&exists)

	if err != nil {
		return fmt.Errorf("failed to check authorization code: %w", err)
	}
	if exists {
		return oauth.ErrCodeConsumed
	}
	return oauth.ErrCodeNotFound
}

// DeleteExpired removes codes past their expiry
func (r *CodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.querier(ctx).Exec(ctx, `
		DELETE FROM authorization_codes WHERE expires_at < now()
	`)

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}

	return result.RowsAffected(), nil
}

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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/apikey"
)

// KeyRepository implements apikey.Repository
type KeyRepository struct {
	db *DB
}

// NewKeyRepository creates a new API key repository
func NewKeyRepository(db *DB) *KeyRepository {
	return &KeyRepository{db: db}
}

const keyColumns = `
	id, name, owner_type, owner_id, key_prefix, key_hash, scopes,
	expires_at, last_used_at, revoked_at, is_active, created_at, updated_at`

// Create persists a new key. A duplicate prefix returns ErrPrefixTaken
// so the caller can regenerate.
func (r *KeyRepository) Create(ctx context.Context, key *apikey.Key) error {
	scopes, err := marshalStrings(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	_, err = r.db.querier(ctx).Exec(ctx, `
		INSERT INTO api_keys (
			id, name, owner_type, owner_id, key_prefix, key_hash, scopes,
			expires_at, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		key.ID, key.Name, key.OwnerType, key.OwnerID, key.KeyPrefix, key.KeyHash,
		scopes, key.ExpiresAt, key.IsActive, key.CreatedAt, key.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "api_keys_key_prefix_key") {
			return apikey.ErrPrefixTaken
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

// GetByID retrieves a key by id
func (r *KeyRepository) GetByID(ctx context.Context, id string) (*apikey.Key, error) {
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE id = $1
	`, id)

	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apikey.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return key, nil
}

// ListByOwner retrieves all keys for an owner, newest first
func (r *KeyRepository) ListByOwner(ctx context.Context, ownerType, ownerID string) ([]*apikey.Key, error) {
	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at DESC
	`, ownerType, ownerID)

	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

// ListByPrefix retrieves candidate keys sharing a prefix. The prefix is
// unique so this returns at most one row, but the slice shape keeps the
// authentication path indifferent to that.
func (r *KeyRepository) ListByPrefix(ctx context.Context, prefix string) ([]*apikey.Key, error) {
	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE key_prefix = $1
	`, prefix)

	if err != nil {
		return nil, fmt.Errorf("failed to query api keys by prefix: %w", err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

// Update rewrites mutable fields (rotation writes prefix and hash)
func (r *KeyRepository) Update(ctx context.Context, key *apikey.Key) error {
	scopes, err := marshalStrings(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE api_keys SET
			name = $2,
			key_prefix = $3,
			key_hash = $4,
			scopes = $5,
			expires_at = $6,
			is_active = $7,
			updated_at = $8
		WHERE id = $1
	`,
		key.ID, key.Name, key.KeyPrefix, key.KeyHash, scopes,
		key.ExpiresAt, key.IsActive, key.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "api_keys_key_prefix_key") {
			return apikey.ErrPrefixTaken
		}
		return fmt.Errorf("failed to update api key: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}

	return nil
}

// Revoke marks a key revoked and inactive
func (r *KeyRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE api_keys SET revoked_at = $2, is_active = FALSE, updated_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at)

	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}

	return nil
}

// TouchLastUsed records key usage; called off the request path
func (r *KeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2
		WHERE id = $1
	`, id, at)

	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}

	return nil
}

func collectKeys(rows pgx.Rows) ([]*apikey.Key, error) {
	var keys []*apikey.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return keys, nil
}

// scanKey reads one api_keys row; the column order is keyColumns.
func scanKey(row rowScanner) (*apikey.Key, error) {
	var key apikey.Key
	var scopesJSON []byte
	var expiresAt, lastUsedAt, revokedAt sql.NullTime

	err := row.Scan(
		&key.ID, &key.Name, &key.OwnerType, &key.OwnerID, &key.KeyPrefix,
		&key.KeyHash, &scopesJSON, &expiresAt, &lastUsedAt, &revokedAt,
		&key.IsActive, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopesJSON, &key.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}

	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}

	return &key, nil
}

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

	"github.com/trustgate/trustgate/internal/oauth"
)

// ClientRepository implements oauth.ClientRepository
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = `
	id, client_id, secret_hash, name, redirect_uris, grant_types,
	allowed_scopes, allowed_project_scopes, default_project_scope,
	confidential, require_pkce, allow_plain_pkce, owner_type, owner_id,
	is_active, created_at, updated_at, deleted_at`

// Create creates a new client registration
func (r *ClientRepository) Create(ctx context.Context, client *oauth.Client) error {
	redirectURIs, err := marshalStrings(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}
	grantTypes, err := marshalStrings(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal grant types: %w", err)
	}
	allowedScopes, err := marshalStrings(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed scopes: %w", err)
	}
	projectScopes, err := marshalStrings(client.AllowedProjectScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed project scopes: %w", err)
	}

	_, err = r.db.querier(ctx).Exec(ctx, `
		INSERT INTO clients (
			id, client_id, secret_hash, name, redirect_uris, grant_types,
			allowed_scopes, allowed_project_scopes, default_project_scope,
			confidential, require_pkce, allow_plain_pkce, owner_type, owner_id,
			is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		client.ID, client.ClientID, client.SecretHash, client.Name, redirectURIs, grantTypes,
		allowedScopes, projectScopes, client.DefaultProjectScope,
		client.Confidential, client.RequirePKCE, client.AllowPlainPKCE, client.OwnerType, client.OwnerID,
		client.IsActive, client.CreatedAt, client.UpdatedAt,
	)

	if err != nil {
		if uniqueViolation(err, "clients_client_id_key") {
			return oauth.ErrClientAlreadyExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}

	return nil
}

// GetByClientID retrieves a client by its public client_id
func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*oauth.Client, error) {
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE client_id = $1 AND deleted_at IS NULL
	`, clientID)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return client, nil
}

// GetByID retrieves a client by internal ID
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*oauth.Client, error) {
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE id = $1 AND deleted_at IS NULL
	`, id)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return client, nil
}

// Update updates client metadata
func (r *ClientRepository) Update(ctx context.Context, client *oauth.Client) error {
	redirectURIs, err := marshalStrings(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}
	grantTypes, err := marshalStrings(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal grant types: %w", err)
	}
	allowedScopes, err := marshalStrings(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed scopes: %w", err)
	}
	projectScopes, err := marshalStrings(client.AllowedProjectScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed project scopes: %w", err)
	}

	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE clients SET
			secret_hash = $2,
			name = $3,
			redirect_uris = $4,
			grant_types = $5,
			allowed_scopes = $6,
			allowed_project_scopes = $7,
			default_project_scope = $8,
			confidential = $9,
			require_pkce = $10,
			allow_plain_pkce = $11,
			is_active = $12,
			updated_at = $13
		WHERE id = $1 AND deleted_at IS NULL
	`,
		client.ID, client.SecretHash, client.Name, redirectURIs, grantTypes,
		allowedScopes, projectScopes, client.DefaultProjectScope,
		client.Confidential, client.RequirePKCE, client.AllowPlainPKCE,
		client.IsActive, client.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth.ErrClientNotFound
	}

	return nil
}

// Delete soft-deletes a client
func (r *ClientRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE clients SET deleted_at = $2, is_active = FALSE
		WHERE id = $1 AND deleted_at IS NULL
	`, id, time.Now().UTC())

	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth.ErrClientNotFound
	}

	return nil
}

// ListByOwner retrieves all clients for an owner
func (r *ClientRepository) ListByOwner(ctx context.Context, ownerType, ownerID string) ([]*oauth.Client, error) {
	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE owner_type = $1 AND owner_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, ownerType, ownerID)

	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []*oauth.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return clients, nil
}

// scanClient reads one clients row; the column order is clientColumns.
func scanClient(row rowScanner) (*oauth.Client, error) {
	var client oauth.Client
	var redirectURIsJSON, grantTypesJSON, allowedScopesJSON, projectScopesJSON []byte
	var deletedAt sql.NullTime

	err := row.Scan(
		&client.ID, &client.ClientID, &client.SecretHash, &client.Name,
		&redirectURIsJSON, &grantTypesJSON, &allowedScopesJSON, &projectScopesJSON,
		&client.DefaultProjectScope, &client.Confidential, &client.RequirePKCE,
		&client.AllowPlainPKCE, &client.OwnerType, &client.OwnerID,
		&client.IsActive, &client.CreatedAt, &client.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(redirectURIsJSON, &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect URIs: %w", err)
	}
	if err := json.Unmarshal(grantTypesJSON, &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant types: %w", err)
	}
	if err := json.Unmarshal(allowedScopesJSON, &client.AllowedScopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed scopes: %w", err)
	}
	if err := json.Unmarshal(projectScopesJSON, &client.AllowedProjectScopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed project scopes: %w", err)
	}

	if deletedAt.Valid {
		client.DeletedAt = &deletedAt.Time
	}

	return &client, nil
}

// marshalStrings encodes a string slice for a JSONB column; nil becomes
// an empty array so reads never see JSON null.
func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

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
	"fmt"

	"github.com/trustgate/trustgate/internal/audit"
)

// AuditRepository implements audit.Repository
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit log repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one audit record. The table is append-only.
func (r *AuditRepository) Insert(ctx context.Context, ev *audit.Event) error {
	metadata, err := marshalMap(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = r.db.querier(ctx).Exec(ctx, `
		INSERT INTO audit_log (
			event_type, actor_id, client_id, project_scope, auth_source,
			resource, request_id, metadata, ip_hash, user_agent, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		ev.Type, ev.ActorID, ev.ClientID, ev.ProjectScope, ev.AuthSource,
		ev.Resource, ev.RequestID, metadata, ev.IPHash, ev.UserAgent, ev.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

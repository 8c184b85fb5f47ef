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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/event"
)

// EventRepository implements event.Repository
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event log repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `
	seq, event_id, aggregate_type, aggregate_id, version,
	event_type, event_type_version, payload, metadata, occurred_at`

// appendRetries bounds how often a lost version race is retried before
// the append fails.
const appendRetries = 3

// Append inserts the event with the aggregate's next version and one
// pending outbox row per destination, all in one transaction. Version
// assignment is optimistic: the insert computes MAX(version)+1 and the
// unique constraint on (aggregate_type, aggregate_id, version) arbitrates
// concurrent appends, with the loser retrying at the new head.
func (r *EventRepository) Append(ctx context.Context, evt *event.Event, destinations []string) (*event.Event, error) {
	if evt.AggregateType == "" || evt.AggregateID == "" {
		return nil, event.ErrMissingAggregate
	}
	if evt.EventType == "" {
		return nil, event.ErrMissingType
	}

	var stored *event.Event
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		// A producer retry carrying an event id we already appended gets
		// the stored event back and writes nothing.
		existing, err := r.getByEventID(ctx, evt.EventID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, event.ErrEventNotFound) {
			return err
		}

		for attempt := 1; ; attempt++ {
			inserted, err := r.tryInsert(ctx, evt, destinations)
			if err == nil {
				stored = inserted
				return nil
			}
			if uniqueViolation(err, "events_event_id_key") {
				// Lost the idempotency race to a concurrent producer.
				stored, err = r.getByEventID(ctx, evt.EventID)
				return err
			}
			if !uniqueViolation(err, "events_aggregate_version_key") {
				return fmt.Errorf("failed to append event: %w", err)
			}
			if attempt >= appendRetries {
				return fmt.Errorf("failed to append event after %d attempts: %w", attempt, err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// tryInsert writes the event at the aggregate's next version plus its
// outbox rows. It runs under a savepoint so a unique violation can be
// retried without poisoning the enclosing transaction.
func (r *EventRepository) tryInsert(ctx context.Context, evt *event.Event, destinations []string) (*event.Event, error) {
	tx := txFromContext(ctx)
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	payload, err := marshalMap(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	stored := *evt
	err = sp.QueryRow(ctx, `
		INSERT INTO events (
			event_id, aggregate_type, aggregate_id, version,
			event_type, event_type_version, payload, metadata, occurred_at
		)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, $7, $8
		FROM events
		WHERE aggregate_type = $2 AND aggregate_id = $3
		RETURNING seq, version
	`,
		evt.EventID, evt.AggregateType, evt.AggregateID,
		evt.EventType, evt.EventTypeVersion, payload, metadata, evt.OccurredAt,
	).Scan(&stored.Seq, &stored.Version)
	if err != nil {
		return nil, err
	}

	for _, destination := range destinations {
		if _, err := sp.Exec(ctx, `
			INSERT INTO outbox (event_id, destination) VALUES ($1, $2)
		`, stored.EventID, destination); err != nil {
			return nil, fmt.Errorf("failed to enqueue outbox delivery: %w", err)
		}
	}

	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}

	return &stored, nil
}

func (r *EventRepository) getByEventID(ctx context.Context, eventID string) (*event.Event, error) {
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE event_id = $1
	`, eventID)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, event.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	return evt, nil
}

// ListByAggregate returns an aggregate's events in version order
func (r *EventRepository) ListByAggregate(ctx context.Context, aggregateType, aggregateID string, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version ASC
		LIMIT $3
	`, aggregateType, aggregateID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// scanEvent reads one events row; the column order is eventColumns.
func scanEvent(row rowScanner) (*event.Event, error) {
	var evt event.Event
	var payloadJSON, metadataJSON []byte

	err := row.Scan(
		&evt.Seq, &evt.EventID, &evt.AggregateType, &evt.AggregateID, &evt.Version,
		&evt.EventType, &evt.EventTypeVersion, &payloadJSON, &metadataJSON, &evt.OccurredAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
	}

	return &evt, nil
}

// marshalMap encodes a payload for a JSONB column; nil becomes an empty
// object so reads never see JSON null.
func marshalMap(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	return json.Marshal(values)
}

// OutboxRepository implements event.OutboxRepository
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Claim leases up to batchSize due pending entries, ordered by
// (aggregate_id, version) so per-aggregate delivery stays in append
// order. SKIP LOCKED keeps concurrent forwarders from contending on the
// same rows; claimed_until hides a claimed row from later polls until
// the lease expires, which re-exposes entries held by a crashed
// forwarder.
func (r *OutboxRepository) Claim(ctx context.Context, batchSize int, lease time.Duration) ([]*event.Delivery, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	claimedUntil := time.Now().Add(lease)

	rows, err := r.db.querier(ctx).Query(ctx, `
		WITH due AS (
			SELECT o.id
			FROM outbox o
			JOIN events e ON e.event_id = o.event_id
			WHERE o.status = 'pending'
			  AND o.next_attempt_at <= now()
			  AND (o.claimed_until IS NULL OR o.claimed_until <= now())
			ORDER BY e.aggregate_id, e.version
			LIMIT $1
			FOR UPDATE OF o SKIP LOCKED
		),
		claimed AS (
			UPDATE outbox SET claimed_until = $2
			FROM due
			WHERE outbox.id = due.id
			RETURNING outbox.id, outbox.destination, outbox.attempts, outbox.event_id
		)
		SELECT claimed.id, claimed.destination, claimed.attempts,
		       e.seq, e.event_id, e.aggregate_type, e.aggregate_id, e.version,
		       e.event_type, e.event_type_version, e.payload, e.metadata, e.occurred_at
		FROM claimed
		JOIN events e ON e.event_id = claimed.event_id
		ORDER BY e.aggregate_id, e.version
	`, batchSize, claimedUntil)

	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var deliveries []*event.Delivery
	for rows.Next() {
		var d event.Delivery
		var evt event.Event
		var payloadJSON, metadataJSON []byte

		err := rows.Scan(
			&d.OutboxID, &d.Destination, &d.Attempts,
			&evt.Seq, &evt.EventID, &evt.AggregateType, &evt.AggregateID, &evt.Version,
			&evt.EventType, &evt.EventTypeVersion, &payloadJSON, &metadataJSON, &evt.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}

		if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}

		d.Event = &evt
		deliveries = append(deliveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return deliveries, nil
}

// MarkSent settles a delivered entry
func (r *OutboxRepository) MarkSent(ctx context.Context, outboxID int64) error {
	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'sent', sent_at = now(), claimed_until = NULL, last_error = ''
		WHERE id = $1
	`, outboxID)

	if err != nil {
		return fmt.Errorf("failed to mark outbox entry sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return event.ErrEventNotFound
	}

	return nil
}

// MarkFailed records a failed attempt and schedules the retry, or parks
// the entry as failed when the attempt budget is spent.
func (r *OutboxRepository) MarkFailed(ctx context.Context, outboxID int64, attempts int, lastError string, nextAttemptAt time.Time, failed bool) error {
	status := event.OutboxPending
	if failed {
		status = event.OutboxFailed
	}

	result, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE outbox SET
			status = $2,
			attempts = $3,
			last_error = $4,
			next_attempt_at = $5,
			claimed_until = NULL
		WHERE id = $1
	`, outboxID, string(status), attempts, lastError, nextAttemptAt)

	if err != nil {
		return fmt.Errorf("failed to mark outbox entry failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return event.ErrEventNotFound
	}

	return nil
}

// Stats counts entries by status
func (r *OutboxRepository) Stats(ctx context.Context) (event.Stats, error) {
	var stats event.Stats

	err := r.db.querier(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'sent')
		FROM outbox
	`).Scan(&stats.Pending, &stats.Failed, &stats.Sent)

	if err != nil {
		return event.Stats{}, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	return stats, nil
}

// DeleteSent removes sent entries older than the retention window
func (r *OutboxRepository) DeleteSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := r.db.querier(ctx).Exec(ctx, `
		DELETE FROM outbox WHERE status = 'sent' AND sent_at < $1
	`, cutoff)

	if err != nil {
		return 0, fmt.Errorf("failed to delete sent outbox entries: %w", err)
	}

	return result.RowsAffected(), nil
}

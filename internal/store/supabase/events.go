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

package supabase

import (
	"context"
	"net/http"
	"time"

	"github.com/trustgate/trustgate/internal/event"
)

// authEventsTable is the projection table in the Users store.
const authEventsTable = "auth_events"

// AuthEventRow is one row of the auth_events projection. Payload and
// metadata are stored as jsonb.
type AuthEventRow struct {
	EventID          string         `json:"event_id"`
	AggregateType    string         `json:"aggregate_type"`
	AggregateID      string         `json:"aggregate_id"`
	Version          int64          `json:"version"`
	EventType        string         `json:"event_type"`
	EventTypeVersion int            `json:"event_type_version"`
	Payload          map[string]any `json:"payload,omitempty"`
	Metadata         event.Metadata `json:"metadata"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

// rowFromEvent maps a domain event onto its projection row.
func rowFromEvent(evt *event.Event) AuthEventRow {
	return AuthEventRow{
		EventID:          evt.EventID,
		AggregateType:    evt.AggregateType,
		AggregateID:      evt.AggregateID,
		Version:          evt.Version,
		EventType:        evt.EventType,
		EventTypeVersion: evt.EventTypeVersion,
		Payload:          evt.Payload,
		Metadata:         evt.Metadata,
		OccurredAt:       evt.OccurredAt,
	}
}

// UpsertAuthEvents writes events to the auth_events projection keyed by
// event_id. Redelivery of an already-projected event merges onto the
// existing row instead of failing, which keeps the forwarder's
// at-least-once delivery idempotent downstream.
func (c *Client) UpsertAuthEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]AuthEventRow, 0, len(events))
	for _, evt := range events {
		rows = append(rows, rowFromEvent(evt))
	}
	path := "/rest/v1/" + authEventsTable + "?on_conflict=event_id"
	return c.do(ctx, http.MethodPost, path, rows, nil, func(req *http.Request) {
		req.Header.Set("Prefer", "resolution=merge-duplicates")
	})
}

// UpsertAuthEvent writes a single event to the projection.
func (c *Client) UpsertAuthEvent(ctx context.Context, evt *event.Event) error {
	return c.UpsertAuthEvents(ctx, []*event.Event{evt})
}

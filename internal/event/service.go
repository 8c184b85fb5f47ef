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

package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/audit"
)

// Recorder appends domain events. Services depend on this narrow
// interface rather than the full repository.
type Recorder interface {
	Record(ctx context.Context, evt *Event) (*Event, error)
}

// Service fills event defaults and appends through the repository. One
// instance is shared by every producer; the destination set is fixed at
// construction.
type Service struct {
	repo         Repository
	destinations []string
}

// NewService creates the event service. Events recorded through it fan
// out to the given outbox destinations.
func NewService(repo Repository, destinations ...string) *Service {
	return &Service{
		repo:         repo,
		destinations: destinations,
	}
}

// Record validates the event, fills defaults and appends it. The caller
// is expected to invoke this inside the same transaction as the state
// change the event describes.
func (s *Service) Record(ctx context.Context, evt *Event) (*Event, error) {
	if evt.AggregateType == "" || evt.AggregateID == "" {
		return nil, ErrMissingAggregate
	}
	if evt.EventType == "" {
		return nil, ErrMissingType
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EventTypeVersion == 0 {
		evt.EventTypeVersion = 1
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	// Correlate with the audit trail for the request that produced this.
	info := audit.FromContext(ctx)
	if evt.Metadata.RequestID == "" {
		evt.Metadata.RequestID = info.RequestID
	}
	if evt.Metadata.IPHash == "" {
		evt.Metadata.IPHash = info.IPHash
	}

	return s.repo.Append(ctx, evt, s.destinations)
}

// History returns an aggregate's events in version order.
func (s *Service) History(ctx context.Context, aggregateType, aggregateID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListByAggregate(ctx, aggregateType, aggregateID, limit)
}

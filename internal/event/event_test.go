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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository captures appended events in memory, assigning versions
// per aggregate the way the real store does.
type mockRepository struct {
	events       []*Event
	destinations [][]string
	byEventID    map[string]*Event
	versions     map[string]int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		byEventID: make(map[string]*Event),
		versions:  make(map[string]int64),
	}
}

func (m *mockRepository) Append(_ context.Context, evt *Event, destinations []string) (*Event, error) {
	if existing, ok := m.byEventID[evt.EventID]; ok {
		return existing, nil
	}
	key := evt.AggregateType + "/" + evt.AggregateID
	m.versions[key]++
	evt.Version = m.versions[key]
	m.events = append(m.events, evt)
	m.destinations = append(m.destinations, destinations)
	m.byEventID[evt.EventID] = evt
	return evt, nil
}

func (m *mockRepository) ListByAggregate(_ context.Context, aggregateType, aggregateID string, limit int) ([]*Event, error) {
	var out []*Event
	for _, evt := range m.events {
		if evt.AggregateType == aggregateType && evt.AggregateID == aggregateID {
			out = append(out, evt)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// TestRecordFillsDefaults verifies that Record assigns an event id, a
// type version and a timestamp when the producer leaves them zero.
//
// TestPurpose: producers only describe what happened; identity and
// ordering concerns belong to the event log.
// Expected: non-empty uuid event_id, event_type_version 1, occurred_at set.
func TestRecordFillsDefaults(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, DestinationUsersStore)

	evt, err := svc.Record(context.Background(), &Event{
		AggregateType: AggregateUser,
		AggregateID:   "user-1",
		EventType:     TypeLoginSucceeded,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, 1, evt.EventTypeVersion)
	assert.False(t, evt.OccurredAt.IsZero())
	assert.Equal(t, int64(1), evt.Version)

	require.Len(t, repo.destinations, 1)
	assert.Equal(t, []string{DestinationUsersStore}, repo.destinations[0])
}

// TestRecordPreservesProducerEventID verifies that a producer-supplied
// idempotency key is not overwritten.
func TestRecordPreservesProducerEventID(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo)

	evt, err := svc.Record(context.Background(), &Event{
		EventID:       "11111111-2222-3333-4444-555555555555",
		AggregateType: AggregateAPIKey,
		AggregateID:   "key-1",
		EventType:     TypeKeyCreated,
	})
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", evt.EventID)
}

// TestRecordRejectsIncompleteEvents verifies the aggregate and type
// requirements.
func TestRecordRejectsIncompleteEvents(t *testing.T) {
	svc := NewService(newMockRepository())

	_, err := svc.Record(context.Background(), &Event{EventType: TypeLoginSucceeded})
	assert.ErrorIs(t, err, ErrMissingAggregate)

	_, err = svc.Record(context.Background(), &Event{
		AggregateType: AggregateUser,
		AggregateID:   "user-1",
	})
	assert.ErrorIs(t, err, ErrMissingType)
}

// TestRecordDuplicateEventID verifies idempotent appends: the second
// Record with the same event_id returns the stored event and does not
// grow the log.
func TestRecordDuplicateEventID(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, DestinationUsersStore)

	first, err := svc.Record(context.Background(), &Event{
		EventID:       "dedup-1",
		AggregateType: AggregateUser,
		AggregateID:   "user-1",
		EventType:     TypeTokenIssued,
	})
	require.NoError(t, err)

	second, err := svc.Record(context.Background(), &Event{
		EventID:       "dedup-1",
		AggregateType: AggregateUser,
		AggregateID:   "user-1",
		EventType:     TypeTokenIssued,
	})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, repo.events, 1)
}

// TestVersionsPerAggregate verifies that versions advance independently
// per aggregate stream.
func TestVersionsPerAggregate(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo)

	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), &Event{
			AggregateType: AggregateUser,
			AggregateID:   "user-a",
			EventType:     TypeTokenIssued,
		})
		require.NoError(t, err)
	}
	evt, err := svc.Record(context.Background(), &Event{
		AggregateType: AggregateUser,
		AggregateID:   "user-b",
		EventType:     TypeTokenIssued,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), evt.Version)
	assert.Equal(t, int64(3), repo.versions["user/user-a"])
}

// TestBackoffSchedule verifies the exponential retry delays, including
// the five minute ceiling.
//
// Expected: 2^attempts seconds; the third failed attempt schedules the
// next try 8 seconds out; delays never exceed 300 seconds.
func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{20, 300 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

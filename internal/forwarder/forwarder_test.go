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

package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/observability/metrics"
)

type settleCall struct {
	outboxID      int64
	attempts      int
	lastError     string
	nextAttemptAt time.Time
	failed        bool
}

type fakeOutbox struct {
	mu       sync.Mutex
	queue    []*event.Delivery
	claimErr error
	claims   int
	sent     []int64
	settled  []settleCall
}

func (f *fakeOutbox) Claim(ctx context.Context, batchSize int, lease time.Duration) ([]*event.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := batchSize
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	return batch, nil
}

func (f *fakeOutbox) MarkSent(ctx context.Context, outboxID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, outboxID)
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, outboxID int64, attempts int, lastError string, nextAttemptAt time.Time, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, settleCall{outboxID, attempts, lastError, nextAttemptAt, failed})
	return nil
}

func (f *fakeOutbox) Stats(ctx context.Context) (event.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return event.Stats{Pending: int64(len(f.queue)), Sent: int64(len(f.sent))}, nil
}

func (f *fakeOutbox) DeleteSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

type fakeProjection struct {
	mu      sync.Mutex
	err     error
	seen    []string
	ctxErrs []error
}

func (p *fakeProjection) UpsertAuthEvent(ctx context.Context, evt *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	if p.err != nil {
		return p.err
	}
	p.seen = append(p.seen, evt.EventID)
	return nil
}

func testDelivery(outboxID int64, eventID string, attempts int) *event.Delivery {
	return &event.Delivery{
		OutboxID:    outboxID,
		Destination: event.DestinationUsersStore,
		Attempts:    attempts,
		Event: &event.Event{
			EventID:       eventID,
			AggregateType: event.AggregateUser,
			AggregateID:   "user-1",
			Version:       1,
			EventType:     event.TypeLoginSucceeded,
			OccurredAt:    time.Now().UTC(),
		},
	}
}

func newTestForwarder(t *testing.T, outbox *fakeOutbox, store *fakeProjection, cfg Config) *Forwarder {
	t.Helper()
	meter, err := metrics.New(context.Background(), metrics.Config{Enabled: false}, "test")
	require.NoError(t, err)
	f, err := New(outbox, store, cfg, meter)
	require.NoError(t, err)
	return f
}

// =============================================================================
// OUTBOX FORWARDER
// Category: Delivery Guarantees
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates the happy path of the claim, deliver, settle
// cycle.
// Scope: Unit Test
// Security: Auth events reach the Users store projection exactly as
// recorded.
// Expected: Every claimed entry is delivered in claim order and marked
// sent.
func TestDrain_DeliversAndSettles(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{
		testDelivery(1, "evt-1", 0),
		testDelivery(2, "evt-2", 0),
	}}
	store := &fakeProjection{}
	f := newTestForwarder(t, outbox, store, Config{})

	n, err := f.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-2"}, store.seen)
	assert.Equal(t, []int64{1, 2}, outbox.sent)
	assert.Empty(t, outbox.settled)
}

func TestDrain_EmptyBacklog_NoDeliveries(t *testing.T) {
	outbox := &fakeOutbox{}
	store := &fakeProjection{}
	f := newTestForwarder(t, outbox, store, Config{})

	n, err := f.Drain(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.seen)
}

func TestDrain_ClaimError_Propagates(t *testing.T) {
	outbox := &fakeOutbox{claimErr: errors.New("connection refused")}
	f := newTestForwarder(t, outbox, &fakeProjection{}, Config{})

	_, err := f.Drain(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim outbox batch")
}

// TestPurpose: Validates the retry schedule for a failed delivery.
// Scope: Unit Test
// Security: Transient Users store outages must not lose events.
// Expected: attempts is incremented, the error recorded, and the next
// attempt pushed out by the exponential backoff.
func TestDrain_FailureSchedulesRetry(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{testDelivery(7, "evt-7", 0)}}
	store := &fakeProjection{err: errors.New("users store returned 503: unavailable")}
	f := newTestForwarder(t, outbox, store, Config{MaxAttempts: 5})

	frozen := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return frozen }

	n, err := f.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, outbox.sent)
	require.Len(t, outbox.settled, 1)

	settle := outbox.settled[0]
	assert.Equal(t, int64(7), settle.outboxID)
	assert.Equal(t, 1, settle.attempts)
	assert.Contains(t, settle.lastError, "503")
	assert.Equal(t, frozen.Add(2*time.Second), settle.nextAttemptAt)
	assert.False(t, settle.failed)
}

// TestPurpose: Validates the poison-pill cutoff.
// Scope: Unit Test
// Security: A permanently undeliverable event must not spin forever and
// starve the rest of the backlog.
// Expected: The entry that exhausts its attempts is parked as failed
// and never retried automatically.
func TestDrain_MaxAttemptsParksEntry(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{testDelivery(9, "evt-9", 4)}}
	store := &fakeProjection{err: errors.New("users store returned 400: malformed row")}
	f := newTestForwarder(t, outbox, store, Config{MaxAttempts: 5})

	_, err := f.Drain(context.Background())

	require.NoError(t, err)
	require.Len(t, outbox.settled, 1)
	assert.Equal(t, 5, outbox.settled[0].attempts)
	assert.True(t, outbox.settled[0].failed)
}

// TestPurpose: Validates that a batch claimed before shutdown is
// delivered to completion.
// Scope: Unit Test
// Security: Cancellation mid-batch must not strand leased entries until
// the lease expires.
// Expected: Deliveries run on a context detached from the caller's
// cancellation.
func TestDrain_FinishesBatchAfterCancellation(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{testDelivery(3, "evt-3", 0)}}
	store := &fakeProjection{}
	f := newTestForwarder(t, outbox, store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.Drain(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-3"}, store.seen)
	assert.Equal(t, []int64{3}, outbox.sent)
	require.Len(t, store.ctxErrs, 1)
	assert.NoError(t, store.ctxErrs[0], "delivery context must survive caller cancellation")
}

func TestDrain_BatchSizeCapsClaim(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{
		testDelivery(1, "evt-1", 0),
		testDelivery(2, "evt-2", 0),
		testDelivery(3, "evt-3", 0),
	}}
	store := &fakeProjection{}
	f := newTestForwarder(t, outbox, store, Config{BatchSize: 2})

	n, err := f.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "full batch signals a deeper backlog")

	n, err = f.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, store.seen)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	outbox := &fakeOutbox{queue: []*event.Delivery{testDelivery(1, "evt-1", 0)}}
	store := &fakeProjection{}
	f := newTestForwarder(t, outbox, store, Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Give the loop a moment to drain the seeded entry, then stop it.
	deadline := time.After(2 * time.Second)
	for {
		outbox.mu.Lock()
		drained := len(outbox.sent) == 1
		outbox.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-deadline:
			t.Fatal("forwarder never delivered the seeded entry")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop on context cancellation")
	}
	assert.Equal(t, []string{"evt-1"}, store.seen)
}

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

// Package forwarder drains the transactional outbox and projects events
// to the Users store. Delivery is at-least-once: the projection upserts
// by event_id, so a redelivered event merges onto its existing row.
// Multiple forwarder instances are safe because the claim is a locked,
// ordered lease.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/observability/metrics"
)

// UsersStore is the projection target.
type UsersStore interface {
	UpsertAuthEvent(ctx context.Context, evt *event.Event) error
}

// Config tunes the drain loop.
type Config struct {
	// BatchSize caps how many entries one Drain claims.
	BatchSize int
	// PollInterval is the sleep between empty drains.
	PollInterval time.Duration
	// ClaimLease is how long a claimed entry stays invisible to other
	// forwarders. It must outlast a full batch of delivery attempts.
	ClaimLease time.Duration
	// MaxAttempts parks an entry as failed once reached.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Forwarder owns the claim, deliver, settle cycle.
type Forwarder struct {
	outbox event.OutboxRepository
	store  UsersStore
	cfg    Config

	delivered metric.Int64Counter
	parked    metric.Int64Counter

	now func() time.Time
}

// New creates a forwarder and registers the outbox depth gauges on the
// meter.
func New(outbox event.OutboxRepository, store UsersStore, cfg Config, meter *metrics.Meter) (*Forwarder, error) {
	delivered, err := meter.CreateCounter("outbox.delivered", "Events delivered to the Users store")
	if err != nil {
		return nil, err
	}
	parked, err := meter.CreateCounter("outbox.parked", "Events parked as failed after exhausting attempts")
	if err != nil {
		return nil, err
	}
	if err := RegisterOutboxGauges(meter, outbox); err != nil {
		return nil, err
	}

	return &Forwarder{
		outbox:    outbox,
		store:     store,
		cfg:       cfg.withDefaults(),
		delivered: delivered,
		parked:    parked,
		now:       time.Now,
	}, nil
}

// RegisterOutboxGauges exposes the outbox backlog as observable gauges.
// The server registers them too so backlog is visible without a running
// forwarder.
func RegisterOutboxGauges(meter *metrics.Meter, outbox event.OutboxRepository) error {
	pending := func(ctx context.Context) int64 {
		stats, err := outbox.Stats(ctx)
		if err != nil {
			return -1
		}
		return stats.Pending
	}
	failed := func(ctx context.Context) int64 {
		stats, err := outbox.Stats(ctx)
		if err != nil {
			return -1
		}
		return stats.Failed
	}
	if err := meter.RegisterGauge("outbox.pending", "Outbox entries awaiting delivery", pending); err != nil {
		return err
	}
	return meter.RegisterGauge("outbox.failed", "Outbox entries parked as failed", failed)
}

// Run drains the outbox until ctx is cancelled. A batch claimed before
// cancellation is delivered to completion; the lease would otherwise
// park its entries until it expires.
func (f *Forwarder) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "forwarder started",
		logger.Component("forwarder"),
		slog.Int("batch_size", f.cfg.BatchSize),
		slog.Duration("poll_interval", f.cfg.PollInterval),
	)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Keep claiming while the backlog is deeper than one batch.
		for {
			n, err := f.Drain(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "outbox drain failed",
					logger.Component("forwarder"), logger.Error(err))
				break
			}
			if n < f.cfg.BatchSize {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			slog.InfoContext(context.WithoutCancel(ctx), "forwarder stopped",
				logger.Component("forwarder"))
			return nil
		case <-ticker.C:
		}
	}
}

// Drain claims one batch of due entries and delivers each. It returns
// the number of entries claimed so the caller can tell a drained
// backlog from a full batch.
func (f *Forwarder) Drain(ctx context.Context) (int, error) {
	deliveries, err := f.outbox.Claim(ctx, f.cfg.BatchSize, f.cfg.ClaimLease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	// Finish the batch even if ctx is cancelled mid-flight.
	ctx = context.WithoutCancel(ctx)
	for _, d := range deliveries {
		f.deliver(ctx, d)
	}
	return len(deliveries), nil
}

// deliver makes one attempt and settles the entry. Settle failures are
// logged, not returned: the lease expires and another claim retries.
func (f *Forwarder) deliver(ctx context.Context, d *event.Delivery) {
	err := f.store.UpsertAuthEvent(ctx, d.Event)
	if err == nil {
		if settleErr := f.outbox.MarkSent(ctx, d.OutboxID); settleErr != nil {
			slog.ErrorContext(ctx, "failed to settle delivered event",
				logger.Component("forwarder"),
				logger.EventID(d.Event.EventID),
				logger.Error(settleErr),
			)
			return
		}
		f.delivered.Add(ctx, 1)
		return
	}

	attempts := d.Attempts + 1
	parked := attempts >= f.cfg.MaxAttempts
	nextAttempt := f.now().Add(event.Backoff(attempts))

	if settleErr := f.outbox.MarkFailed(ctx, d.OutboxID, attempts, err.Error(), nextAttempt, parked); settleErr != nil {
		slog.ErrorContext(ctx, "failed to settle undelivered event",
			logger.Component("forwarder"),
			logger.EventID(d.Event.EventID),
			logger.Error(settleErr),
		)
		return
	}

	if parked {
		f.parked.Add(ctx, 1)
		slog.ErrorContext(ctx, "event parked after exhausting delivery attempts",
			logger.Component("forwarder"),
			logger.EventID(d.Event.EventID),
			logger.Destination(d.Destination),
			logger.Attempts(attempts),
			logger.Error(err),
		)
		return
	}

	slog.WarnContext(ctx, "event delivery failed, retry scheduled",
		logger.Component("forwarder"),
		logger.EventID(d.Event.EventID),
		logger.Destination(d.Destination),
		logger.Attempts(attempts),
		slog.Time("next_attempt_at", nextAttempt),
		logger.Error(err),
	)
}

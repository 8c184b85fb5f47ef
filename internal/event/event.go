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

// Package event implements the append-only domain event log and its
// transactional outbox. Events are appended in the same transaction as
// the state change that caused them; the outbox rows are drained by the
// forwarder and projected to the external Users store.
package event

import (
	"context"
	"errors"
	"time"
)

// Aggregate types
const (
	AggregateUser    = "user"
	AggregateClient  = "client"
	AggregateAPIKey  = "api_key"
	AggregateSession = "session"
)

// Event types carried to the Users store projection
const (
	TypeLoginSucceeded        = "auth.login_succeeded"
	TypeLoginFailed           = "auth.login_failed"
	TypeLoggedOut             = "auth.logged_out"
	TypeOTPSent               = "auth.otp_sent"
	TypeOTPVerified           = "auth.otp_verified"
	TypeTokenIssued           = "auth.token_issued"
	TypeTokenRefreshed        = "auth.token_refreshed"
	TypeTokenRevoked          = "auth.token_revoked"
	TypeTokenReuseDetected    = "auth.token_reuse_detected"
	TypeProjectScopeViolation = "auth.project_scope_violation"
	TypeUserProvisioned       = "user.provisioned"
	TypeClientRegistered      = "client.registered"
	TypeClientSecretRotated   = "client.secret_rotated"
	TypeKeyCreated            = "apikey.created"
	TypeKeyRotated            = "apikey.rotated"
	TypeKeyRevoked            = "apikey.revoked"
	TypeSessionRevoked        = "session.revoked"
)

// Outbox destinations
const DestinationUsersStore = "users_store"

// Outbox delivery states
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Domain errors
var (
	ErrEventNotFound    = errors.New("event not found")
	ErrMissingAggregate = errors.New("event aggregate type and id are required")
	ErrMissingType      = errors.New("event type is required")
)

// Metadata is request-level context attached to every event. It mirrors
// what the audit trail records so the projection can correlate the two.
type Metadata struct {
	Actor        string `json:"actor,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	IPHash       string `json:"ip_hash,omitempty"`
	ProjectScope string `json:"project_scope,omitempty"`
	AuthSource   string `json:"auth_source,omitempty"`
}

// Event is one immutable entry in a per-aggregate stream. Version is
// assigned by the store at append time: strictly monotonic per aggregate
// with no gaps. EventID is the producer-supplied idempotency key.
type Event struct {
	Seq              int64          `json:"-"`
	EventID          string         `json:"event_id"`
	AggregateType    string         `json:"aggregate_type"`
	AggregateID      string         `json:"aggregate_id"`
	Version          int64          `json:"version"`
	EventType        string         `json:"event_type"`
	EventTypeVersion int            `json:"event_type_version"`
	Payload          map[string]any `json:"payload,omitempty"`
	Metadata         Metadata       `json:"metadata"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

// OutboxEntry is one pending delivery of an event to one destination.
type OutboxEntry struct {
	ID            int64
	EventID       string
	Destination   string
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Delivery is a claimed outbox entry joined with its event, handed to
// the forwarder for one delivery attempt.
type Delivery struct {
	OutboxID    int64
	Destination string
	Attempts    int
	Event       *Event
}

// Stats summarizes outbox health for the /health endpoint and metrics.
type Stats struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
	Sent    int64 `json:"sent"`
}

// Repository defines the interface for event log persistence
type Repository interface {
	// Append inserts the event with the aggregate's next version and one
	// pending outbox row per destination, all in one transaction. If an
	// event with the same EventID already exists the stored event is
	// returned unchanged and no outbox rows are written.
	Append(ctx context.Context, evt *Event, destinations []string) (*Event, error)

	// ListByAggregate returns an aggregate's events in version order
	ListByAggregate(ctx context.Context, aggregateType, aggregateID string, limit int) ([]*Event, error)
}

// OutboxRepository defines the interface for outbox persistence
type OutboxRepository interface {
	// Claim leases up to batchSize due pending entries. Claimed entries
	// are invisible to other forwarders until the lease expires.
	Claim(ctx context.Context, batchSize int, lease time.Duration) ([]*Delivery, error)

	// MarkSent settles a delivered entry
	MarkSent(ctx context.Context, outboxID int64) error

	// MarkFailed records a failed attempt. When failed is true the entry
	// is parked and no longer retried automatically.
	MarkFailed(ctx context.Context, outboxID int64, attempts int, lastError string, nextAttemptAt time.Time, failed bool) error

	// Stats counts entries by status
	Stats(ctx context.Context) (Stats, error)

	// DeleteSent removes sent entries older than the retention window
	DeleteSent(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Transactor runs fn inside a single Gateway store transaction. The
// context passed to fn carries the transaction; repository calls that
// receive it join it instead of running standalone.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// backoffCeiling caps the retry delay between delivery attempts.
const backoffCeiling = 300 * time.Second

// Backoff returns the delay before the next delivery attempt given the
// number of attempts already made: 2^attempts seconds, capped at five
// minutes. After the first failure attempts is 1, so the schedule runs
// 2s, 4s, 8s, 16s and onward.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 9 {
		return backoffCeiling
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > backoffCeiling {
		return backoffCeiling
	}
	return d
}

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

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Event types
const (
	TypeLoginSuccess          = "login_success"
	TypeLoginFailed           = "login_failed"
	TypeLogout                = "logout"
	TypeOTPSent               = "otp_sent"
	TypeOTPVerified           = "otp_verified"
	TypeTokenIssued           = "token_issued"
	TypeTokenRefreshed        = "token_refreshed"
	TypeTokenRevoked          = "token_revoked"
	TypeTokenReuseDetected    = "token_reuse_detected"
	TypeCodeIssued            = "code_issued"
	TypeClientCreated         = "client_created"
	TypeSecretRotated         = "secret_rotated"
	TypeKeyCreated            = "key_created"
	TypeKeyRotated            = "key_rotated"
	TypeKeyRevoked            = "key_revoked"
	TypeValidationFailed      = "validation_failed"
	TypeProjectScopeViolation = "project_scope_violation"
	TypeRateLimitExceeded     = "rate_limit_exceeded"
	TypeRateLimitDegraded     = "rate_limit_degraded"
	TypeSessionRevoked        = "session_revoked"
	TypeUserProvisioned       = "user_provisioned"
)

// Metadata keys
const (
	AttrReason      = "reason"
	AttrRequested   = "requested"
	AttrAllowed     = "allowed"
	AttrEmailDigest = "email_digest"
)

// Well-known actors
const ActorSystemBootstrap = "system:bootstrap"

// Event represents an auditable action. IPHash carries a digest of the
// client address, never the address itself.
type Event struct {
	Type         string
	ActorID      string
	ClientID     string
	ProjectScope string
	AuthSource   string
	Resource     string
	RequestID    string
	Metadata     map[string]any
	Timestamp    time.Time
	IPHash       string
	UserAgent    string
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// HashIP digests a client address for audit inclusion.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// SlogLogger implements Logger using slog
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	// Ensure timestamp is set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.stamp(ctx)

	attrs := []any{
		slog.String("audit_type", event.Type),
		slog.String("actor_id", event.ActorID),
		slog.String("resource", event.Resource),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.ProjectScope != "" {
		attrs = append(attrs, slog.String("project_scope", event.ProjectScope))
	}
	if event.AuthSource != "" {
		attrs = append(attrs, slog.String("auth_source", event.AuthSource))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.IPHash != "" {
		attrs = append(attrs, slog.String("ip_hash", event.IPHash))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	// Flatten metadata
	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			// Redact secrets
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	k := strings.ToLower(key)
	secrets := []string{"password", "secret", "token", "authorization", "credential", "verifier", "api_key", "private_key", "hash"}
	for _, s := range secrets {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

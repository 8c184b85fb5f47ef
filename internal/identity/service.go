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

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/session"
	"github.com/trustgate/trustgate/internal/store/supabase"
)

// Service provides delegated user authentication and the gateway
// sessions that result from it.
type Service struct {
	users    UsersStore
	sessions SessionManager
	tokens   TokenRevoker
	events   event.Recorder
	tx       event.Transactor
	audit    audit.Logger
}

// NewService creates the identity service.
func NewService(
	users UsersStore,
	sessions SessionManager,
	tokens TokenRevoker,
	events event.Recorder,
	tx event.Transactor,
	auditLogger audit.Logger,
) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		events:   events,
		tx:       tx,
		audit:    auditLogger,
	}
}

// Login authenticates a user against the Users store and mints a
// gateway session. The Users store session created upstream is
// terminated before this returns.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (*LoginResult, error) {
	if !isValidEmail(email) || password == "" {
		return nil, ErrInvalidCredentials
	}

	upstream, err := s.users.SignInWithPassword(ctx, email, password)
	if err != nil {
		if errors.Is(err, supabase.ErrInvalidCredentials) {
			s.recordLoginFailure(ctx, email, methodPassword)
			return nil, ErrInvalidCredentials
		}
		s.audit.Log(ctx, audit.Event{
			Type:     audit.TypeLoginFailed,
			Resource: "login",
			Metadata: map[string]any{audit.AttrReason: "users store unavailable"},
		})
		return nil, fmt.Errorf("%w: %s", ErrUsersStoreUnavailable, err)
	}

	// The upstream tokens never leave the gateway; close them out so the
	// minted session is the only live credential.
	_ = s.users.SignOut(ctx, upstream.AccessToken)

	return s.startSession(ctx, upstream.User, methodPassword, userAgent, ip)
}

// Logout revokes the session, burns the subject's refresh token
// families and records the logout. Unknown or already revoked session
// tokens succeed silently.
func (s *Service) Logout(ctx context.Context, sessionToken string) error {
	sess, err := s.sessions.Revoke(ctx, sessionToken)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if sess == nil {
		return nil
	}

	if err := s.tokens.RevokeSubjectTokens(ctx, sess.Subject); err != nil {
		return fmt.Errorf("revoke subject tokens: %w", err)
	}

	_, err = s.events.Record(ctx, &event.Event{
		AggregateType: event.AggregateUser,
		AggregateID:   sess.Subject,
		EventType:     event.TypeLoggedOut,
		Payload:       map[string]any{"session_id": sess.ID},
		Metadata:      event.Metadata{Actor: sess.Subject},
	})
	if err != nil {
		return fmt.Errorf("record logout: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeLogout,
		ActorID:  sess.Subject,
		Resource: "session",
	})
	return nil
}

// RefreshSession rotates a session credential. The returned token
// replaces the presented one; session lifetime is unchanged.
func (s *Service) RefreshSession(ctx context.Context, sessionToken, userAgent, ip string) (*session.Session, string, error) {
	return s.sessions.Rotate(ctx, sessionToken, userAgent, ip)
}

// SendOTP asks the Users store to mail a one-time login code.
func (s *Service) SendOTP(ctx context.Context, email string) error {
	return s.sendOTP(ctx, email, false)
}

// ResendOTP re-sends the one-time code. The Users store applies its own
// resend throttling on top of the gateway's rate limits.
func (s *Service) ResendOTP(ctx context.Context, email string) error {
	return s.sendOTP(ctx, email, true)
}

func (s *Service) sendOTP(ctx context.Context, email string, resend bool) error {
	if !isValidEmail(email) {
		return ErrInvalidEmail
	}
	digest := emailDigest(email)

	if err := s.users.SendOTP(ctx, email); err != nil {
		if errors.Is(err, supabase.ErrUserNotFound) {
			s.audit.Log(ctx, audit.Event{
				Type:     audit.TypeValidationFailed,
				Resource: "otp",
				Metadata: map[string]any{
					audit.AttrReason:      "account not found",
					audit.AttrEmailDigest: digest,
				},
			})
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %s", ErrUsersStoreUnavailable, err)
	}

	payload := map[string]any{"method": methodOTP}
	if resend {
		payload["resend"] = true
	}
	_, err := s.events.Record(ctx, &event.Event{
		AggregateType: event.AggregateUser,
		AggregateID:   "email:" + digest,
		EventType:     event.TypeOTPSent,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("record otp send: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeOTPSent,
		Resource: "otp",
		Metadata: map[string]any{audit.AttrEmailDigest: digest},
	})
	return nil
}

// VerifyOTP exchanges an emailed code for a gateway session.
func (s *Service) VerifyOTP(ctx context.Context, email, code, userAgent, ip string) (*LoginResult, error) {
	if !isValidEmail(email) || code == "" {
		return nil, ErrInvalidCredentials
	}

	upstream, err := s.users.VerifyOTP(ctx, email, code)
	if err != nil {
		if errors.Is(err, supabase.ErrInvalidCredentials) {
			s.recordLoginFailure(ctx, email, methodOTP)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %s", ErrUsersStoreUnavailable, err)
	}

	_ = s.users.SignOut(ctx, upstream.AccessToken)

	return s.startSession(ctx, upstream.User, methodOTP, userAgent, ip)
}

// ProvisionUser creates a pre-confirmed account through the Users
// store's administrative API and records the provisioning event.
func (s *Service) ProvisionUser(ctx context.Context, actor, email, password string, metadata map[string]any) (*supabase.User, error) {
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	user, err := s.users.AdminCreateUser(ctx, email, password, metadata)
	if err != nil {
		if errors.Is(err, supabase.ErrUserExists) {
			return nil, ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("%w: %s", ErrUsersStoreUnavailable, err)
	}

	_, err = s.events.Record(ctx, &event.Event{
		AggregateType: event.AggregateUser,
		AggregateID:   user.ID,
		EventType:     event.TypeUserProvisioned,
		Payload:       map[string]any{"email_digest": emailDigest(email)},
		Metadata:      event.Metadata{Actor: actor},
	})
	if err != nil {
		// The account exists upstream; the caller sees the failure and a
		// retry reports ErrUserAlreadyExists.
		return nil, fmt.Errorf("record provisioning: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeUserProvisioned,
		ActorID:  actor,
		Resource: user.ID,
		Metadata: map[string]any{audit.AttrEmailDigest: emailDigest(email)},
	})
	return user, nil
}

// startSession pairs the session insert with its login event in one
// gateway store transaction.
func (s *Service) startSession(ctx context.Context, user supabase.User, method, userAgent, ip string) (*LoginResult, error) {
	eventType := event.TypeLoginSucceeded
	auditType := audit.TypeLoginSuccess
	if method == methodOTP {
		eventType = event.TypeOTPVerified
		auditType = audit.TypeOTPVerified
	}

	var (
		sess  *session.Session
		token string
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		sess, token, err = s.sessions.Create(ctx, user.ID, userAgent, ip)
		if err != nil {
			return err
		}
		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   user.ID,
			EventType:     eventType,
			Payload:       map[string]any{"method": method, "session_id": sess.ID},
			Metadata:      event.Metadata{Actor: user.ID},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     auditType,
		ActorID:  user.ID,
		Resource: "login",
	})
	return &LoginResult{
		Subject:      user.ID,
		Email:        user.Email,
		Session:      sess,
		SessionToken: token,
	}, nil
}

// recordLoginFailure captures a rejected credential. The event is keyed
// by the email digest so attempts against one account line up in a
// single stream; failures here must not block the (already failed)
// login, so the append is best effort and the audit entry is the
// guaranteed record.
func (s *Service) recordLoginFailure(ctx context.Context, email, method string) {
	digest := emailDigest(email)
	_, _ = s.events.Record(ctx, &event.Event{
		AggregateType: event.AggregateUser,
		AggregateID:   "email:" + digest,
		EventType:     event.TypeLoginFailed,
		Payload:       map[string]any{"method": method},
	})
	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeLoginFailed,
		Resource: "login",
		Metadata: map[string]any{
			audit.AttrReason:      "invalid credentials",
			audit.AttrEmailDigest: digest,
		},
	})
}

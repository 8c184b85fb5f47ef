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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/session"
	"github.com/trustgate/trustgate/internal/store/supabase"
)

const (
	testUA = "Mozilla/5.0 (test)"
	testIP = "203.0.113.7"
)

type fakeUsersStore struct {
	signInSession *supabase.AuthSession
	signInErr     error
	signInCalls   int
	signOutTokens []string
	sendOTPErr    error
	otpEmails     []string
	verifySession *supabase.AuthSession
	verifyErr     error
	createdEmails []string
	createUser    *supabase.User
	createErr     error
}

func (f *fakeUsersStore) SignInWithPassword(_ context.Context, email, password string) (*supabase.AuthSession, error) {
	f.signInCalls++
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return f.signInSession, nil
}

func (f *fakeUsersStore) SignOut(_ context.Context, userAccessToken string) error {
	f.signOutTokens = append(f.signOutTokens, userAccessToken)
	return nil
}

func (f *fakeUsersStore) SendOTP(_ context.Context, email string) error {
	if f.sendOTPErr != nil {
		return f.sendOTPErr
	}
	f.otpEmails = append(f.otpEmails, email)
	return nil
}

func (f *fakeUsersStore) VerifyOTP(_ context.Context, email, code string) (*supabase.AuthSession, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifySession, nil
}

func (f *fakeUsersStore) AdminCreateUser(_ context.Context, email, password string, metadata map[string]any) (*supabase.User, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdEmails = append(f.createdEmails, email)
	return f.createUser, nil
}

type stubSessions struct {
	created       []string
	createErr     error
	rotateSession *session.Session
	rotateToken   string
	rotateErr     error
	revokeSession *session.Session
	revokeErr     error
	revokedTokens []string
}

func (s *stubSessions) Create(_ context.Context, subject, userAgent, ip string) (*session.Session, string, error) {
	if s.createErr != nil {
		return nil, "", s.createErr
	}
	s.created = append(s.created, subject)
	return &session.Session{ID: "sess-" + subject, Subject: subject, UserAgent: userAgent}, "session-token", nil
}

func (s *stubSessions) Rotate(_ context.Context, token, userAgent, ip string) (*session.Session, string, error) {
	if s.rotateErr != nil {
		return nil, "", s.rotateErr
	}
	return s.rotateSession, s.rotateToken, nil
}

func (s *stubSessions) Revoke(_ context.Context, token string) (*session.Session, error) {
	s.revokedTokens = append(s.revokedTokens, token)
	return s.revokeSession, s.revokeErr
}

type stubRevoker struct {
	subjects []string
	err      error
}

func (r *stubRevoker) RevokeSubjectTokens(_ context.Context, subject string) error {
	r.subjects = append(r.subjects, subject)
	return r.err
}

type recordedEvents struct {
	events []*event.Event
	err    error
}

func (r *recordedEvents) Record(_ context.Context, evt *event.Event) (*event.Event, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, evt)
	return evt, nil
}

func (r *recordedEvents) typesSeen() []string {
	types := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		types = append(types, evt.EventType)
	}
	return types
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.events = append(r.events, e)
}

func (r *recordingAudit) byType(t string) []audit.Event {
	var matched []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

type fixture struct {
	svc      *Service
	users    *fakeUsersStore
	sessions *stubSessions
	revoker  *stubRevoker
	events   *recordedEvents
	sink     *recordingAudit
}

func newFixture() *fixture {
	f := &fixture{
		users:    &fakeUsersStore{},
		sessions: &stubSessions{},
		revoker:  &stubRevoker{},
		events:   &recordedEvents{},
		sink:     &recordingAudit{},
	}
	f.svc = NewService(f.users, f.sessions, f.revoker, f.events, passthroughTx{}, f.sink)
	return f
}

// TestPurpose: Delegated login mints a gateway session and never leaks
// the Users store's tokens.
// Scope: Unit Test
// Security: Upstream credentials terminated immediately after delegation
// Expected: The result carries only the gateway session token, the
// upstream access token is signed out, and the login event is recorded
// against the user aggregate.
func TestLogin(t *testing.T) {
	f := newFixture()
	f.users.signInSession = &supabase.AuthSession{
		AccessToken: "upstream-access",
		User:        supabase.User{ID: "user-1", Email: "alice@example.com"},
	}

	result, err := f.svc.Login(context.Background(), "alice@example.com", "hunter2", testUA, testIP)
	require.NoError(t, err)

	assert.Equal(t, "user-1", result.Subject)
	assert.Equal(t, "alice@example.com", result.Email)
	assert.Equal(t, "session-token", result.SessionToken)
	assert.Equal(t, []string{"user-1"}, f.sessions.created)

	assert.Equal(t, []string{"upstream-access"}, f.users.signOutTokens)

	require.Equal(t, []string{event.TypeLoginSucceeded}, f.events.typesSeen())
	evt := f.events.events[0]
	assert.Equal(t, event.AggregateUser, evt.AggregateType)
	assert.Equal(t, "user-1", evt.AggregateID)
	assert.Equal(t, methodPassword, evt.Payload["method"])
	assert.Equal(t, "sess-user-1", evt.Payload["session_id"])

	assert.Len(t, f.sink.byType(audit.TypeLoginSuccess), 1)
}

// TestPurpose: Rejected credentials are recorded without identifying
// the account in plaintext.
// Scope: Unit Test
// Security: Credential failures keyed by email digest, no PII in events
// Expected: ErrInvalidCredentials, a login_failed event on the digest
// aggregate, an audit entry, and no session.
func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture()
	f.users.signInErr = supabase.ErrInvalidCredentials

	_, err := f.svc.Login(context.Background(), "alice@example.com", "wrong", testUA, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Empty(t, f.sessions.created)

	require.Equal(t, []string{event.TypeLoginFailed}, f.events.typesSeen())
	evt := f.events.events[0]
	assert.Equal(t, "email:"+emailDigest("alice@example.com"), evt.AggregateID)
	assert.NotContains(t, evt.AggregateID, "alice", "events must not carry the address")

	failures := f.sink.byType(audit.TypeLoginFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "invalid credentials", failures[0].Metadata[audit.AttrReason])
}

func TestLogin_UsersStoreUnavailable(t *testing.T) {
	f := newFixture()
	f.users.signInErr = &supabase.APIError{StatusCode: http.StatusInternalServerError, Message: "database unavailable"}

	_, err := f.svc.Login(context.Background(), "alice@example.com", "hunter2", testUA, testIP)
	assert.ErrorIs(t, err, ErrUsersStoreUnavailable)

	// An outage is not a credential failure: no failure event against
	// the account, but the degradation is audited.
	assert.Empty(t, f.events.events)
	failures := f.sink.byType(audit.TypeLoginFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "users store unavailable", failures[0].Metadata[audit.AttrReason])
}

func TestLogin_RejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"empty email", "", "hunter2"},
		{"no at sign", "not-an-email", "hunter2"},
		{"empty password", "alice@example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.Login(context.Background(), tc.email, tc.password, testUA, testIP)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Zero(t, f.users.signInCalls, "malformed input never reaches the users store")
		})
	}
}

// TestPurpose: Logout cascades from the session to the subject's OAuth
// credentials.
// Scope: Unit Test
// Security: A stolen refresh token must not outlive the session that
// produced it.
// Expected: Session revoked, RevokeSubjectTokens called with the
// session's subject, logout event and audit entry recorded.
func TestLogout(t *testing.T) {
	f := newFixture()
	f.sessions.revokeSession = &session.Session{ID: "sess-1", Subject: "user-1"}

	require.NoError(t, f.svc.Logout(context.Background(), "session-token"))

	assert.Equal(t, []string{"session-token"}, f.sessions.revokedTokens)
	assert.Equal(t, []string{"user-1"}, f.revoker.subjects)

	require.Equal(t, []string{event.TypeLoggedOut}, f.events.typesSeen())
	assert.Equal(t, "user-1", f.events.events[0].AggregateID)
	assert.Equal(t, "sess-1", f.events.events[0].Payload["session_id"])

	assert.Len(t, f.sink.byType(audit.TypeLogout), 1)
}

func TestLogout_Idempotent(t *testing.T) {
	f := newFixture()
	// Revoke reports nothing revoked for unknown tokens.
	require.NoError(t, f.svc.Logout(context.Background(), "unknown"))

	assert.Empty(t, f.revoker.subjects)
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.sink.byType(audit.TypeLogout))
}

func TestRefreshSession(t *testing.T) {
	f := newFixture()
	f.sessions.rotateSession = &session.Session{ID: "sess-2", Subject: "user-1"}
	f.sessions.rotateToken = "rotated-token"

	sess, token, err := f.svc.RefreshSession(context.Background(), "session-token", testUA, testIP)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sess.ID)
	assert.Equal(t, "rotated-token", token)

	f.sessions.rotateErr = session.ErrSessionRevoked
	_, _, err = f.svc.RefreshSession(context.Background(), "session-token", testUA, testIP)
	assert.ErrorIs(t, err, session.ErrSessionRevoked)
}

func TestSendOTP(t *testing.T) {
	t.Run("existing account", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.svc.SendOTP(context.Background(), "alice@example.com"))

		assert.Equal(t, []string{"alice@example.com"}, f.users.otpEmails)
		require.Equal(t, []string{event.TypeOTPSent}, f.events.typesSeen())
		assert.Equal(t, "email:"+emailDigest("alice@example.com"), f.events.events[0].AggregateID)
		assert.Nil(t, f.events.events[0].Payload["resend"])
		assert.Len(t, f.sink.byType(audit.TypeOTPSent), 1)
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newFixture()
		f.users.sendOTPErr = supabase.ErrUserNotFound

		err := f.svc.SendOTP(context.Background(), "stranger@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)

		assert.Empty(t, f.events.events)
		misses := f.sink.byType(audit.TypeValidationFailed)
		require.Len(t, misses, 1)
		assert.Equal(t, "account not found", misses[0].Metadata[audit.AttrReason])
	})

	t.Run("resend flagged on event", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.svc.ResendOTP(context.Background(), "alice@example.com"))
		require.Len(t, f.events.events, 1)
		assert.Equal(t, true, f.events.events[0].Payload["resend"])
	})

	t.Run("malformed address", func(t *testing.T) {
		f := newFixture()
		assert.ErrorIs(t, f.svc.SendOTP(context.Background(), "nope"), ErrInvalidEmail)
		assert.Empty(t, f.users.otpEmails)
	})
}

func TestVerifyOTP(t *testing.T) {
	t.Run("valid code mints session", func(t *testing.T) {
		f := newFixture()
		f.users.verifySession = &supabase.AuthSession{
			AccessToken: "upstream-access",
			User:        supabase.User{ID: "user-1", Email: "alice@example.com"},
		}

		result, err := f.svc.VerifyOTP(context.Background(), "alice@example.com", "123456", testUA, testIP)
		require.NoError(t, err)
		assert.Equal(t, "user-1", result.Subject)
		assert.Equal(t, "session-token", result.SessionToken)

		assert.Equal(t, []string{"upstream-access"}, f.users.signOutTokens)

		require.Equal(t, []string{event.TypeOTPVerified}, f.events.typesSeen())
		assert.Equal(t, methodOTP, f.events.events[0].Payload["method"])
		assert.Len(t, f.sink.byType(audit.TypeOTPVerified), 1)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newFixture()
		f.users.verifyErr = supabase.ErrInvalidCredentials

		_, err := f.svc.VerifyOTP(context.Background(), "alice@example.com", "000000", testUA, testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		require.Equal(t, []string{event.TypeLoginFailed}, f.events.typesSeen())
		assert.Equal(t, methodOTP, f.events.events[0].Payload["method"])
		assert.Empty(t, f.sessions.created)
	})

	t.Run("empty code", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.VerifyOTP(context.Background(), "alice@example.com", "", testUA, testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestProvisionUser(t *testing.T) {
	t.Run("creates account and records event", func(t *testing.T) {
		f := newFixture()
		f.users.createUser = &supabase.User{ID: "user-2", Email: "bob@example.com"}

		user, err := f.svc.ProvisionUser(context.Background(), "admin-1", "bob@example.com", "initial-pass", map[string]any{"team": "platform"})
		require.NoError(t, err)
		assert.Equal(t, "user-2", user.ID)

		require.Equal(t, []string{event.TypeUserProvisioned}, f.events.typesSeen())
		evt := f.events.events[0]
		assert.Equal(t, "user-2", evt.AggregateID)
		assert.Equal(t, "admin-1", evt.Metadata.Actor)

		provisioned := f.sink.byType(audit.TypeUserProvisioned)
		require.Len(t, provisioned, 1)
		assert.Equal(t, "admin-1", provisioned[0].ActorID)
	})

	t.Run("duplicate account", func(t *testing.T) {
		f := newFixture()
		f.users.createErr = supabase.ErrUserExists

		_, err := f.svc.ProvisionUser(context.Background(), "admin-1", "bob@example.com", "initial-pass", nil)
		assert.ErrorIs(t, err, ErrUserAlreadyExists)
		assert.Empty(t, f.events.events)
	})

	t.Run("malformed address", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.ProvisionUser(context.Background(), "admin-1", "nope", "initial-pass", nil)
		assert.ErrorIs(t, err, ErrInvalidEmail)
		assert.Empty(t, f.users.createdEmails)
	})
}

func TestBootstrap(t *testing.T) {
	t.Run("provisions initial admin", func(t *testing.T) {
		f := newFixture()
		f.users.createUser = &supabase.User{ID: "admin-user", Email: "root@example.com"}
		t.Setenv(EnvBootstrapAdminEmail, "root@example.com")
		t.Setenv(EnvBootstrapAdminPassword, "bootstrap-pass")

		require.NoError(t, f.svc.Bootstrap(context.Background()))

		assert.Equal(t, []string{"root@example.com"}, f.users.createdEmails)
		require.Equal(t, []string{event.TypeUserProvisioned}, f.events.typesSeen())
		assert.Equal(t, audit.ActorSystemBootstrap, f.events.events[0].Metadata.Actor)
	})

	t.Run("existing admin is a no-op", func(t *testing.T) {
		f := newFixture()
		f.users.createErr = supabase.ErrUserExists
		t.Setenv(EnvBootstrapAdminEmail, "root@example.com")
		t.Setenv(EnvBootstrapAdminPassword, "bootstrap-pass")

		require.NoError(t, f.svc.Bootstrap(context.Background()))
		assert.Empty(t, f.events.events)
	})

	t.Run("missing password fails loudly", func(t *testing.T) {
		f := newFixture()
		t.Setenv(EnvBootstrapAdminEmail, "root@example.com")
		t.Setenv(EnvBootstrapAdminPassword, "")

		assert.Error(t, f.svc.Bootstrap(context.Background()))
		assert.Empty(t, f.users.createdEmails)
	})

	t.Run("unset is a no-op", func(t *testing.T) {
		f := newFixture()
		t.Setenv(EnvBootstrapAdminEmail, "")

		require.NoError(t, f.svc.Bootstrap(context.Background()))
		assert.Empty(t, f.users.createdEmails)
	})
}

func TestLoginFailureEventAppendIsBestEffort(t *testing.T) {
	f := newFixture()
	f.users.signInErr = supabase.ErrInvalidCredentials
	f.events.err = errors.New("gateway store down")

	// The login already failed; event store trouble must not change the
	// caller-visible outcome, and the audit entry still lands.
	_, err := f.svc.Login(context.Background(), "alice@example.com", "wrong", testUA, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Len(t, f.sink.byType(audit.TypeLoginFailed), 1)
}

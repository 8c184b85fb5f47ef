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

package authn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/apikey"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/oauth"
)

type stubIntrospector struct {
	response *oauth.Introspection
	err      error
	calls    int
}

func (s *stubIntrospector) Introspect(ctx context.Context, token string) (*oauth.Introspection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

type stubKeyAuthenticator struct {
	key *apikey.Key
	err error
}

func (s *stubKeyAuthenticator) Authenticate(ctx context.Context, presented string) (*apikey.Key, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.key, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(ctx context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) byType(t string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestSigner(t *testing.T) *oauth.Signer {
	t.Helper()
	signer, err := oauth.NewSigner([]byte(strings.Repeat("k", 32)), "trustgate-test", 15*time.Minute)
	require.NoError(t, err)
	return signer
}

func TestValidateBearer_IntrospectionActive(t *testing.T) {
	signer := newTestSigner(t)
	introspector := &stubIntrospector{response: &oauth.Introspection{
		Active:       true,
		Scope:        "memory.read memory.write",
		ClientID:     "web-dashboard",
		Subject:      "user-1",
		ProjectScope: "memory_service",
	}}
	v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, Policy{}, &recordingAudit{})

	p, err := v.ValidateBearer(context.Background(), "opaque-or-jwt")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "web-dashboard", p.ClientID)
	assert.Equal(t, []string{"memory.read", "memory.write"}, p.Scopes)
	assert.Equal(t, "memory_service", p.ProjectScope)
	assert.Equal(t, SourceIntrospect, p.AuthSource)
	assert.True(t, p.HasScope("memory.read"))
	assert.False(t, p.HasScope("admin"))
}

// TestValidateBearer_InactiveVerdictIsAuthoritative
//
// TestPurpose: A signed token that introspection reports as inactive
// (revoked after issuance) must be rejected. Local signature checks
// cannot see revocation, so the introspection answer wins whenever the
// backend responds.
//
// Scope: bearer validation precedence.
//
// Security: Revoked-but-unexpired tokens staying usable would defeat
// revocation entirely.
//
// Expected: rejection even though the same token verifies locally.
func TestValidateBearer_InactiveVerdictIsAuthoritative(t *testing.T) {
	signer := newTestSigner(t)
	token, _, err := signer.Sign("user-1", "memory.read", "memory_service", "web-dashboard")
	require.NoError(t, err)

	// Sanity: the token itself is locally valid.
	_, err = signer.Verify(token)
	require.NoError(t, err)

	introspector := &stubIntrospector{response: &oauth.Introspection{Active: false}}
	v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, Policy{}, &recordingAudit{})

	_, err = v.ValidateBearer(context.Background(), token)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 1, introspector.calls)
}

func TestValidateBearer_FallsBackToLocalVerification(t *testing.T) {
	signer := newTestSigner(t)
	token, _, err := signer.Sign("user-2", "events.write", "intelligence", "batch-worker")
	require.NoError(t, err)

	introspector := &stubIntrospector{err: errors.New("connection refused")}
	v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, Policy{}, &recordingAudit{})

	p, err := v.ValidateBearer(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", p.Subject)
	assert.Equal(t, "batch-worker", p.ClientID)
	assert.Equal(t, []string{"events.write"}, p.Scopes)
	assert.Equal(t, "intelligence", p.ProjectScope)
	assert.Equal(t, SourceJWT, p.AuthSource)
}

func TestValidateBearer_FallbackRejectsBadTokens(t *testing.T) {
	signer := newTestSigner(t)
	introspector := &stubIntrospector{err: errors.New("timeout")}
	v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, Policy{}, &recordingAudit{})

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := v.ValidateBearer(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnauthenticated, "token %q", token)
	}
}

func TestValidateAPIKey(t *testing.T) {
	signer := newTestSigner(t)

	t.Run("valid key", func(t *testing.T) {
		keys := &stubKeyAuthenticator{key: &apikey.Key{
			ID:      "key-1",
			OwnerID: "user-9",
			Scopes:  []string{"memory.read"},
		}}
		v := NewValidator(&stubIntrospector{}, signer, keys, Policy{}, &recordingAudit{})

		p, err := v.ValidateAPIKey(context.Background(), "tg_dev_something")
		require.NoError(t, err)
		assert.Equal(t, "user-9", p.Subject)
		assert.Equal(t, []string{"memory.read"}, p.Scopes)
		assert.Empty(t, p.ProjectScope)
		assert.Equal(t, SourceAPIKey, p.AuthSource)
	})

	t.Run("rejected key", func(t *testing.T) {
		keys := &stubKeyAuthenticator{err: apikey.ErrKeyRevoked}
		v := NewValidator(&stubIntrospector{}, signer, keys, Policy{}, &recordingAudit{})

		_, err := v.ValidateAPIKey(context.Background(), "tg_dev_something")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

// TestProjectScopePolicy
//
// TestPurpose: When project scope isolation is required, principals
// without a scope or with a scope outside the allow-list must be
// rejected with a dedicated violation error and an audit record naming
// the requested and allowed values.
//
// Scope: policy enforcement across all auth sources.
//
// Security: Project scope is the tenant isolation boundary between
// downstream services.
//
// Expected: 403-class error plus one project_scope_violation audit
// event per rejection; allowed scopes pass untouched.
func TestProjectScopePolicy(t *testing.T) {
	signer := newTestSigner(t)
	policy := Policy{
		ProjectScopeRequired: true,
		AllowedProjectScopes: []string{"memory_service", "intelligence"},
	}

	t.Run("allowed scope passes", func(t *testing.T) {
		sink := &recordingAudit{}
		introspector := &stubIntrospector{response: &oauth.Introspection{
			Active: true, Subject: "user-1", ProjectScope: "memory_service",
		}}
		v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, policy, sink)

		p, err := v.ValidateBearer(context.Background(), "token")
		require.NoError(t, err)
		assert.Equal(t, "memory_service", p.ProjectScope)
		assert.Empty(t, sink.byType(audit.TypeProjectScopeViolation))
	})

	t.Run("unknown scope rejected and audited", func(t *testing.T) {
		sink := &recordingAudit{}
		introspector := &stubIntrospector{response: &oauth.Introspection{
			Active: true, Subject: "user-1", ClientID: "web-dashboard", ProjectScope: "billing",
		}}
		v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, policy, sink)

		_, err := v.ValidateBearer(context.Background(), "token")
		require.ErrorIs(t, err, ErrProjectScopeViolation)

		violations := sink.byType(audit.TypeProjectScopeViolation)
		require.Len(t, violations, 1)
		assert.Equal(t, "user-1", violations[0].ActorID)
		assert.Equal(t, "billing", violations[0].Metadata[audit.AttrRequested])
		assert.Equal(t, policy.AllowedProjectScopes, violations[0].Metadata[audit.AttrAllowed])
		assert.Equal(t, SourceIntrospect, violations[0].AuthSource)
	})

	t.Run("missing scope rejected when required", func(t *testing.T) {
		sink := &recordingAudit{}
		keys := &stubKeyAuthenticator{key: &apikey.Key{ID: "key-1", OwnerID: "user-9"}}
		v := NewValidator(&stubIntrospector{}, signer, keys, policy, sink)

		_, err := v.ValidateAPIKey(context.Background(), "tg_dev_x")
		require.ErrorIs(t, err, ErrProjectScopeViolation)
		require.Len(t, sink.byType(audit.TypeProjectScopeViolation), 1)
	})

	t.Run("policy off accepts anything", func(t *testing.T) {
		sink := &recordingAudit{}
		introspector := &stubIntrospector{response: &oauth.Introspection{
			Active: true, Subject: "user-1", ProjectScope: "",
		}}
		v := NewValidator(introspector, signer, &stubKeyAuthenticator{}, Policy{}, sink)

		_, err := v.ValidateBearer(context.Background(), "token")
		require.NoError(t, err)
		assert.Empty(t, sink.events)
	})
}

func TestHTTPIntrospector(t *testing.T) {
	t.Run("decodes authoritative answer", func(t *testing.T) {
		var gotToken, gotUser, gotPass string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/introspect", r.URL.Path)
			gotUser, gotPass, _ = r.BasicAuth()
			require.NoError(t, r.ParseForm())
			gotToken = r.PostFormValue("token")
			json.NewEncoder(w).Encode(oauth.Introspection{
				Active:       true,
				Subject:      "user-1",
				ClientID:     "validator",
				Scope:        "memory.read",
				ProjectScope: "memory_service",
				TokenType:    "access_token",
			})
		}))
		defer srv.Close()

		h := NewHTTPIntrospector(srv.URL+"/", "validator", "secret", time.Second)
		in, err := h.Introspect(context.Background(), "sample-token")
		require.NoError(t, err)
		assert.True(t, in.Active)
		assert.Equal(t, "user-1", in.Subject)
		assert.Equal(t, "sample-token", gotToken)
		assert.Equal(t, "validator", gotUser)
		assert.Equal(t, "secret", gotPass)
	})

	t.Run("non-200 is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		h := NewHTTPIntrospector(srv.URL, "validator", "secret", time.Second)
		_, err := h.Introspect(context.Background(), "sample-token")
		assert.Error(t, err)
	})

	t.Run("unreachable endpoint is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		h := NewHTTPIntrospector(srv.URL, "validator", "secret", 200*time.Millisecond)
		_, err := h.Introspect(context.Background(), "sample-token")
		assert.Error(t, err)
	})
}

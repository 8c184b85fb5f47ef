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

// Package authn validates request credentials on behalf of protected
// endpoints. Bearer tokens go through introspection first; when the
// introspection backend is unreachable the validator degrades to local
// signature verification. API keys resolve through the key service.
// Every accepted principal passes the project scope policy.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/trustgate/trustgate/internal/apikey"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/oauth"
)

// Auth sources recorded on accepted principals and audit entries.
const (
	SourceIntrospect = "introspect"
	SourceJWT        = "jwt"
	SourceAPIKey     = "api_key"
)

var (
	// ErrUnauthenticated covers every failed credential check; the
	// transport maps it to 401 without detail.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrProjectScopeViolation maps to 403 and is always audited.
	ErrProjectScopeViolation = errors.New("project scope not allowed")
)

// Principal is an authenticated caller. AuthSource names the path that
// validated the credential, and travels into audit entries so degraded
// validations are distinguishable after the fact.
type Principal struct {
	Subject      string
	ClientID     string
	Scopes       []string
	ProjectScope string
	AuthSource   string
}

// HasScope reports whether the principal holds a scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Introspector answers whether a token is active. A returned error means
// the introspection backend could not answer, not that the token is bad;
// the validator then falls back to local verification.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*oauth.Introspection, error)
}

// KeyAuthenticator resolves presented API keys.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, presented string) (*apikey.Key, error)
}

// Policy is the project scope isolation configuration.
type Policy struct {
	ProjectScopeRequired bool
	AllowedProjectScopes []string
}

// Validator performs dual-path credential validation.
type Validator struct {
	introspector Introspector
	signer       *oauth.Signer
	keys         KeyAuthenticator
	policy       Policy
	audit        audit.Logger
}

// NewValidator creates a Validator.
func NewValidator(introspector Introspector, signer *oauth.Signer, keys KeyAuthenticator, policy Policy, auditLogger audit.Logger) *Validator {
	return &Validator{
		introspector: introspector,
		signer:       signer,
		keys:         keys,
		policy:       policy,
		audit:        auditLogger,
	}
}

// ValidateBearer validates a bearer access token. The introspection
// answer is authoritative: an inactive verdict rejects the token even
// when its signature would still verify locally. Only an unreachable
// introspection backend degrades to the local HS256 check.
func (v *Validator) ValidateBearer(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty bearer token", ErrUnauthenticated)
	}

	in, err := v.introspector.Introspect(ctx, token)
	if err == nil {
		if !in.Active {
			return nil, fmt.Errorf("%w: token is not active", ErrUnauthenticated)
		}
		return v.enforcePolicy(ctx, &Principal{
			Subject:      in.Subject,
			ClientID:     in.ClientID,
			Scopes:       strings.Fields(in.Scope),
			ProjectScope: in.ProjectScope,
			AuthSource:   SourceIntrospect,
		})
	}

	claims, verr := v.signer.Verify(token)
	if verr != nil {
		return nil, fmt.Errorf("%w: token verification failed", ErrUnauthenticated)
	}
	return v.enforcePolicy(ctx, &Principal{
		Subject:      claims.Subject,
		ClientID:     claims.ClientID,
		Scopes:       strings.Fields(claims.Scope),
		ProjectScope: claims.ProjectScope,
		AuthSource:   SourceJWT,
	})
}

// ValidateAPIKey validates an X-API-Key credential.
func (v *Validator) ValidateAPIKey(ctx context.Context, presented string) (*Principal, error) {
	key, err := v.keys.Authenticate(ctx, presented)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return v.enforcePolicy(ctx, &Principal{
		Subject:    key.OwnerID,
		Scopes:     key.Scopes,
		AuthSource: SourceAPIKey,
	})
}

// enforcePolicy applies the project scope allow-list. Violations are
// audited with the requested and allowed values before rejection.
func (v *Validator) enforcePolicy(ctx context.Context, p *Principal) (*Principal, error) {
	if !v.policy.ProjectScopeRequired {
		return p, nil
	}
	if p.ProjectScope != "" && containsString(v.policy.AllowedProjectScopes, p.ProjectScope) {
		return p, nil
	}

	v.audit.Log(ctx, audit.Event{
		Type:         audit.TypeProjectScopeViolation,
		ActorID:      p.Subject,
		ClientID:     p.ClientID,
		ProjectScope: p.ProjectScope,
		AuthSource:   p.AuthSource,
		Resource:     "request",
		Metadata: map[string]any{
			audit.AttrRequested: p.ProjectScope,
			audit.AttrAllowed:   v.policy.AllowedProjectScopes,
		},
	})
	return nil, ErrProjectScopeViolation
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

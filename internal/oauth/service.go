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

// Package oauth implements the authorization server core: client
// registration, the authorization code flow with PKCE, the three token
// grants, introspection and revocation. Protocol semantics follow
// RFC 6749, RFC 7636, RFC 7662 and RFC 7009.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/event"
)

const (
	codeEntropyBytes    = 32
	refreshEntropyBytes = 48
	secretEntropyBytes  = 32
	clientIDEntropy     = 16
)

// ErrInvalidRegistration marks client registration input the caller can
// fix. The transport maps it to 400; everything else is 500.
var ErrInvalidRegistration = errors.New("invalid client registration")

// Service implements the authorization server. Every state change
// commits in one Gateway store transaction together with the domain
// event that describes it.
type Service struct {
	clients ClientRepository
	codes   CodeRepository
	refresh RefreshTokenRepository
	signer  *Signer
	events  event.Recorder
	tx      event.Transactor
	audit   audit.Logger

	authCodeTTL time.Duration
	refreshTTL  time.Duration
}

// NewService creates the OAuth2 service.
func NewService(
	clients ClientRepository,
	codes CodeRepository,
	refresh RefreshTokenRepository,
	signer *Signer,
	events event.Recorder,
	tx event.Transactor,
	auditLogger audit.Logger,
	authCodeTTL time.Duration,
	refreshTTL time.Duration,
) *Service {
	if authCodeTTL <= 0 || authCodeTTL > 10*time.Minute {
		authCodeTTL = 5 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Service{
		clients:     clients,
		codes:       codes,
		refresh:     refresh,
		signer:      signer,
		events:      events,
		tx:          tx,
		audit:       auditLogger,
		authCodeTTL: authCodeTTL,
		refreshTTL:  refreshTTL,
	}
}

// AuthCodeTTL returns the configured authorization code lifetime. The
// transport reuses it for the cache entries bound to the same grant.
func (s *Service) AuthCodeTTL() time.Duration {
	return s.authCodeTTL
}

// AuthorizeRequest carries the query parameters of GET /authorize
// (RFC 6749 Section 4.1.1). ProjectScope selects one of the client's
// registered project scopes; empty picks the client default.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	ProjectScope        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest carries the form parameters of POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ProjectScope string
}

// TokenResponse is the success body of POST /token (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ProjectScope string `json:"project_scope,omitempty"`
}

// Introspection is the body of POST /introspect (RFC 7662 Section 2.2).
// Anything unknown, expired or revoked collapses to {active:false} so
// the endpoint discloses nothing about tokens the caller does not hold.
type Introspection struct {
	Active       bool   `json:"active"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Subject      string `json:"sub,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"exp,omitempty"`
	IssuedAt     int64  `json:"iat,omitempty"`
	Issuer       string `json:"iss,omitempty"`
	TokenID      string `json:"jti,omitempty"`
	ProjectScope string `json:"project_scope,omitempty"`
}

// ClientRegistration is the input for registering a client application.
type ClientRegistration struct {
	Name                 string   `json:"name"`
	RedirectURIs         []string `json:"redirect_uris"`
	GrantTypes           []string `json:"grant_types"`
	AllowedScopes        []string `json:"allowed_scopes"`
	AllowedProjectScopes []string `json:"allowed_project_scopes"`
	DefaultProjectScope  string   `json:"default_project_scope,omitempty"`
	Confidential         bool     `json:"confidential"`
	RequirePKCE          bool     `json:"require_pkce"`
	AllowPlainPKCE       bool     `json:"allow_plain_pkce"`
	OwnerType            string   `json:"owner_type,omitempty"`
	OwnerID              string   `json:"owner_id,omitempty"`
}

// RegisterClient provisions a client application. For confidential
// clients the returned secret is shown exactly once; only its SHA-256
// hash is stored.
func (s *Service) RegisterClient(ctx context.Context, reg *ClientRegistration) (*Client, string, error) {
	if strings.TrimSpace(reg.Name) == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}

	grants := reg.GrantTypes
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, g := range grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return nil, "", fmt.Errorf("%w: unsupported grant type %q", ErrInvalidRegistration, g)
		}
	}
	if !reg.Confidential && containsString(grants, GrantClientCredentials) {
		// RFC 6749 Section 4.4: client credentials are for confidential
		// clients only.
		return nil, "", fmt.Errorf("%w: client_credentials requires a confidential client", ErrInvalidRegistration)
	}
	if containsString(grants, GrantAuthorizationCode) && len(reg.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("%w: authorization_code clients must register a redirect_uri", ErrInvalidRegistration)
	}
	for _, u := range reg.RedirectURIs {
		if err := validateRedirectURI(u); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
	}
	if reg.DefaultProjectScope != "" && !containsString(reg.AllowedProjectScopes, reg.DefaultProjectScope) {
		return nil, "", fmt.Errorf("%w: default_project_scope is not in allowed_project_scopes", ErrInvalidRegistration)
	}

	now := time.Now()
	client := &Client{
		ID:                   uuid.NewString(),
		ClientID:             crypto.GenerateToken(clientIDEntropy),
		Name:                 reg.Name,
		RedirectURIs:         reg.RedirectURIs,
		GrantTypes:           grants,
		AllowedScopes:        reg.AllowedScopes,
		AllowedProjectScopes: reg.AllowedProjectScopes,
		DefaultProjectScope:  reg.DefaultProjectScope,
		Confidential:         reg.Confidential,
		// Public clients always prove possession of the verifier.
		RequirePKCE:    reg.RequirePKCE || !reg.Confidential,
		AllowPlainPKCE: reg.AllowPlainPKCE,
		OwnerType:      reg.OwnerType,
		OwnerID:        reg.OwnerID,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var secret string
	if reg.Confidential {
		secret = crypto.GenerateToken(secretEntropyBytes)
		client.SecretHash = crypto.HashSecret(secret)
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.clients.Create(ctx, client); err != nil {
			return err
		}
		_, err := s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateClient,
			AggregateID:   client.ID,
			EventType:     event.TypeClientRegistered,
			Payload: map[string]any{
				"client_id":    client.ClientID,
				"name":         client.Name,
				"confidential": client.Confidential,
				"grant_types":  client.GrantTypes,
			},
			Metadata: event.Metadata{ClientID: client.ClientID},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrClientAlreadyExists) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to register client: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeClientCreated,
		ActorID:  reg.OwnerID,
		ClientID: client.ClientID,
		Resource: "client",
		Metadata: map[string]any{
			"name":         client.Name,
			"confidential": client.Confidential,
		},
	})

	return client, secret, nil
}

// GetClient returns client metadata by internal id. The secret hash is
// excluded from serialization at the model level.
func (s *Service) GetClient(ctx context.Context, id string) (*Client, error) {
	return s.clients.GetByID(ctx, id)
}

// RotateClientSecret replaces a confidential client's secret and returns
// the new plaintext exactly once.
func (s *Service) RotateClientSecret(ctx context.Context, id string) (string, error) {
	client, err := s.clients.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !client.Confidential {
		return "", fmt.Errorf("%w: public clients have no secret", ErrInvalidRegistration)
	}

	secret := crypto.GenerateToken(secretEntropyBytes)
	client.SecretHash = crypto.HashSecret(secret)
	client.UpdatedAt = time.Now()

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.clients.Update(ctx, client); err != nil {
			return err
		}
		_, err := s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateClient,
			AggregateID:   client.ID,
			EventType:     event.TypeClientSecretRotated,
			Payload:       map[string]any{"client_id": client.ClientID},
			Metadata:      event.Metadata{ClientID: client.ClientID},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to rotate client secret: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeSecretRotated,
		ClientID: client.ClientID,
		Resource: "client",
	})

	return secret, nil
}

// ValidateAuthorizeRequest validates GET /authorize parameters
// (RFC 6749 Section 4.1.1) and resolves the client. Redirect URI
// matching is exact; until it succeeds no error may be redirected, and
// the client comes back nil. A non-nil client alongside an error means
// the error is safe to deliver on the redirect URI (RFC 6749
// Section 4.1.2.1).
func (s *Service) ValidateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) (*Client, error) {
	client, err := s.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, NewError(ErrCodeInvalidRequest, "unknown client_id")
	}
	if !client.IsActive {
		return nil, NewError(ErrCodeInvalidRequest, "client is disabled")
	}
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on errors are safe to deliver via redirect.
	if req.ResponseType != "code" {
		return client, NewError(ErrCodeUnsupportedResponseType, "response_type must be 'code'")
	}
	if req.Scope != "" && !client.ValidateScope(req.Scope) {
		return client, NewError(ErrCodeInvalidScope, "requested scope is not allowed for this client")
	}
	if _, err := resolveProjectScope(client, req.ProjectScope); err != nil {
		return client, err
	}
	if err := checkPKCE(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return client, err
	}

	return client, nil
}

// IssueAuthorizationCode mints a single-use code for an authenticated
// session (RFC 6749 Section 4.1.2). Only the SHA-256 hash is persisted;
// the plaintext travels back on the redirect and is never seen again.
func (s *Service) IssueAuthorizationCode(ctx context.Context, req *AuthorizeRequest, client *Client, subject, sessionID string) (string, error) {
	projectScope, err := resolveProjectScope(client, req.ProjectScope)
	if err != nil {
		return "", err
	}

	plaintext := crypto.GenerateToken(codeEntropyBytes)
	now := time.Now()
	code := &AuthorizationCode{
		ID:                  uuid.NewString(),
		CodeHash:            crypto.HashToken(plaintext),
		ClientID:            client.ClientID,
		Subject:             subject,
		SessionID:           sessionID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		ProjectScope:        projectScope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: normalizeChallengeMethod(req.CodeChallenge, req.CodeChallengeMethod),
		ExpiresAt:           now.Add(s.authCodeTTL),
		CreatedAt:           now,
	}
	if err := s.codes.Create(ctx, code); err != nil {
		return "", NewError(ErrCodeServerError, "failed to persist authorization code")
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeCodeIssued,
		ActorID:      subject,
		ClientID:     client.ClientID,
		ProjectScope: projectScope,
		Resource:     "authorization_code",
		Metadata: map[string]any{
			"scope": req.Scope,
			"pkce":  code.CodeChallengeMethod,
		},
	})

	return plaintext, nil
}

// AuthenticateClient authenticates the caller of the token endpoint
// (RFC 6749 Section 3.2.1). Confidential clients must present their
// secret; public clients present none.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	if clientID == "" {
		return nil, NewError(ErrCodeInvalidClient, "client authentication required")
	}
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrCodeInvalidClient, "invalid client credentials")
		}
		return nil, NewError(ErrCodeServerError, "client lookup failed")
	}
	if !client.IsActive {
		return nil, NewError(ErrCodeInvalidClient, "client is disabled")
	}
	if !client.Confidential {
		return client, nil
	}
	if client.SecretHash == "" ||
		!crypto.ConstantTimeEquals(crypto.HashSecret(clientSecret), client.SecretHash) {
		return nil, NewError(ErrCodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}

// ExchangeAuthorizationCode implements grant_type=authorization_code
// (RFC 6749 Section 4.1.3). The code is consumed atomically: a replay
// loses the race inside the store, not here.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return nil, NewError(ErrCodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}
	if req.Code == "" {
		return nil, NewError(ErrCodeInvalidRequest, "code is required")
	}

	var resp *TokenResponse
	var issued *AuthorizationCode
	txErr := s.tx.WithTx(ctx, func(ctx context.Context) error {
		code, err := s.codes.Consume(ctx, crypto.HashToken(req.Code))
		switch {
		case errors.Is(err, ErrCodeConsumed):
			return NewError(ErrCodeInvalidGrant, "authorization code already consumed")
		case errors.Is(err, ErrCodeNotFound):
			return NewError(ErrCodeInvalidGrant, "authorization code not found")
		case err != nil:
			return NewError(ErrCodeServerError, "failed to consume authorization code")
		}
		issued = code

		if code.IsExpired() {
			return NewError(ErrCodeInvalidGrant, "authorization code expired")
		}
		if code.ClientID != client.ClientID {
			return NewError(ErrCodeInvalidGrant, "code was issued to a different client")
		}
		if code.RedirectURI != req.RedirectURI {
			return NewError(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
		}

		// RFC 7636 Section 4.6: verify the code verifier against the
		// challenge bound at issue time.
		if code.CodeChallenge != "" {
			if err := crypto.VerifyChallenge(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
				return NewError(ErrCodeInvalidGrant, "invalid code_verifier")
			}
		} else if req.CodeVerifier != "" {
			return NewError(ErrCodeInvalidGrant, "code was issued without a code_challenge")
		}

		access, _, err := s.signer.Sign(code.Subject, code.Scope, code.ProjectScope, client.ClientID)
		if err != nil {
			return NewError(ErrCodeServerError, "failed to sign access token")
		}

		var refreshPlain string
		if client.AllowsGrant(GrantRefreshToken) {
			refreshPlain, _, err = s.mintRefreshFamily(ctx, client, code.Subject, code.Scope, code.ProjectScope)
			if err != nil {
				return NewError(ErrCodeServerError, "failed to issue refresh token")
			}
		}

		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   code.Subject,
			EventType:     event.TypeTokenIssued,
			Payload: map[string]any{
				"grant_type": GrantAuthorizationCode,
				"client_id":  client.ClientID,
				"scope":      code.Scope,
			},
			Metadata: event.Metadata{
				Actor:        code.Subject,
				ClientID:     client.ClientID,
				ProjectScope: code.ProjectScope,
			},
		})
		if err != nil {
			return NewError(ErrCodeServerError, "failed to record token issuance")
		}

		resp = &TokenResponse{
			AccessToken:  access,
			TokenType:    "Bearer",
			ExpiresIn:    int(s.signer.TTL().Seconds()),
			RefreshToken: refreshPlain,
			Scope:        code.Scope,
			ProjectScope: code.ProjectScope,
		}
		return nil
	})
	if txErr != nil {
		return nil, asProtocolError(txErr)
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeTokenIssued,
		ActorID:      issued.Subject,
		ClientID:     client.ClientID,
		ProjectScope: issued.ProjectScope,
		Resource:     "token",
		Metadata: map[string]any{
			"grant_type":  GrantAuthorizationCode,
			"scope":       issued.Scope,
			"has_refresh": resp.RefreshToken != "",
		},
	})

	return resp, nil
}

// RefreshAccessToken implements grant_type=refresh_token (RFC 6749
// Section 6) with mandatory rotation. Presenting a member that was
// already rotated away is treated as theft and burns the whole family
// (RFC 6749 Section 10.4).
func (s *Service) RefreshAccessToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantRefreshToken) {
		return nil, NewError(ErrCodeUnauthorizedClient, "client is not registered for the refresh_token grant")
	}
	if req.RefreshToken == "" {
		return nil, NewError(ErrCodeInvalidRequest, "refresh_token is required")
	}

	rt, err := s.refresh.GetByTokenHash(ctx, crypto.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewError(ErrCodeInvalidGrant, "refresh token not found")
		}
		return nil, NewError(ErrCodeServerError, "refresh token lookup failed")
	}
	if rt.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "refresh token was not issued to this client")
	}
	if rt.RevokedAt != nil {
		return nil, NewError(ErrCodeInvalidGrant, "refresh token revoked")
	}
	if rt.ConsumedAt != nil {
		if err := s.revokeFamilyOnReuse(ctx, client, rt); err != nil {
			return nil, asProtocolError(err)
		}
		return nil, NewError(ErrCodeInvalidGrant, "refresh token reuse detected")
	}
	if rt.IsExpired() {
		return nil, NewError(ErrCodeInvalidGrant, "refresh token expired")
	}

	// RFC 6749 Section 6: the new scope must not exceed the original
	// grant. Narrowing is allowed and sticks for later rotations.
	scope := rt.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, rt.Scope) {
			return nil, NewError(ErrCodeInvalidScope, "requested scope exceeds the original grant")
		}
		scope = req.Scope
	}

	var resp *TokenResponse
	var next *RefreshToken
	txErr := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.refresh.MarkConsumed(ctx, rt.ID); err != nil {
			return NewError(ErrCodeServerError, "failed to rotate refresh token")
		}

		plaintext := crypto.GenerateToken(refreshEntropyBytes)
		now := time.Now()
		next = &RefreshToken{
			ID:              uuid.NewString(),
			TokenHash:       crypto.HashToken(plaintext),
			FamilyID:        rt.FamilyID,
			ClientID:        rt.ClientID,
			Subject:         rt.Subject,
			Scope:           scope,
			ProjectScope:    rt.ProjectScope,
			RotationCounter: rt.RotationCounter + 1,
			ParentID:        rt.ID,
			// The family keeps the absolute expiry of its root; rotation
			// never extends the grant.
			ExpiresAt: rt.ExpiresAt,
			CreatedAt: now,
		}
		if err := s.refresh.Create(ctx, next); err != nil {
			return NewError(ErrCodeServerError, "failed to rotate refresh token")
		}

		access, _, err := s.signer.Sign(rt.Subject, scope, rt.ProjectScope, client.ClientID)
		if err != nil {
			return NewError(ErrCodeServerError, "failed to sign access token")
		}

		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   rt.Subject,
			EventType:     event.TypeTokenRefreshed,
			Payload: map[string]any{
				"client_id":        client.ClientID,
				"family_id":        rt.FamilyID,
				"rotation_counter": next.RotationCounter,
				"scope":            scope,
			},
			Metadata: event.Metadata{
				Actor:        rt.Subject,
				ClientID:     client.ClientID,
				ProjectScope: rt.ProjectScope,
			},
		})
		if err != nil {
			return NewError(ErrCodeServerError, "failed to record token refresh")
		}

		resp = &TokenResponse{
			AccessToken:  access,
			TokenType:    "Bearer",
			ExpiresIn:    int(s.signer.TTL().Seconds()),
			RefreshToken: plaintext,
			Scope:        scope,
			ProjectScope: rt.ProjectScope,
		}
		return nil
	})
	if txErr != nil {
		return nil, asProtocolError(txErr)
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeTokenRefreshed,
		ActorID:      rt.Subject,
		ClientID:     client.ClientID,
		ProjectScope: rt.ProjectScope,
		Resource:     "token",
		Metadata: map[string]any{
			"rotation_counter": next.RotationCounter,
			"scope":            scope,
		},
	})

	return resp, nil
}

// revokeFamilyOnReuse burns every member of a family after a rotated
// member was presented again. The presenting caller still gets
// invalid_grant; this only has to commit.
func (s *Service) revokeFamilyOnReuse(ctx context.Context, client *Client, rt *RefreshToken) error {
	var revoked int64
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.refresh.RevokeFamily(ctx, rt.FamilyID)
		if err != nil {
			return err
		}
		revoked = n
		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   rt.Subject,
			EventType:     event.TypeTokenReuseDetected,
			Payload: map[string]any{
				"client_id":        rt.ClientID,
				"family_id":        rt.FamilyID,
				"rotation_counter": rt.RotationCounter,
				"revoked_members":  n,
			},
			Metadata: event.Metadata{
				Actor:        rt.Subject,
				ClientID:     rt.ClientID,
				ProjectScope: rt.ProjectScope,
			},
		})
		return err
	})
	if err != nil {
		return NewError(ErrCodeServerError, "failed to revoke token family")
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeTokenReuseDetected,
		ActorID:      rt.Subject,
		ClientID:     client.ClientID,
		ProjectScope: rt.ProjectScope,
		Resource:     "refresh_token",
		Metadata: map[string]any{
			"family_id":       rt.FamilyID,
			"revoked_members": revoked,
		},
	})
	return nil
}

// ClientCredentials implements grant_type=client_credentials (RFC 6749
// Section 4.4): confidential clients only, no refresh token, subject is
// the client itself.
func (s *Service) ClientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.Confidential {
		return nil, NewError(ErrCodeUnauthorizedClient, "client_credentials requires a confidential client")
	}
	if !client.AllowsGrant(GrantClientCredentials) {
		return nil, NewError(ErrCodeUnauthorizedClient, "client is not registered for the client_credentials grant")
	}
	if req.Scope != "" && !client.ValidateScope(req.Scope) {
		return nil, NewError(ErrCodeInvalidScope, "requested scope is not allowed for this client")
	}
	projectScope, perr := resolveProjectScope(client, req.ProjectScope)
	if perr != nil {
		return nil, perr
	}

	access, _, err := s.signer.Sign(client.ClientID, req.Scope, projectScope, client.ClientID)
	if err != nil {
		return nil, NewError(ErrCodeServerError, "failed to sign access token")
	}

	_, err = s.events.Record(ctx, &event.Event{
		AggregateType: event.AggregateClient,
		AggregateID:   client.ID,
		EventType:     event.TypeTokenIssued,
		Payload: map[string]any{
			"grant_type": GrantClientCredentials,
			"client_id":  client.ClientID,
			"scope":      req.Scope,
		},
		Metadata: event.Metadata{
			Actor:        client.ClientID,
			ClientID:     client.ClientID,
			ProjectScope: projectScope,
		},
	})
	if err != nil {
		return nil, NewError(ErrCodeServerError, "failed to record token issuance")
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeTokenIssued,
		ActorID:      client.ClientID,
		ClientID:     client.ClientID,
		ProjectScope: projectScope,
		Resource:     "token",
		Metadata: map[string]any{
			"grant_type": GrantClientCredentials,
			"scope":      req.Scope,
		},
	})

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.signer.TTL().Seconds()),
		Scope:        req.Scope,
		ProjectScope: projectScope,
	}, nil
}

// Introspect reports the state of a presented token (RFC 7662). The
// transport authenticates the caller before this runs.
func (s *Service) Introspect(ctx context.Context, token, tokenTypeHint string) *Introspection {
	if token == "" {
		return &Introspection{}
	}

	// The hint only reorders the lookups (RFC 7662 Section 2.1).
	if tokenTypeHint != "refresh_token" {
		if in := s.introspectAccess(token); in != nil {
			return in
		}
		if in := s.introspectRefresh(ctx, token); in != nil {
			return in
		}
		return &Introspection{}
	}
	if in := s.introspectRefresh(ctx, token); in != nil {
		return in
	}
	if in := s.introspectAccess(token); in != nil {
		return in
	}
	return &Introspection{}
}

func (s *Service) introspectAccess(token string) *Introspection {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil
	}
	return &Introspection{
		Active:       true,
		Scope:        claims.Scope,
		ClientID:     claims.ClientID,
		Subject:      claims.Subject,
		TokenType:    "access_token",
		ExpiresAt:    numericUnix(claims.ExpiresAt),
		IssuedAt:     numericUnix(claims.IssuedAt),
		Issuer:       claims.Issuer,
		TokenID:      claims.ID,
		ProjectScope: claims.ProjectScope,
	}
}

func (s *Service) introspectRefresh(ctx context.Context, token string) *Introspection {
	rt, err := s.refresh.GetByTokenHash(ctx, crypto.HashToken(token))
	if err != nil || !rt.IsActive() {
		return nil
	}
	return &Introspection{
		Active:       true,
		Scope:        rt.Scope,
		ClientID:     rt.ClientID,
		Subject:      rt.Subject,
		TokenType:    "refresh_token",
		ExpiresAt:    rt.ExpiresAt.Unix(),
		IssuedAt:     rt.CreatedAt.Unix(),
		ProjectScope: rt.ProjectScope,
	}
}

// Revoke discards the presented refresh token's family (RFC 7009).
// Unknown tokens, foreign tokens and repeat revocations all succeed
// silently; the endpoint must not leak token state.
func (s *Service) Revoke(ctx context.Context, client *Client, token string) error {
	if token == "" {
		return nil
	}
	rt, err := s.refresh.GetByTokenHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return NewError(ErrCodeServerError, "revocation lookup failed")
	}
	if rt.ClientID != client.ClientID {
		return nil
	}
	if rt.RevokedAt != nil {
		return nil
	}

	var revoked int64
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.refresh.RevokeFamily(ctx, rt.FamilyID)
		if err != nil {
			return err
		}
		revoked = n
		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   rt.Subject,
			EventType:     event.TypeTokenRevoked,
			Payload: map[string]any{
				"client_id":       client.ClientID,
				"family_id":       rt.FamilyID,
				"revoked_members": n,
			},
			Metadata: event.Metadata{
				Actor:        rt.Subject,
				ClientID:     client.ClientID,
				ProjectScope: rt.ProjectScope,
			},
		})
		return err
	})
	if err != nil {
		return NewError(ErrCodeServerError, "failed to revoke token family")
	}

	s.audit.Log(ctx, audit.Event{
		Type:         audit.TypeTokenRevoked,
		ActorID:      rt.Subject,
		ClientID:     client.ClientID,
		ProjectScope: rt.ProjectScope,
		Resource:     "refresh_token",
		Metadata: map[string]any{
			"family_id":       rt.FamilyID,
			"revoked_members": revoked,
		},
	})
	return nil
}

// RevokeSubjectTokens burns every active family issued to a subject.
// Logout uses it so a stolen refresh token does not outlive the session
// that produced it.
func (s *Service) RevokeSubjectTokens(ctx context.Context, subject string) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.refresh.RevokeBySubject(ctx, subject)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = s.events.Record(ctx, &event.Event{
			AggregateType: event.AggregateUser,
			AggregateID:   subject,
			EventType:     event.TypeTokenRevoked,
			Payload:       map[string]any{"revoked_members": n, "reason": "logout"},
			Metadata:      event.Metadata{Actor: subject},
		})
		return err
	})
}

// mintRefreshFamily creates the root member of a new rotation family and
// returns the plaintext credential.
func (s *Service) mintRefreshFamily(ctx context.Context, client *Client, subject, scope, projectScope string) (string, *RefreshToken, error) {
	plaintext := crypto.GenerateToken(refreshEntropyBytes)
	now := time.Now()
	rt := &RefreshToken{
		ID:           uuid.NewString(),
		TokenHash:    crypto.HashToken(plaintext),
		FamilyID:     uuid.NewString(),
		ClientID:     client.ClientID,
		Subject:      subject,
		Scope:        scope,
		ProjectScope: projectScope,
		ExpiresAt:    now.Add(s.refreshTTL),
		CreatedAt:    now,
	}
	if err := s.refresh.Create(ctx, rt); err != nil {
		return "", nil, err
	}
	return plaintext, rt, nil
}

// resolveProjectScope picks the effective project scope for a grant:
// the requested one when registered, otherwise the client default.
func resolveProjectScope(client *Client, requested string) (string, error) {
	if requested == "" {
		return client.DefaultProjectScope, nil
	}
	if !client.ValidateProjectScope(requested) {
		return "", NewError(ErrCodeInvalidScope, "project_scope %q is not registered for this client", requested)
	}
	return requested, nil
}

// checkPKCE enforces the issue-time challenge policy: public clients and
// require_pkce clients must send a challenge, and plain is accepted only
// when the client record allows it (an absent method defaults to plain,
// RFC 7636 Section 4.3).
func checkPKCE(client *Client, challenge, method string) error {
	if challenge == "" {
		if !client.Confidential || client.RequirePKCE {
			return NewError(ErrCodeInvalidRequest, "code_challenge is required for this client")
		}
		return nil
	}
	switch method {
	case crypto.PKCEMethodS256:
	case crypto.PKCEMethodPlain, "":
		if !client.AllowPlainPKCE {
			return NewError(ErrCodeInvalidRequest, "plain code_challenge_method is not allowed for this client")
		}
	default:
		return NewError(ErrCodeInvalidRequest, "transform algorithm not supported")
	}
	if l := len(challenge); l < 43 || l > 128 {
		return NewError(ErrCodeInvalidRequest, "code_challenge must be 43 to 128 characters")
	}
	return nil
}

func normalizeChallengeMethod(challenge, method string) string {
	if challenge == "" {
		return ""
	}
	if method == "" {
		return crypto.PKCEMethodPlain
	}
	return method
}

// scopeSubset reports whether every requested scope token appears in the
// granted scope string.
func scopeSubset(requested, granted string) bool {
	have := make(map[string]struct{})
	for _, sc := range strings.Fields(granted) {
		have[sc] = struct{}{}
	}
	for _, sc := range strings.Fields(requested) {
		if _, ok := have[sc]; !ok {
			return false
		}
	}
	return true
}

// asProtocolError normalizes errors surfacing from a transaction into
// the RFC envelope; infrastructure failures become server_error.
func asProtocolError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return NewError(ErrCodeServerError, "internal error")
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be an absolute URL", raw)
	}
	// RFC 6749 Section 3.1.2: the redirect endpoint must not carry a
	// fragment component.
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	return nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func numericUnix(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}

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

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/oauth"
	"github.com/trustgate/trustgate/internal/observability/logger"
)

const csrfEntropyBytes = 16

// Authorize starts the authorization code flow
// @Summary OAuth2 Authorize Endpoint
// @Description Starts the authorization code flow (RFC 6749)
// @Tags OAuth2
// @Produce json
// @Param client_id query string true "Client ID"
// @Param redirect_uri query string true "Redirect URI (exact match)"
// @Param response_type query string true "Response Type (must be 'code')"
// @Param scope query string false "Scopes"
// @Param project_scope query string false "Project scope (defaults to the client's)"
// @Param state query string true "Opaque client state"
// @Param code_challenge query string false "PKCE Challenge"
// @Param code_challenge_method query string false "PKCE Method (S256 or plain)"
// @Success 302 {string} string "Redirects to the registered callback"
// @Failure 400 {object} oauth.Error
// @Failure 401 {object} map[string]string
// @Router /authorize [get]
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := &oauth.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		ProjectScope:        query.Get("project_scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}

	client, err := h.oauthService.ValidateAuthorizeRequest(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "invalid authorize request",
			logger.Error(err),
			logger.ClientID(req.ClientID),
			logger.RedirectURI(req.RedirectURI),
		)

		// RFC 6749 Section 4.1.2.1: until the client and its redirect
		// URI are validated nothing may be redirected. A nil client
		// marks that phase.
		if client == nil {
			h.respondOAuthError(w, err)
			return
		}
		h.redirectError(w, r, req, err)
		return
	}

	sess := GetSession(r.Context())
	if sess == nil {
		// SessionAuth guards the route; this only trips when the
		// handler is called directly.
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	code, err := h.oauthService.IssueAuthorizationCode(r.Context(), req, client, sess.Subject, sess.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue authorization code", logger.Error(err))
		h.redirectError(w, r, req, err)
		return
	}

	// Bind the in-flight grant to the session: one live CSRF token per
	// session, consume-and-delete, same lifetime as the code itself.
	h.cache.ConsumeCSRF(r.Context(), sess.ID)
	csrf := crypto.GenerateToken(csrfEntropyBytes)
	h.cache.PutCSRF(r.Context(), sess.ID, csrf, h.oauthService.AuthCodeTTL())
	w.Header().Set("X-CSRF-Token", csrf)

	redirectURL := addQueryParams(req.RedirectURI, map[string]string{
		"code":  code,
		"state": req.State,
	})
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Token issues credentials for the three supported grants
// @Summary OAuth2 Token Endpoint
// @Description Exchange a code, refresh token or client credentials for an access token (RFC 6749)
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "authorization_code, refresh_token or client_credentials"
// @Param code formData string false "Authorization Code"
// @Param redirect_uri formData string false "Redirect URI (must match the authorization request)"
// @Param client_id formData string false "Client ID (if not Basic Auth)"
// @Param client_secret formData string false "Client Secret (if not Basic Auth)"
// @Param code_verifier formData string false "PKCE Verifier"
// @Param refresh_token formData string false "Refresh Token"
// @Param scope formData string false "Scope (refresh may only narrow it)"
// @Param project_scope formData string false "Project scope"
// @Success 200 {object} oauth.TokenResponse
// @Failure 400 {object} oauth.Error
// @Failure 401 {object} oauth.Error
// @Router /token [post]
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	req := &oauth.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.Form.Get("code_verifier"), // RFC 7636 Section 4.5
		RefreshToken: r.Form.Get("refresh_token"), // RFC 6749 Section 6
		Scope:        r.Form.Get("scope"),
		ProjectScope: r.Form.Get("project_scope"),
	}

	var resp *oauth.TokenResponse
	var err error

	switch req.GrantType {
	case oauth.GrantAuthorizationCode:
		// RFC 6749 Section 4.1.3
		resp, err = h.oauthService.ExchangeAuthorizationCode(r.Context(), req)
	case oauth.GrantRefreshToken:
		// RFC 6749 Section 6
		resp, err = h.oauthService.RefreshAccessToken(r.Context(), req)
	case oauth.GrantClientCredentials:
		// RFC 6749 Section 4.4
		resp, err = h.oauthService.ClientCredentials(r.Context(), req)
	default:
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeUnsupportedGrantType, "unsupported grant_type"))
		return
	}

	if err != nil {
		slog.ErrorContext(r.Context(), "token request failed",
			logger.Error(err),
			logger.GrantType(req.GrantType),
		)
		h.respondOAuthError(w, err)
		return
	}

	// Prevent caching (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	respondJSON(w, http.StatusOK, resp)
}

// Introspect reports token state to authenticated clients
// @Summary OAuth2 Token Introspection
// @Description Reports whether a token is active (RFC 7662). Requires client authentication.
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param token formData string true "Token to introspect"
// @Param token_type_hint formData string false "access_token or refresh_token"
// @Param client_id formData string false "Client ID (if not Basic Auth)"
// @Param client_secret formData string false "Client Secret (if not Basic Auth)"
// @Success 200 {object} oauth.Introspection
// @Failure 401 {object} oauth.Error
// @Router /introspect [post]
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if _, err := h.oauthService.AuthenticateClient(r.Context(), clientID, clientSecret); err != nil {
		h.respondOAuthError(w, err)
		return
	}

	token := r.Form.Get("token")
	if token == "" {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "missing token"))
		return
	}

	resp := h.oauthService.Introspect(r.Context(), token, r.Form.Get("token_type_hint"))

	// Introspection responses must not be cached (RFC 7662 Section 4).
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	respondJSON(w, http.StatusOK, resp)
}

// Revoke discards a refresh token family
// @Summary Revoke Token
// @Description Revoke a refresh token and its rotation family (RFC 7009)
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param token formData string true "Token to revoke"
// @Param client_id formData string false "Client ID (if not Basic Auth)"
// @Param client_secret formData string false "Client Secret (if not Basic Auth)"
// @Success 200 {string} string "OK"
// @Failure 400 {object} oauth.Error
// @Failure 401 {object} oauth.Error
// @Router /revoke [post]
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	token := r.Form.Get("token")
	if token == "" {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrCodeInvalidRequest, "missing token"))
		return
	}

	client, err := h.oauthService.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	if err := h.oauthService.Revoke(r.Context(), client, token); err != nil {
		slog.ErrorContext(r.Context(), "revocation failed", logger.Error(err), logger.ClientID(clientID))
	}

	// RFC 7009 Section 2.2: respond 200 whether or not the token was
	// known, already revoked, or owned by someone else.
	w.WriteHeader(http.StatusOK)
}

// clientCredentials extracts client authentication from the form body or
// the Authorization header (RFC 6749 Section 2.3.1).
func clientCredentials(r *http.Request) (string, string) {
	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	if clientID == "" {
		if username, password, ok := r.BasicAuth(); ok {
			// Basic auth credentials are form-urlencoded (RFC 6749
			// Appendix B).
			if u, err := url.QueryUnescape(username); err == nil {
				clientID = u
			}
			if p, err := url.QueryUnescape(password); err == nil {
				clientSecret = p
			}
		}
	}
	return clientID, clientSecret
}

// redirectError delivers a protocol error on the validated redirect URI
// with the client's state echoed back (RFC 6749 Section 4.1.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, req *oauth.AuthorizeRequest, err error) {
	var oe *oauth.Error
	if !errors.As(err, &oe) {
		oe = oauth.NewError(oauth.ErrCodeServerError, "internal error")
	}
	redirectURL := addQueryParams(req.RedirectURI, map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
		"state":             req.State,
	})
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// addQueryParams appends query parameters to a URL.
func addQueryParams(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// respondOAuthError serializes a protocol error into the RFC 6749
// envelope with its mapped HTTP status.
func (h *Handler) respondOAuthError(w http.ResponseWriter, err error) {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		respondJSON(w, oe.HTTPStatus(), oe)
		return
	}

	// Fallback for internal errors (opaque)
	respondJSON(w, http.StatusInternalServerError, oauth.NewError(oauth.ErrCodeServerError, "internal server error"))
}

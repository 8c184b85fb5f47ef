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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postJSON drives a JSON POST through the router, optionally with a
// session cookie.
func postJSON(t *testing.T, env *testEnv, path string, body any, sessionToken string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionToken})
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// sessionCookie extracts a freshly set session cookie from a response.
func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "session_id" && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie was set")
	return nil
}

// =============================================================================
// INTERACTIVE LOGIN
// Category: Auth API - Delegated Login & Sessions
// Type: Unit Test (UT)
// =============================================================================

func TestLogin_ValidCredentials_SetsSessionCookie(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "correct horse battery",
	}, "")

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly, "session cookies must be HttpOnly")
	assert.True(t, cookie.Secure, "session cookies must be Secure")
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-alice@example.com", resp["subject"])
	assert.Equal(t, "alice@example.com", resp["email"])
}

// TestPurpose: Validates that wrong passwords and unknown accounts collapse
// into the same 401 answer.
// Scope: Unit Test
// Security: Account enumeration prevention.
// Expected: Identical status and body for both failures.
func TestLogin_BadCredentials_UniformRejection(t *testing.T) {
	env := newTestEnv(t)

	wrongPassword := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "wrong",
	}, "")
	unknownAccount := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "nobody@example.com",
		Password: "wrong",
	}, "")

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownAccount.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownAccount.Body.String(),
		"failure answers must not distinguish unknown accounts from bad passwords")
}

func TestLogin_UsersStoreDown_ReturnsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.users.down = true

	w := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "correct horse battery",
	}, "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code,
		"an unreachable Users store is an outage, not a credential failure")
}

func TestLogin_MalformedBody_ReturnsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader([]byte(`{invalid`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// LOGOUT AND SESSION REFRESH
// =============================================================================

func TestLogout_WithSession_RevokesIt(t *testing.T) {
	env := newTestEnv(t)

	login := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "correct horse battery",
	}, "")
	require.Equal(t, http.StatusOK, login.Code)
	token := sessionCookie(t, login).Value

	w := postJSON(t, env, "/v1/auth/logout", struct{}{}, token)
	require.Equal(t, http.StatusOK, w.Code)

	// The burned session no longer refreshes.
	refresh := postJSON(t, env, "/v1/auth/refresh", struct{}{}, token)
	assert.Equal(t, http.StatusUnauthorized, refresh.Code)
}

func TestLogout_WithoutCookie_StillSucceeds(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/logout", struct{}{}, "")

	assert.Equal(t, http.StatusOK, w.Code, "logout is idempotent")
}

func TestRefreshSession_RotatesTheCookie(t *testing.T) {
	env := newTestEnv(t)

	login := postJSON(t, env, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "correct horse battery",
	}, "")
	require.Equal(t, http.StatusOK, login.Code)
	oldToken := sessionCookie(t, login).Value

	w := postJSON(t, env, "/v1/auth/refresh", struct{}{}, oldToken)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	newToken := sessionCookie(t, w).Value
	require.NotEqual(t, oldToken, newToken, "refresh must rotate the credential")

	// The rotated-away token is dead.
	replay := postJSON(t, env, "/v1/auth/refresh", struct{}{}, oldToken)
	assert.Equal(t, http.StatusUnauthorized, replay.Code)

	// The successor works.
	next := postJSON(t, env, "/v1/auth/refresh", struct{}{}, newToken)
	assert.Equal(t, http.StatusOK, next.Code)
}

func TestRefreshSession_NoCookie_ReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/refresh", struct{}{}, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// ONE-TIME CODES
// =============================================================================

func TestOTP_SendAndVerify_CreatesSession(t *testing.T) {
	env := newTestEnv(t)

	sent := postJSON(t, env, "/v1/auth/otp/send", OTPRequest{Email: "alice@example.com"}, "")
	require.Equal(t, http.StatusAccepted, sent.Code, "body: %s", sent.Body.String())

	w := postJSON(t, env, "/v1/auth/otp/verify", VerifyOTPRequest{
		Email: "alice@example.com",
		Code:  fixtureOTPCode,
	}, "")

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
}

func TestOTP_Send_UnknownAccount_ReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/otp/send", OTPRequest{Email: "nobody@example.com"}, "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOTP_Send_InvalidEmail_ReturnsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/otp/send", OTPRequest{Email: "not-an-address"}, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestPurpose: Validates that a wrong one-time code is rejected like any
// other bad credential.
// Scope: Unit Test
// Security: OTP guessing resistance at the response level.
// Expected: 401 with the uniform credential failure body.
func TestOTP_Verify_WrongCode_ReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/otp/verify", VerifyOTPRequest{
		Email: "alice@example.com",
		Code:  "000000",
	}, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid credentials")
}

func TestOTP_Resend_KnownAccount_Accepted(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env, "/v1/auth/otp/resend", OTPRequest{Email: "alice@example.com"}, "")

	assert.Equal(t, http.StatusAccepted, w.Code)
}

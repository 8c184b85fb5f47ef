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
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trustgate/trustgate/internal/identity"
	"github.com/trustgate/trustgate/internal/observability/logger"
)

// LoginRequest represents login credentials
type LoginRequest struct {
	Email    string `json:"email" binding:"required" example:"user@example.com"`
	Password string `json:"password" binding:"required" example:"secret123"`
}

// Login handles delegated user login
// @Summary Login
// @Description Authenticate against the Users store and create a gateway session
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.identityService.Login(r.Context(), req.Email, req.Password, r.UserAgent(), getIPAddress(r))
	if err != nil {
		h.respondLoginError(w, r, err)
		return
	}

	h.setSessionCookie(w, result.SessionToken)

	respondJSON(w, http.StatusOK, map[string]any{
		"subject": result.Subject,
		"email":   result.Email,
	})
}

// Logout destroys the current session
// @Summary Logout
// @Description Revoke the session and the subject's refresh token families
// @Tags Auth
// @Produce json
// @Security CookieAuth
// @Success 200 {object} map[string]string
// @Router /v1/auth/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := h.getSessionFromCookie(r)
	if token != "" {
		if err := h.identityService.Logout(r.Context(), token); err != nil {
			slog.ErrorContext(r.Context(), "logout failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}

	h.clearSessionCookie(w)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "logged out successfully",
	})
}

// RefreshSession rotates the session credential
// @Summary Refresh Session
// @Description Rotate the session cookie; the previous token is invalidated
// @Tags Auth
// @Produce json
// @Security CookieAuth
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// @Router /v1/auth/refresh [post]
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	token := h.getSessionFromCookie(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	sess, newToken, err := h.identityService.RefreshSession(r.Context(), token, r.UserAgent(), getIPAddress(r))
	if err != nil {
		h.clearSessionCookie(w)
		respondError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}

	h.setSessionCookie(w, newToken)

	respondJSON(w, http.StatusOK, map[string]any{
		"subject":    sess.Subject,
		"expires_at": sess.ExpiresAt,
	})
}

// OTPRequest asks for a one-time login code
type OTPRequest struct {
	Email string `json:"email" binding:"required" example:"user@example.com"`
}

// SendOTP mails a one-time login code
// @Summary Send OTP
// @Description Ask the Users store to mail a one-time login code
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body OTPRequest true "Target address"
// @Success 202 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/auth/otp/send [post]
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	h.sendOTP(w, r, h.identityService.SendOTP)
}

// ResendOTP re-sends the one-time login code
// @Summary Resend OTP
// @Description Re-send the one-time login code
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body OTPRequest true "Target address"
// @Success 202 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/auth/otp/resend [post]
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	h.sendOTP(w, r, h.identityService.ResendOTP)
}

func (h *Handler) sendOTP(w http.ResponseWriter, r *http.Request, send func(ctx context.Context, email string) error) {
	var req OTPRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := send(r.Context(), req.Email); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidEmail):
			respondError(w, http.StatusBadRequest, "invalid email address")
		case errors.Is(err, identity.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, identity.ErrUsersStoreUnavailable):
			respondError(w, http.StatusServiceUnavailable, "authentication service unavailable")
		default:
			slog.ErrorContext(r.Context(), "otp send failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to send code")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "code sent",
	})
}

// VerifyOTPRequest exchanges a mailed code for a session
type VerifyOTPRequest struct {
	Email string `json:"email" binding:"required" example:"user@example.com"`
	Code  string `json:"code" binding:"required" example:"123456"`
}

// VerifyOTP exchanges a one-time code for a session
// @Summary Verify OTP
// @Description Exchange the mailed code for a gateway session
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body VerifyOTPRequest true "Email and code"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/auth/otp/verify [post]
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.identityService.VerifyOTP(r.Context(), req.Email, req.Code, r.UserAgent(), getIPAddress(r))
	if err != nil {
		h.respondLoginError(w, r, err)
		return
	}

	h.setSessionCookie(w, result.SessionToken)

	respondJSON(w, http.StatusOK, map[string]any{
		"subject": result.Subject,
		"email":   result.Email,
	})
}

// respondLoginError maps identity errors without leaking which check
// failed; credential problems collapse to one 401.
func (h *Handler) respondLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrUsersStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, "authentication service unavailable")
	default:
		slog.ErrorContext(r.Context(), "login failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "authentication failed")
	}
}

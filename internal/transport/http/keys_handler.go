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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trustgate/trustgate/internal/apikey"
	"github.com/trustgate/trustgate/internal/observability/logger"
)

// CreateKeyRequest is the body of POST /v1/keys. The key is always
// issued to the authenticated principal; owner fields are not part of
// the request.
type CreateKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// createdKeyResponse carries the plaintext credential. It is built only
// at create and rotate time and never from a stored record.
type createdKeyResponse struct {
	*apikey.Key
	Plaintext string `json:"key"`
}

// CreateKey issues a new API key
// @Summary Create API Key
// @Description Issues a new API key owned by the caller. The plaintext is returned exactly once.
// @Tags API Keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body CreateKeyRequest true "Key parameters"
// @Success 201 {object} createdKeyResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /v1/keys [post]
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, plaintext, err := h.keyService.Create(r.Context(), &apikey.CreateInput{
		Name:        req.Name,
		OwnerType:   apikey.OwnerUser,
		OwnerID:     principal.Subject,
		Scopes:      req.Scopes,
		OwnerScopes: principal.Scopes,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		respondKeyError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, &createdKeyResponse{Key: key, Plaintext: plaintext})
}

// ListKeys lists the caller's API keys
// @Summary List API Keys
// @Description Lists the keys owned by the caller. Hashes are never returned.
// @Tags API Keys
// @Security BearerAuth
// @Produce json
// @Success 200 {object} map[string][]apikey.Key
// @Failure 401 {object} map[string]string
// @Router /v1/keys [get]
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	keys, err := h.keyService.List(r.Context(), apikey.OwnerUser, principal.Subject)
	if err != nil {
		respondKeyError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*apikey.Key{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// GetKey shows one of the caller's API keys
// @Summary Get API Key
// @Description Returns one key owned by the caller. Foreign ids read as not found.
// @Tags API Keys
// @Security BearerAuth
// @Produce json
// @Param keyID path string true "Key ID"
// @Success 200 {object} apikey.Key
// @Failure 404 {object} map[string]string
// @Router /v1/keys/{keyID} [get]
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	key, err := h.keyService.Get(r.Context(), chi.URLParam(r, "keyID"), apikey.OwnerUser, principal.Subject)
	if err != nil {
		respondKeyError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, key)
}

// RotateKey replaces the credential of an API key
// @Summary Rotate API Key
// @Description Replaces the key's credential. The new plaintext is returned exactly once; id and scopes are unchanged.
// @Tags API Keys
// @Security BearerAuth
// @Produce json
// @Param keyID path string true "Key ID"
// @Success 200 {object} createdKeyResponse
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /v1/keys/{keyID}/rotate [post]
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	key, plaintext, err := h.keyService.Rotate(r.Context(), chi.URLParam(r, "keyID"), apikey.OwnerUser, principal.Subject)
	if err != nil {
		respondKeyError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, &createdKeyResponse{Key: key, Plaintext: plaintext})
}

// RevokeKey deactivates an API key
// @Summary Revoke API Key
// @Description Deactivates the key. Revoking an already revoked key succeeds.
// @Tags API Keys
// @Security BearerAuth
// @Produce json
// @Param keyID path string true "Key ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /v1/keys/{keyID} [delete]
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.keyService.Revoke(r.Context(), chi.URLParam(r, "keyID"), apikey.OwnerUser, principal.Subject); err != nil {
		respondKeyError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "key revoked"})
}

func respondKeyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apikey.ErrScopeExceedsOwner):
		respondError(w, http.StatusBadRequest, "requested scopes exceed owner scopes")
	case errors.Is(err, apikey.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apikey.ErrKeyNotFound):
		respondError(w, http.StatusNotFound, "key not found")
	case errors.Is(err, apikey.ErrKeyRevoked):
		respondError(w, http.StatusConflict, "key is revoked")
	default:
		slog.ErrorContext(r.Context(), "api key operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

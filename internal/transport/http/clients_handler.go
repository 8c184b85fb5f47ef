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

	"github.com/go-chi/chi/v5"

	"github.com/trustgate/trustgate/internal/oauth"
	"github.com/trustgate/trustgate/internal/observability/logger"
)

// registeredClientResponse carries the one-time secret for confidential
// clients. Public clients get an empty secret and the field is elided.
type registeredClientResponse struct {
	*oauth.Client
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient registers an OAuth client
// @Summary Register OAuth Client
// @Description Registers a client. For confidential clients the secret is returned exactly once.
// @Tags Clients
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body oauth.ClientRegistration true "Client registration"
// @Success 201 {object} registeredClientResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /v1/clients [post]
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var reg oauth.ClientRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	client, secret, err := h.oauthService.RegisterClient(r.Context(), &reg)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidRegistration) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "client registration failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusCreated, &registeredClientResponse{Client: client, ClientSecret: secret})
}

// GetClientMetadata returns client metadata without the secret
// @Summary Get OAuth Client
// @Description Returns client metadata. The secret hash never serializes.
// @Tags Clients
// @Security BearerAuth
// @Produce json
// @Param clientID path string true "Client ID"
// @Success 200 {object} oauth.Client
// @Failure 404 {object} map[string]string
// @Router /v1/clients/{clientID} [get]
func (h *Handler) GetClientMetadata(w http.ResponseWriter, r *http.Request) {
	client, err := h.oauthService.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, oauth.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "client not found")
			return
		}
		slog.ErrorContext(r.Context(), "client lookup failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, client)
}

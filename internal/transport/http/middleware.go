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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/authn"
	"github.com/trustgate/trustgate/internal/observability/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.InfoContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// RequestInfoMiddleware stores request-scoped identity (request id,
// hashed client IP, user agent) in the context. Audit entries and domain
// events stamp themselves from it, so the address itself never reaches a
// log line or the event stream. Must run after chi's RequestID.
func RequestInfoMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.NewContext(r.Context(), audit.RequestInfo{
				RequestID: middleware.GetReqID(r.Context()),
				IPHash:    audit.HashIP(getIPAddress(r)),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware answers browser preflights and marks allowed origins.
// Origins match exactly against the configured allow-list; requests from
// unlisted origins pass through without CORS headers, which the browser
// then blocks on its side.
func CORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-CSRF-Token, Accept, Origin, Cache-Control, X-Requested-With")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionAuth validates the browser session cookie and adds the session
// to the context. The authorization endpoint sits behind it: the flow
// must not mint codes for anonymous browsers.
func (h *Handler) SessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.getSessionFromCookie(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		sess, err := h.sessionService.Validate(r.Context(), token, r.UserAgent(), getIPAddress(r))
		if err != nil {
			h.clearSessionCookie(w)
			respondError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth performs dual-path request validation. A bearer token goes
// through introspection with local JWT verification as the degraded
// path; an X-API-Key header resolves through the key service. Exactly
// one credential kind is consulted per request, bearer first.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal *authn.Principal
		var err error

		switch {
		case r.Header.Get("Authorization") != "":
			token := bearerToken(r)
			if token == "" {
				respondError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}
			principal, err = h.validator.ValidateBearer(r.Context(), token)
		case r.Header.Get("X-API-Key") != "":
			principal, err = h.validator.ValidateAPIKey(r.Context(), r.Header.Get("X-API-Key"))
		default:
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if err != nil {
			if errors.Is(err, authn.ErrProjectScopeViolation) {
				respondError(w, http.StatusForbidden, "project scope not allowed")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		slog.DebugContext(r.Context(), "request authenticated",
			logger.Subject(principal.Subject),
			logger.AuthSource(principal.AuthSource),
		)

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route group on one scope of the authenticated
// principal. Must run after RequireAuth.
func RequireScope(scope string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				respondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !principal.HasScope(scope) {
				respondError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

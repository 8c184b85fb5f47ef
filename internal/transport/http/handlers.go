// @title TrustGate API
// @version 1.0.0
// @description Centralized authentication and identity gateway
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url http://www.swagger.io/support
// @contact.email support@swagger.io

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/trustgate/trustgate/internal/apikey"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/authn"
	"github.com/trustgate/trustgate/internal/cache"
	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/identity"
	"github.com/trustgate/trustgate/internal/oauth"
	"github.com/trustgate/trustgate/internal/session"
)

// DatabaseHealth probes the Gateway store.
type DatabaseHealth interface {
	Health(ctx context.Context) (time.Duration, error)
}

// OutboxStats reports the outbox backlog.
type OutboxStats interface {
	Stats(ctx context.Context) (event.Stats, error)
}

// HealthDeps are the probes behind GET /health.
type HealthDeps struct {
	Database DatabaseHealth
	Cache    *cache.Cache
	Outbox   OutboxStats
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	oauthService    *oauth.Service
	identityService *identity.Service
	sessionService  *session.Service
	keyService      *apikey.Service
	validator       *authn.Validator
	cache           *cache.Cache
	auditLogger     audit.Logger
	sessionConfig   SessionConfig
	health          HealthDeps
}

// SessionConfig holds session cookie configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite http.SameSite
	CookieMaxAge   int
}

// NewHandler creates a new HTTP handler
func NewHandler(
	oauthService *oauth.Service,
	identityService *identity.Service,
	sessionService *session.Service,
	keyService *apikey.Service,
	validator *authn.Validator,
	c *cache.Cache,
	auditLogger audit.Logger,
	sessionConfig SessionConfig,
	health HealthDeps,
) *Handler {
	return &Handler{
		oauthService:    oauthService,
		identityService: identityService,
		sessionService:  sessionService,
		keyService:      keyService,
		validator:       validator,
		cache:           c,
		auditLogger:     auditLogger,
		sessionConfig:   sessionConfig,
		health:          health,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rl *RateLimiter, window *cache.SlidingWindow, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestInfoMiddleware())
	r.Use(CORSMiddleware(allowedOrigins))
	r.Use(SlidingWindowMiddleware(window, h.sessionConfig.CookieName))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// OAuth2 protocol endpoints
	// Authorize requires an authenticated browser session (RFC 6749 Section 4.1.1)
	r.With(h.SessionAuth).Get("/authorize", h.Authorize)

	// Token and introspection carry an extra per-client bucket on top of
	// the shared window (RFC 6749 Section 4.1.3, RFC 7662)
	r.Group(func(r chi.Router) {
		r.Use(ClientRateLimitMiddleware(rl))
		r.Post("/token", h.Token)
		r.Post("/introspect", h.Introspect)
	})

	// Revocation (RFC 7009)
	r.Post("/revoke", h.Revoke)

	// API routes
	r.Route("/v1", func(r chi.Router) {
		// Interactive authentication (session cookie flows)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.Post("/refresh", h.RefreshSession)
			r.Route("/otp", func(r chi.Router) {
				r.Post("/send", h.SendOTP)
				r.Post("/verify", h.VerifyOTP)
				r.Post("/resend", h.ResendOTP)
			})
		})

		// Credential-protected resources (bearer token or API key)
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)

			r.Route("/keys", func(r chi.Router) {
				r.Post("/", h.CreateKey)
				r.Get("/", h.ListKeys)
				r.Get("/{keyID}", h.GetKey)
				r.Post("/{keyID}/rotate", h.RotateKey)
				r.Delete("/{keyID}", h.RevokeKey)
			})

			// Client registry is admin-scoped
			r.Route("/clients", func(r chi.Router) {
				r.Use(RequireScope(ScopeClientsAdmin))
				r.Post("/", h.RegisterClient)
				r.Get("/{clientID}", h.GetClientMetadata)
			})
		})
	})

	return r
}

// ScopeClientsAdmin gates the client registry endpoints.
const ScopeClientsAdmin = "clients:admin"

// healthStatus is the body of GET /health.
type healthStatus struct {
	Status   string         `json:"status"`
	Service  string         `json:"service"`
	Database databaseHealth `json:"database"`
	Cache    cacheHealth    `json:"cache"`
	Outbox   outboxHealth   `json:"outbox"`
}

type databaseHealth struct {
	Healthy   bool  `json:"healthy"`
	LatencyMS int64 `json:"latency_ms"`
}

type cacheHealth struct {
	Healthy bool `json:"healthy"`
}

type outboxHealth struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Reports Gateway store, cache and outbox health
// @Tags System
// @Produce json
// @Success 200 {object} healthStatus
// @Failure 503 {object} healthStatus
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := healthStatus{
		Status:  "healthy",
		Service: "trustgate",
	}

	latency, err := h.health.Database.Health(ctx)
	status.Database.Healthy = err == nil
	status.Database.LatencyMS = latency.Milliseconds()

	// The cache is best-effort: an unreachable or absent backend degrades
	// the report without failing the check.
	status.Cache.Healthy = h.health.Cache.Ping(ctx) == nil

	stats, statsErr := h.health.Outbox.Stats(ctx)
	if statsErr == nil {
		status.Outbox.Pending = stats.Pending
		status.Outbox.Failed = stats.Failed
	}

	code := http.StatusOK
	switch {
	case !status.Database.Healthy:
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !status.Cache.Healthy || statsErr != nil:
		status.Status = "degraded"
	}

	respondJSON(w, code, status)
}

// Helper functions
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionConfig.CookieName,
		Value:    token,
		Path:     h.sessionConfig.CookiePath,
		Domain:   h.sessionConfig.CookieDomain,
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: h.sessionConfig.CookieHTTPOnly,
		SameSite: h.sessionConfig.CookieSameSite,
		MaxAge:   h.sessionConfig.CookieMaxAge,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   h.sessionConfig.CookieName,
		Value:  "",
		Path:   h.sessionConfig.CookiePath,
		Domain: h.sessionConfig.CookieDomain,
		MaxAge: -1,
	})
}

func (h *Handler) getSessionFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(h.sessionConfig.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

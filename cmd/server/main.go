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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trustgate/trustgate/internal/apikey"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/authn"
	"github.com/trustgate/trustgate/internal/cache"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/event"
	"github.com/trustgate/trustgate/internal/forwarder"
	"github.com/trustgate/trustgate/internal/identity"
	"github.com/trustgate/trustgate/internal/oauth"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/observability/metrics"
	"github.com/trustgate/trustgate/internal/observability/tracing"
	"github.com/trustgate/trustgate/internal/session"
	"github.com/trustgate/trustgate/internal/store/postgres"
	"github.com/trustgate/trustgate/internal/store/supabase"
	transportHTTP "github.com/trustgate/trustgate/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting trustgate auth gateway")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			slog.Error("migration failed", logger.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		os.Exit(1)
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(1)
	}

	// Users store client; interactive login and user provisioning
	// delegate credential checks to it.
	users, err := supabase.New(cfg.UsersStore.URL, cfg.UsersStore.ServiceRoleKey, cfg.UsersStore.RequestTimeout)
	if err != nil {
		slog.Error("users store is not configured", logger.Error(err))
		os.Exit(1)
	}

	// Gateway store
	db, err := postgres.New(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		Schema:          cfg.Database.Schema,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database", slog.String("schema", db.Schema()))

	// Cache layer; an empty REDIS_ADDR leaves it in degraded mode
	c := cache.New(cache.Config{
		Addr:      cfg.Cache.Addr,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		KeyPrefix: cfg.Cache.KeyPrefix,
	})
	if !cfg.Cache.Enabled() {
		slog.Warn("no cache configured, running in degraded mode")
	}

	// Repositories; the oauth repositories get read-through cache
	// decorators in front of the durable store
	clientRepo := postgres.NewClientRepository(db)
	codeRepo := postgres.NewCodeRepository(db)
	refreshRepo := postgres.NewRefreshTokenRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)
	keyRepo := postgres.NewKeyRepository(db)
	eventRepo := postgres.NewEventRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	clients := cache.NewClientStore(clientRepo, c, 0)
	codes := cache.NewCodeStore(codeRepo, c)
	refresh := cache.NewRefreshStore(refreshRepo, c, 0)

	// Audit sink: every security event goes to slog and to the audit
	// table through a background drainer
	auditLogger := audit.NewPersistentLogger(postgres.NewAuditRepository(db))
	defer auditLogger.Close()

	// Domain event log with its transactional outbox
	eventService := event.NewService(eventRepo, event.DestinationUsersStore)
	if err := forwarder.RegisterOutboxGauges(meter, outboxRepo); err != nil {
		slog.Error("failed to register outbox gauges", logger.Error(err))
	}

	// Token signer
	signer, err := oauth.NewSigner([]byte(cfg.Token.Secret), cfg.Token.Issuer, cfg.Token.AccessTokenTTL)
	if err != nil {
		slog.Error("invalid token signer configuration", logger.Error(err))
		os.Exit(1)
	}

	// Initialize services
	oauthService := oauth.NewService(
		clients,
		codes,
		refresh,
		signer,
		eventService,
		db,
		auditLogger,
		cfg.Token.AuthCodeTTL,
		cfg.Token.RefreshTokenTTL,
	)
	sessionService := session.NewService(
		sessionRepo,
		c,
		eventService,
		db,
		auditLogger,
		cfg.Session.Lifetime,
		cfg.Session.IdleTimeout,
	)
	identityService := identity.NewService(
		users,
		sessionService,
		oauthService,
		eventService,
		db,
		auditLogger,
	)

	keyHasher, err := crypto.NewKeyHasher(
		cfg.APIKey.PBKDF2Iterations,
		cfg.APIKey.PBKDF2SaltLength,
		cfg.APIKey.PBKDF2KeyLength,
	)
	if err != nil {
		slog.Error("invalid api key hashing parameters", logger.Error(err))
		os.Exit(1)
	}
	keyService, err := apikey.NewService(
		keyRepo,
		keyHasher,
		eventService,
		db,
		auditLogger,
		cfg.APIKey.Prefix(cfg.Environment),
	)
	if err != nil {
		slog.Error("invalid api key configuration", logger.Error(err))
		os.Exit(1)
	}

	// Request validator: introspection is authoritative, local JWT
	// verification is the fallback, API keys are the second path
	validator := authn.NewValidator(
		authn.NewLocalIntrospector(oauthService),
		signer,
		keyService,
		authn.Policy{
			ProjectScopeRequired: cfg.ProjectScope.Required,
			AllowedProjectScopes: cfg.ProjectScope.Allowed,
		},
		auditLogger,
	)

	// Provision the bootstrap admin when configured. Failure is logged,
	// not fatal: the account may already exist from a previous start.
	if err := identityService.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
	}

	// Rate limiting: in-process bucket for /token and /introspect,
	// shared sliding window per route class
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	window := cache.NewSlidingWindow(c, cfg.RateLimit.WindowLimit, cfg.RateLimit.Window, auditLogger)

	// Configure SameSite mode
	sameSite := http.SameSiteLaxMode
	switch cfg.Session.CookieSameSite {
	case "Strict":
		sameSite = http.SameSiteStrictMode
	case "None":
		sameSite = http.SameSiteNoneMode
	}

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		oauthService,
		identityService,
		sessionService,
		keyService,
		validator,
		c,
		auditLogger,
		transportHTTP.SessionConfig{
			CookieName:     cfg.Session.CookieName,
			CookieDomain:   cfg.Session.CookieDomain,
			CookiePath:     cfg.Session.CookiePath,
			CookieSecure:   cfg.Session.CookieSecure,
			CookieHTTPOnly: cfg.Session.CookieHTTPOnly,
			CookieSameSite: sameSite,
			CookieMaxAge:   int(cfg.Session.Lifetime.Seconds()),
		},
		transportHTTP.HealthDeps{
			Database: db,
			Cache:    c,
			Outbox:   outboxRepo,
		},
	)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter, window, cfg.CORS.AllowedOrigins)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Hourly sweep of rows the request path only marks
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := codeRepo.DeleteExpired(sweepCtx); err != nil {
				slog.Error("failed to sweep expired authorization codes", logger.Error(err))
			}
			if _, err := sessionRepo.DeleteExpired(sweepCtx); err != nil {
				slog.Error("failed to sweep expired sessions", logger.Error(err))
			}
			if _, err := refreshRepo.DeleteExpired(sweepCtx); err != nil {
				slog.Error("failed to sweep expired refresh tokens", logger.Error(err))
			}
			if _, err := outboxRepo.DeleteSent(sweepCtx, 7*24*time.Hour); err != nil {
				slog.Error("failed to sweep sent outbox entries", logger.Error(err))
			}
			cancel()
		}
	}()

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		Schema:   cfg.Database.Schema,
		MaxConns: 2,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(ctx)
}

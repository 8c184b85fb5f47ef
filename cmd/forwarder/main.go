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

// The forwarder drains the transactional outbox and projects auth
// events to the Users store. It is safe to run several instances; the
// outbox claim is a locked, ordered lease.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/forwarder"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/observability/metrics"
	"github.com/trustgate/trustgate/internal/store/postgres"
	"github.com/trustgate/trustgate/internal/store/supabase"
)

// Exit codes. Missing Users store credentials gets its own code so
// orchestration can tell misconfiguration from a crash.
const (
	exitFailure            = 1
	exitMissingCredentials = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-forwarder",
	})
	slog.Info("starting trustgate outbox forwarder")

	// Preflight: without the projection target the forwarder would only
	// burn delivery attempts.
	users, err := supabase.New(cfg.UsersStore.URL, cfg.UsersStore.ServiceRoleKey, cfg.UsersStore.RequestTimeout)
	if err != nil {
		if errors.Is(err, supabase.ErrMissingCredentials) {
			slog.Error("users store credentials are not configured", logger.Error(err))
			os.Exit(exitMissingCredentials)
		}
		slog.Error("failed to build users store client", logger.Error(err))
		os.Exit(exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName+"-forwarder")
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(exitFailure)
	}

	// The gateway usually comes up alongside the database; retry the
	// first connection instead of crash-looping.
	var db *postgres.DB
	connect := func() error {
		var connErr error
		db, connErr = postgres.New(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			Schema:          cfg.Database.Schema,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		return connErr
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	notify := func(err error, next time.Duration) {
		slog.Warn("database not ready, retrying",
			logger.Error(err), slog.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(exitFailure)
	}
	defer db.Close()
	slog.Info("connected to database")

	fwd, err := forwarder.New(postgres.NewOutboxRepository(db), users, forwarder.Config{
		BatchSize:    cfg.Forwarder.BatchSize,
		PollInterval: cfg.Forwarder.PollInterval,
		ClaimLease:   cfg.Forwarder.ClaimLease,
		MaxAttempts:  cfg.Forwarder.MaxAttempts,
	}, meter)
	if err != nil {
		slog.Error("failed to build forwarder", logger.Error(err))
		os.Exit(exitFailure)
	}

	if err := fwd.Run(ctx); err != nil {
		slog.Error("forwarder stopped with error", logger.Error(err))
		os.Exit(exitFailure)
	}
	slog.Info("forwarder stopped")
}

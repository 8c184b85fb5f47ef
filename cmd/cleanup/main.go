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

// cleanup removes expired rows the request path only marks: spent and
// expired authorization codes, expired sessions and refresh tokens, and
// sent outbox entries past their retention window. Intended as a cron
// job; the server runs the same sweep hourly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/store/postgres"
)

func main() {
	retention := flag.Duration("outbox-retention", 7*24*time.Hour,
		"delete sent outbox entries older than this")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-cleanup",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		Schema:   cfg.Database.Schema,
		MaxConns: 2,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	failed := false
	sweep := func(name string, fn func(context.Context) (int64, error)) {
		n, err := fn(ctx)
		if err != nil {
			slog.Error("sweep failed", slog.String("sweep", name), logger.Error(err))
			failed = true
			return
		}
		slog.Info("sweep complete", slog.String("sweep", name), logger.RowsAffected(n))
	}

	sweep("authorization_codes", postgres.NewCodeRepository(db).DeleteExpired)
	sweep("sessions", postgres.NewSessionRepository(db).DeleteExpired)
	sweep("refresh_tokens", postgres.NewRefreshTokenRepository(db).DeleteExpired)
	sweep("outbox_sent", func(ctx context.Context) (int64, error) {
		return postgres.NewOutboxRepository(db).DeleteSent(ctx, *retention)
	})

	if failed {
		os.Exit(1)
	}
}

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

// migrate applies the Gateway store schema. It is idempotent and safe
// to run on every deploy; the server also accepts a "migrate"
// subcommand that does the same thing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-migrate",
	})

	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		URL:    cfg.Database.URL,
		Schema: cfg.Database.Schema,
		// Migrations need one connection; keep the pool minimal.
		MaxConns: 2,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("applying migrations", slog.String("schema", db.Schema()))
	if err := db.Migrate(ctx); err != nil {
		slog.Error("migration failed", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("migrations applied")
}

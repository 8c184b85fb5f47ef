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

// Package postgres implements the Gateway store: every repository the
// domain packages declare, backed by one pgx pool. All tables live in a
// single schema (default "gateway") pinned through the connection's
// search_path, so several deployments can share a physical database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when no DATABASE_SCHEMA is configured.
const DefaultSchema = "gateway"

// Config holds Gateway store connection settings.
type Config struct {
	// URL is a pgx connection string (DATABASE_URL).
	URL string
	// Schema scopes every table; created by the migrator.
	Schema string
	// Pool sizing; zero values keep pgx defaults.
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// DB wraps the pgx connection pool.
type DB struct {
	pool   *pgxpool.Pool
	schema string
}

// New connects the pool and verifies the connection.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	schema := cfg.Schema
	if schema == "" {
		schema = DefaultSchema
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{pool: pool, schema: schema}, nil
}

// Close closes the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the underlying pool for startup wiring.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Schema returns the schema this store is scoped to.
func (db *DB) Schema() string {
	return db.schema
}

// Health reports reachability and round-trip latency for the health
// endpoint.
func (db *DB) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := db.pool.Ping(ctx); err != nil {
		return 0, fmt.Errorf("database health: %w", err)
	}
	return time.Since(start), nil
}

type txKey struct{}

// WithTx runs fn inside a transaction. A context that already carries a
// transaction joins it, so service-level transactions compose with the
// event store's own atomic append.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// querier is the statement surface shared by the pool and a transaction.
// Repositories resolve it per call, which is what lets their methods
// join a caller's transaction transparently.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) querier(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db.pool
}

// rowScanner is satisfied by pgx.Row and pgx.Rows, so one scan helper
// serves both single-row and multi-row reads.
type rowScanner interface {
	Scan(dest ...any) error
}

// uniqueViolation reports whether err is a unique-constraint violation,
// optionally on one named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

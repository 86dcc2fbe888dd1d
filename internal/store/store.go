// Package store implements the engine-owned durable backing for entity
// kinds the external Repository contract does not cover: tenant records,
// usage metrics, audit records, factor definitions/returns/exposures/
// covariances, and the cache's tier-2 table. A single *sql.DB with WAL
// mode and busy-timeout PRAGMA tuning, on modernc.org/sqlite (pure Go, no
// cgo).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store wraps the engine's single SQLite handle plus the schema every
// component in internal/store/*.go operates against.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Config configures the connection.
type Config struct {
	Path string // file path, or ":memory:" for tests
}

// Open opens (creating if necessary) the durable store and applies the
// WAL/PRAGMA tuning: durability matters here (audit, tenant counters)
// more than raw throughput.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// Each pooled connection to :memory: would otherwise get its own
		// private database, losing the schema the first one created.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection is reachable, for the operator /healthz
// surface.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			max_portfolios INTEGER NOT NULL,
			max_api_requests_per_minute INTEGER NOT NULL,
			max_concurrent_calcs INTEGER NOT NULL,
			max_cache_bytes INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_metrics (
			tenant_id TEXT PRIMARY KEY,
			api_requests INTEGER NOT NULL DEFAULT 0,
			active_calculations INTEGER NOT NULL DEFAULT 0,
			cache_bytes INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL,
			FOREIGN KEY(tenant_id) REFERENCES tenants(id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			parameters_hash TEXT NOT NULL,
			result_hash TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			actor TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records(tenant_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_result_hash ON audit_records(result_hash)`,
		`CREATE TABLE IF NOT EXISTS factors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS factor_returns (
			factor_id TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			period_end INTEGER NOT NULL,
			return_value REAL NOT NULL,
			PRIMARY KEY (factor_id, period_start, period_end)
		)`,
		`CREATE TABLE IF NOT EXISTS factor_exposures (
			security_id TEXT NOT NULL,
			factor_id TEXT NOT NULL,
			as_of INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (security_id, factor_id, as_of)
		)`,
		`CREATE TABLE IF NOT EXISTS factor_covariances (
			as_of INTEGER NOT NULL,
			factor_ids TEXT NOT NULL,
			matrix BLOB NOT NULL,
			PRIMARY KEY (as_of)
		)`,
		`CREATE TABLE IF NOT EXISTS cache_tier2 (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// unixNow is a small indirection so tests can reason about it without
// calling time.Now() directly inside SQL-adjacent code paths.
func unixNow() int64 { return time.Now().Unix() }

// execContext exposes the raw handle to the other files of this package
// (tenant_store.go, audit_store.go, factor_store.go, cache_tier2.go)
// without making DB public.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

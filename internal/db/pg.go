// Package db owns the PostgreSQL connection pool and the documents/events
// schema. The events table's BIGSERIAL primary key is the authoritative
// version source for every workspace.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT        NOT NULL,
	workspace_id    TEXT        NOT NULL,
	collection_name TEXT        NOT NULL,
	path            TEXT        NOT NULL,
	owner_id        TEXT        NOT NULL,
	data            JSONB,
	version         BIGINT      NOT NULL,
	deleted_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, path)
);

CREATE TABLE IF NOT EXISTS events (
	version      BIGSERIAL   PRIMARY KEY,
	id           TEXT        NOT NULL,
	doc_id       TEXT        NOT NULL,
	workspace_id TEXT        NOT NULL,
	event_type   TEXT        NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_doc_id     ON events (doc_id);
CREATE INDEX IF NOT EXISTS idx_events_workspace  ON events (workspace_id, version);
CREATE INDEX IF NOT EXISTS idx_documents_path    ON documents (path);
CREATE INDEX IF NOT EXISTS idx_documents_listing ON documents (workspace_id, collection_name) WHERE deleted_at IS NULL;
`

// Migrate creates the documents and events tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	log.Info().Msg("schema migrated")
	return nil
}

// Reset drops and recreates the schema. Exposed only through the guarded
// admin endpoint.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS documents; DROP TABLE IF EXISTS events;`); err != nil {
		return err
	}
	if err := Migrate(ctx, pool); err != nil {
		return err
	}
	log.Warn().Msg("schema reset: all documents and events truncated")
	return nil
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the relational tables the pipeline needs. The vector
// table is owned by the pgvector store and created there.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	title TEXT,
	summary TEXT,
	year INTEGER,
	tags TEXT[] NOT NULL DEFAULT '{}',
	file_key TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_type TEXT NOT NULL DEFAULT '',
	converter TEXT NOT NULL,
	summary_model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	is_failed BOOLEAN NOT NULL DEFAULT FALSE,
	no_of_chunks INTEGER NOT NULL DEFAULT 0,
	task_id TEXT NOT NULL DEFAULT '',
	generation BIGINT NOT NULL DEFAULT 0,
	owner_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE documents ADD COLUMN IF NOT EXISTS generation BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS document_full_texts (
	document_id BIGINT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	extraction_error TEXT,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_status_history (
	document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	reached_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, status)
);

CREATE TABLE IF NOT EXISTS tags (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

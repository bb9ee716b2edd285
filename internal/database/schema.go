package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Application schema. River's own tables are managed by rivermigrate, see
// MigrateQueue.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		id UUID PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE,
		name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS watched_actors (
		actor_id BIGINT PRIMARY KEY,
		username TEXT,
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS watch_relations (
		group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		actor_id BIGINT NOT NULL REFERENCES watched_actors(actor_id) ON DELETE CASCADE,
		added_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (group_id, actor_id)
	)`,
	`CREATE INDEX IF NOT EXISTS watch_relations_actor_idx ON watch_relations (actor_id)`,
	`CREATE TABLE IF NOT EXISTS subscription_state (
		id BIGSERIAL PRIMARY KEY,
		external_handle TEXT NOT NULL UNIQUE,
		callback_url TEXT NOT NULL,
		webhook_name TEXT NOT NULL,
		filter_set BIGINT[] NOT NULL DEFAULT '{}',
		min_score DOUBLE PRECISION,
		min_amount_usd DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS reconcile_job_status (
		job_id BIGINT PRIMARY KEY,
		progress SMALLINT NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT 'queued',
		result JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS group_activity (
		id UUID PRIMARY KEY,
		group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		actor_id BIGINT NOT NULL,
		chain_id BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		sell_token TEXT NOT NULL,
		buy_token TEXT NOT NULL,
		sell_amount TEXT NOT NULL,
		buy_amount TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the application tables if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

// MigrateQueue applies River's queue schema.
func MigrateQueue(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to set up queue migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return len(res.Versions), nil
}

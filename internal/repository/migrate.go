package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blocked_ranges (
		id BIGSERIAL PRIMARY KEY,
		property_id TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('BOOKING', 'HOLD', 'EXTERNAL_FEED')),
		source_ref TEXT NOT NULL,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (start_at < end_at)
	)`,
	`CREATE INDEX IF NOT EXISTS blocked_ranges_property_start ON blocked_ranges (property_id, start_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS blocked_ranges_reserved_ref ON blocked_ranges (source_ref) WHERE source IN ('BOOKING', 'HOLD')`,
	`CREATE INDEX IF NOT EXISTS blocked_ranges_holds ON blocked_ranges (created_at) WHERE source = 'HOLD'`,
	`CREATE TABLE IF NOT EXISTS property_sync (
		property_id TEXT PRIMARY KEY,
		last_external_sync_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS external_feeds (
		property_id TEXT NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		last_sync_at TIMESTAMPTZ,
		last_attempt_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		event_count INT NOT NULL DEFAULT 0,
		consecutive_failures INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (property_id, url)
	)`,
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

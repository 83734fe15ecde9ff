package repository

import (
	"context"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/service/feedsync"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const feedColumns = `property_id, url, status, last_sync_at, last_attempt_at, last_error, event_count, consecutive_failures, created_at`

type PGFeedRepository struct {
	db *pgxpool.Pool
}

func NewFeedRepository(db *pgxpool.Pool) feedsync.FeedRepository {
	return &PGFeedRepository{db: db}
}

func scanFeed(row pgx.Row) (domain.ExternalFeed, error) {
	var f domain.ExternalFeed
	err := row.Scan(&f.PropertyID, &f.URL, &f.Status, &f.LastSyncAt, &f.LastAttemptAt, &f.LastError, &f.EventCount, &f.ConsecutiveFailures, &f.CreatedAt)
	return f, err
}

func (r *PGFeedRepository) Upsert(ctx context.Context, feed domain.ExternalFeed) (domain.ExternalFeed, error) {
	// the no-op update makes RETURNING yield the existing row on conflict
	row := r.db.QueryRow(ctx, `INSERT INTO external_feeds (property_id, url, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (property_id, url) DO UPDATE SET url = EXCLUDED.url
		RETURNING `+feedColumns, feed.PropertyID, feed.URL, feed.Status, feed.CreatedAt)
	return scanFeed(row)
}

func (r *PGFeedRepository) ListByProperty(ctx context.Context, propertyID string) ([]domain.ExternalFeed, error) {
	rows, err := r.db.Query(ctx, `SELECT `+feedColumns+` FROM external_feeds WHERE property_id=$1 ORDER BY created_at, url`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	feeds := make([]domain.ExternalFeed, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func (r *PGFeedRepository) ListDue(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT property_id FROM external_feeds WHERE last_sync_at IS NULL OR last_sync_at < $1 ORDER BY property_id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PGFeedRepository) UpdateSyncState(ctx context.Context, feed domain.ExternalFeed) error {
	_, err := r.db.Exec(ctx, `UPDATE external_feeds
		SET status=$3, last_sync_at=$4, last_attempt_at=$5, last_error=$6, event_count=$7, consecutive_failures=$8
		WHERE property_id=$1 AND url=$2`,
		feed.PropertyID, feed.URL, feed.Status, feed.LastSyncAt, feed.LastAttemptAt, feed.LastError, feed.EventCount, feed.ConsecutiveFailures)
	return err
}

var _ feedsync.FeedRepository = (*PGFeedRepository)(nil)

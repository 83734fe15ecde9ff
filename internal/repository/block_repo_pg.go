package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const blockColumns = `property_id, source, source_ref, start_at, end_at, reason, created_at`

type PGBlockRepository struct {
	db *pgxpool.Pool
}

func NewBlockRepository(db *pgxpool.Pool) *PGBlockRepository {
	return &PGBlockRepository{db: db}
}

func (r *PGBlockRepository) LoadProperty(ctx context.Context, propertyID string) ([]domain.BlockedRange, *time.Time, error) {
	rows, err := r.db.Query(ctx, `SELECT `+blockColumns+` FROM blocked_ranges WHERE property_id=$1 ORDER BY start_at`, propertyID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	ranges := make([]domain.BlockedRange, 0)
	for rows.Next() {
		var b domain.BlockedRange
		if err := rows.Scan(&b.PropertyID, &b.Source, &b.SourceRef, &b.Interval.Start, &b.Interval.End, &b.Reason, &b.CreatedAt); err != nil {
			return nil, nil, err
		}
		b.Interval.Start = b.Interval.Start.UTC()
		b.Interval.End = b.Interval.End.UTC()
		ranges = append(ranges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var synced time.Time
	err = r.db.QueryRow(ctx, `SELECT last_external_sync_at FROM property_sync WHERE property_id=$1`, propertyID).Scan(&synced)
	if errors.Is(err, pgx.ErrNoRows) {
		return ranges, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return ranges, &synced, nil
}

func (r *PGBlockRepository) InsertRange(ctx context.Context, b domain.BlockedRange) error {
	_, err := r.db.Exec(ctx, `INSERT INTO blocked_ranges (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.PropertyID, b.Source, b.SourceRef, b.Interval.Start, b.Interval.End, b.Reason, b.CreatedAt)
	return err
}

func (r *PGBlockRepository) DeleteBySourceRef(ctx context.Context, propertyID, ref string) (int64, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM blocked_ranges WHERE property_id=$1 AND source_ref=$2`, propertyID, ref)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (r *PGBlockRepository) UpdateSource(ctx context.Context, propertyID, ref string, source domain.Source) error {
	res, err := r.db.Exec(ctx, `UPDATE blocked_ranges SET source=$3 WHERE property_id=$1 AND source_ref=$2 AND source IN ('BOOKING', 'HOLD')`, propertyID, ref, source)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	return nil
}

// ReplaceRange moves a reservation to new dates in one transaction.
func (r *PGBlockRepository) ReplaceRange(ctx context.Context, propertyID, ref string, next domain.BlockedRange) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `DELETE FROM blocked_ranges WHERE property_id=$1 AND source_ref=$2 AND source IN ('BOOKING', 'HOLD')`, propertyID, ref)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO blocked_ranges (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		next.PropertyID, next.Source, next.SourceRef, next.Interval.Start, next.Interval.End, next.Reason, next.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReplaceExternal swaps the EXTERNAL_FEED rows of a property in one transaction. property_sync
// is only touched when syncedAt is set.
func (r *PGBlockRepository) ReplaceExternal(ctx context.Context, propertyID string, ranges []domain.BlockedRange, syncedAt *time.Time) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM blocked_ranges WHERE property_id=$1 AND source=$2`, propertyID, domain.SourceExternalFeed); err != nil {
		return err
	}

	if len(ranges) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"blocked_ranges"},
			[]string{"property_id", "source", "source_ref", "start_at", "end_at", "reason", "created_at"},
			pgx.CopyFromSlice(len(ranges), func(i int) ([]any, error) {
				b := ranges[i]
				return []any{b.PropertyID, string(b.Source), b.SourceRef, b.Interval.Start, b.Interval.End, b.Reason, b.CreatedAt}, nil
			}),
		)
		if err != nil {
			return err
		}
	}

	if syncedAt != nil {
		if _, err := tx.Exec(ctx, `INSERT INTO property_sync (property_id, last_external_sync_at) VALUES ($1, $2)
		ON CONFLICT (property_id) DO UPDATE SET last_external_sync_at = EXCLUDED.last_external_sync_at`, propertyID, *syncedAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PGBlockRepository) LookupRef(ctx context.Context, ref string) (string, error) {
	var propertyID string
	err := r.db.QueryRow(ctx, `SELECT property_id FROM blocked_ranges WHERE source_ref=$1 AND source IN ('BOOKING', 'HOLD') LIMIT 1`, ref).Scan(&propertyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	if err != nil {
		return "", err
	}
	return propertyID, nil
}

func (r *PGBlockRepository) PropertiesWithHoldsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT property_id FROM blocked_ranges WHERE source=$1 AND created_at < $2 ORDER BY property_id`, domain.SourceHold, cutoff)
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

var _ availability.Store = (*PGBlockRepository)(nil)

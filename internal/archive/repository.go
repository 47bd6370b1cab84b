package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores archive records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores rec. Inserting the same session twice is a no-op so retried jobs stay idempotent.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_archives (id, session_id, code, created_at, ended_at, current_slide, total_slides,
			peak_devices, commands_total, close_reason, content_key, content_bytes, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.Code, rec.CreatedAt, rec.EndedAt, rec.CurrentSlide, rec.TotalSlides,
		rec.PeakDevices, rec.CommandsTotal, rec.Reason, rec.ContentKey, rec.ContentBytes, rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

// ListByCode returns the most recent runs of a session code, newest first.
func (r *Repository) ListByCode(ctx context.Context, code string, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, code, created_at, ended_at, current_slide, total_slides, peak_devices,
			commands_total, close_reason, content_key, content_bytes, archived_at
		FROM session_archives WHERE code = $1 ORDER BY ended_at DESC LIMIT $2`, code, limit)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.SessionID, &rec.Code, &rec.CreatedAt, &rec.EndedAt, &rec.CurrentSlide,
			&rec.TotalSlides, &rec.PeakDevices, &rec.CommandsTotal, &rec.Reason, &rec.ContentKey,
			&rec.ContentBytes, &rec.ArchivedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan archives: %w", err)
	}
	return list, nil
}

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the append-only audit_logs table.
type Repository interface {
	TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error)
	TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error)
}

// PGRepository implements Repository on a pgx pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timelineQuery = `
	SELECT occurred_at, actor_id, action, entity, entity_id, COALESCE(ip::text, ''), meta
	FROM audit_logs
	WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
	  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
	  AND ($3::bigint IS NULL OR actor_id = $3)
	  AND ($4::text IS NULL OR entity = $4)
	  AND ($5::text IS NULL OR action = $5)
	ORDER BY occurred_at DESC, id DESC`

// TimelineWindow returns one page of matching events, newest first.
func (r *PGRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineQuery+` OFFSET $6 LIMIT $7`,
		nullTime(filters.From), nullTime(filters.To), nullID(filters.ActorID),
		nullText(filters.Entity), nullText(filters.Action), offset, limit)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

// TimelineAll returns every matching event for exports.
func (r *PGRepository) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineQuery,
		nullTime(filters.From), nullTime(filters.To), nullID(filters.ActorID),
		nullText(filters.Entity), nullText(filters.Action))
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

func scanTimeline(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var meta []byte
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity,
			&row.EntityID, &row.IP, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			row.Meta = json.RawMessage(meta)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Repository = (*PGRepository)(nil)

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TimelineFilters narrows the audit trail query. Zero values mean no filter.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one entry of the audit trail.
type TimelineRow struct {
	At        time.Time
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Changeset map[string]any
}

// PagingInfo describes the window a timeline query returned.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}

// Repository reads the audit trail from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) window(ctx context.Context, f TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT occurred_at, actor_id, action, entity, entity_id, changeset
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at < $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR entity = $4)
		  AND ($5 = '' OR action = $5)
		ORDER BY occurred_at DESC
		OFFSET $6 LIMIT $7`,
		nullTime(f.From), nullTime(f.To), f.Actor, f.Entity, f.Action, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline query: %w", err)
	}
	defer rows.Close()
	var result []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var changeset []byte
		if err := rows.Scan(&row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &changeset); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(changeset) > 0 {
			if err := json.Unmarshal(changeset, &row.Changeset); err != nil {
				return nil, fmt.Errorf("audit: decode changeset: %w", err)
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Service coordinates audit trail reads.
type Service struct {
	repo *Repository
}

// NewService constructs the audit service.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of the trail, newest first. The page size is
// clamped to 50; one extra row is fetched to detect a next page.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

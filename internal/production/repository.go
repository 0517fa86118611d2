package production

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/platform/db"
	"github.com/atelier-erp/atelier/internal/stock"
)

// Repository persists productions and published items in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productionColumns = `id, name, status, scope_kind, scope_location_id, policy, materials,
output_qty::text, is_publishing, is_published, is_closed, published_item_id, breakdown, created_at, updated_at`

type materialRow struct {
	ItemID   uuid.UUID       `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Insert stores a new production in draft.
func (r *Repository) Insert(ctx context.Context, p Production) error {
	materials, err := marshalMaterials(p.Materials)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO productions
(id, name, status, scope_kind, scope_location_id, policy, materials, output_qty, is_publishing, is_published, is_closed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, false, false, false, $9, $9)`,
		p.ID, p.Name, string(p.Status), string(p.Scope.Kind), nullUUID(p.Scope.LocationID),
		string(p.Policy), materials, p.OutputQuantity.String(), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("production: insert: %w", err)
	}
	return r.appendHistory(ctx, r.pool, p.ID, HistoryEntry{Status: p.Status, Note: "created", OccurredAt: p.CreatedAt})
}

// Get returns one production with its state history.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Production, error) {
	p, err := scanProduction(r.pool.QueryRow(ctx, `SELECT `+productionColumns+` FROM productions WHERE id=$1`, id))
	if err != nil {
		return Production{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT status, note, occurred_at FROM production_history WHERE production_id=$1 ORDER BY occurred_at ASC`, id)
	if err != nil {
		return Production{}, fmt.Errorf("production: history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry HistoryEntry
		var status string
		if err := rows.Scan(&status, &entry.Note, &entry.OccurredAt); err != nil {
			return Production{}, fmt.Errorf("production: scan history: %w", err)
		}
		entry.Status = Status(status)
		p.History = append(p.History, entry)
	}
	return p, rows.Err()
}

// UpdateStatus moves the production through its lifecycle and logs the step.
// Closed productions are immutable.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, note string, now time.Time) error {
	return db.WithRetry(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE productions SET status=$2, updated_at=$3 WHERE id=$1 AND is_closed=false`,
			id, string(status), now)
		if err != nil {
			return fmt.Errorf("production: update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrProductionNotFound
		}
		return r.appendHistory(ctx, tx, id, HistoryEntry{Status: status, Note: note, OccurredAt: now})
	})
}

// AcquirePublishLock is the linearization point of the publish workflow. It
// reads the production under a row lock and sets is_publishing only when the
// pre-read flags allow it, so exactly one caller wins a race. A production
// that is already published is returned untouched, without an error, for the
// idempotent path.
func (r *Repository) AcquirePublishLock(ctx context.Context, id uuid.UUID, now time.Time) (Production, error) {
	var acquired Production
	err := db.WithRetry(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := scanProduction(tx.QueryRow(ctx, `SELECT `+productionColumns+` FROM productions WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if p.IsPublished {
			if p.PublishedItemID == uuid.Nil {
				return ErrInconsistentState
			}
			acquired = p
			return nil
		}
		if p.IsPublishing {
			return ErrAlreadyPublishing
		}
		if p.Status != StatusReady {
			return fmt.Errorf("%w: status %s", ErrNotReady, p.Status)
		}
		if _, err := tx.Exec(ctx, `UPDATE productions SET is_publishing=true, updated_at=$2 WHERE id=$1`, id, now); err != nil {
			return fmt.Errorf("production: acquire lock: %w", err)
		}
		p.IsPublishing = true
		acquired = p
		return nil
	})
	if err != nil {
		return Production{}, err
	}
	return acquired, nil
}

// ReleasePublishLock resets only the mutual-exclusion flag. It never touches
// is_published or is_closed, so a failed publish can be retried.
func (r *Repository) ReleasePublishLock(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE productions SET is_publishing=false, updated_at=$2 WHERE id=$1`, id, now)
	if err != nil {
		return fmt.Errorf("production: release lock: %w", err)
	}
	return nil
}

// InsertItem materializes the sellable good produced by a publish.
func (r *Repository) InsertItem(ctx context.Context, item Item) error {
	images, err := json.Marshal(item.Images)
	if err != nil {
		return fmt.Errorf("production: marshal images: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO items (id, name, reference_code, images, cost_price, selling_price, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
		item.ID, item.Name, item.ReferenceCode, images, item.CostPrice.String(), item.SellingPrice.String(), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("production: insert item: %w", err)
	}
	return nil
}

// GetItem returns a published item, used by the idempotent publish path.
func (r *Repository) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	var item Item
	var images []byte
	var costStr, priceStr string
	err := r.pool.QueryRow(ctx, `SELECT id, name, reference_code, images, cost_price::text, selling_price::text, created_at
FROM items WHERE id=$1`, id).
		Scan(&item.ID, &item.Name, &item.ReferenceCode, &images, &costStr, &priceStr, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrProductionNotFound
		}
		return Item{}, fmt.Errorf("production: get item: %w", err)
	}
	if err := json.Unmarshal(images, &item.Images); err != nil {
		return Item{}, fmt.Errorf("production: unmarshal images: %w", err)
	}
	if item.CostPrice, err = decimal.NewFromString(costStr); err != nil {
		return Item{}, fmt.Errorf("production: parse cost price: %w", err)
	}
	if item.SellingPrice, err = decimal.NewFromString(priceStr); err != nil {
		return Item{}, fmt.Errorf("production: parse selling price: %w", err)
	}
	return item, nil
}

// Close finishes a publish in one commit: the production becomes closed and
// published, the lock drops, the item link and consumption breakdown are
// attached, and the final history entry is appended.
func (r *Repository) Close(ctx context.Context, id uuid.UUID, itemID uuid.UUID, breakdown []ledger.BatchPortion, now time.Time) error {
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("production: marshal breakdown: %w", err)
	}
	return db.WithRetry(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE productions
SET status=$2, is_closed=true, is_published=true, is_publishing=false, published_item_id=$3, breakdown=$4, updated_at=$5
WHERE id=$1 AND is_publishing=true`,
			id, string(StatusClosed), itemID, breakdownJSON, now)
		if err != nil {
			return fmt.Errorf("production: close: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrProductionNotFound
		}
		return r.appendHistory(ctx, tx, id, HistoryEntry{Status: StatusClosed, Note: "published", OccurredAt: now})
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *Repository) appendHistory(ctx context.Context, q execer, productionID uuid.UUID, entry HistoryEntry) error {
	_, err := q.Exec(ctx, `INSERT INTO production_history (production_id, status, note, occurred_at) VALUES ($1, $2, $3, $4)`,
		productionID, string(entry.Status), entry.Note, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("production: append history: %w", err)
	}
	return nil
}

func scanProduction(row pgx.Row) (Production, error) {
	var (
		p         Production
		status    string
		kind      string
		loc       *uuid.UUID
		policy    string
		materials []byte
		outputStr string
		itemID    *uuid.UUID
		breakdown []byte
	)
	err := row.Scan(&p.ID, &p.Name, &status, &kind, &loc, &policy, &materials,
		&outputStr, &p.IsPublishing, &p.IsPublished, &p.IsClosed, &itemID, &breakdown, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Production{}, ErrProductionNotFound
		}
		return Production{}, fmt.Errorf("production: scan: %w", err)
	}
	p.Status = Status(status)
	p.Scope = ledger.Scope{Kind: ledger.ScopeKind(kind)}
	if loc != nil {
		p.Scope.LocationID = *loc
	}
	p.Policy = stock.Policy(policy)
	if itemID != nil {
		p.PublishedItemID = *itemID
	}
	var rows []materialRow
	if err := json.Unmarshal(materials, &rows); err != nil {
		return Production{}, fmt.Errorf("production: unmarshal materials: %w", err)
	}
	for _, m := range rows {
		p.Materials = append(p.Materials, Material{ItemID: m.ItemID, Quantity: m.Quantity})
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &p.Breakdown); err != nil {
			return Production{}, fmt.Errorf("production: unmarshal breakdown: %w", err)
		}
	}
	if p.OutputQuantity, err = decimal.NewFromString(outputStr); err != nil {
		return Production{}, fmt.Errorf("production: parse output quantity: %w", err)
	}
	return p, nil
}

func marshalMaterials(materials []Material) ([]byte, error) {
	rows := make([]materialRow, 0, len(materials))
	for _, m := range materials {
		rows = append(rows, materialRow{ItemID: m.ItemID, Quantity: m.Quantity})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("production: marshal materials: %w", err)
	}
	return data, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/platform/db"
)

// Repository persists batches and change records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxStore exposes the transactional ledger operations. A batch mutation and
// its change record are always issued through the same TxStore so they commit
// together or not at all.
type TxStore interface {
	CreateBatch(ctx context.Context, batch StockBatch) error
	EligibleBatches(ctx context.Context, itemID uuid.UUID, itemType ItemType, scope Scope) ([]StockBatch, error)
	BatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]StockBatch, error)
	AdjustBatch(ctx context.Context, batchID uuid.UUID, newRemaining decimal.Decimal) error
	AppendChange(ctx context.Context, record ChangeRecord) error
	AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ItemType, scope Scope) (decimal.Decimal, error)
}

type txStore struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction, retrying serialization
// conflicts a bounded number of times before surfacing db.ErrTxConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil {
		return errors.New("ledger: repository not initialised")
	}
	return db.WithRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

const batchColumns = `id, item_id, item_type, quantity::text, remaining_qty::text, unit_cost::text,
status, scope_kind, scope_location_id, supplier_id, own_purchase, credit, created_at`

func (s *txStore) CreateBatch(ctx context.Context, batch StockBatch) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO stock_batches
(id, item_id, item_type, quantity, remaining_qty, unit_cost, status, scope_kind, scope_location_id, supplier_id, own_purchase, credit, created_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13)`,
		batch.ID, batch.ItemID, string(batch.ItemType),
		batch.Quantity.String(), batch.Remaining.String(), batch.UnitCost.String(),
		string(batch.Status), string(batch.Scope.Kind), nullUUID(batch.Scope.LocationID),
		nullUUID(batch.Provenance.SupplierID), batch.Provenance.OwnPurchase, batch.Provenance.Credit,
		batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: create batch: %w", err)
	}
	return nil
}

// EligibleBatches returns the active batches of one item within one scope,
// ordered by created_at then id, locked for update for the rest of the tx.
func (s *txStore) EligibleBatches(ctx context.Context, itemID uuid.UUID, itemType ItemType, scope Scope) ([]StockBatch, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+batchColumns+`
FROM stock_batches
WHERE item_id=$1 AND item_type=$2 AND status=$3 AND scope_kind=$4 AND scope_location_id IS NOT DISTINCT FROM $5
ORDER BY created_at ASC, id ASC
FOR UPDATE`,
		itemID, string(itemType), string(BatchActive), string(scope.Kind), nullUUID(scope.LocationID))
	if err != nil {
		return nil, fmt.Errorf("ledger: eligible batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *txStore) BatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]StockBatch, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+batchColumns+`
FROM stock_batches
WHERE id = ANY($1)
ORDER BY created_at ASC, id ASC
FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: batches by ids: %w", err)
	}
	defer rows.Close()
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) != len(ids) {
		return nil, ErrBatchNotFound
	}
	return batches, nil
}

// AdjustBatch sets a batch's remaining quantity. The status is derived here,
// never passed in, so the two cannot drift apart.
func (s *txStore) AdjustBatch(ctx context.Context, batchID uuid.UUID, newRemaining decimal.Decimal) error {
	if newRemaining.IsNegative() {
		return ErrNegativeRemaining
	}
	tag, err := s.tx.Exec(ctx, `UPDATE stock_batches
SET remaining_qty=$2::numeric, status=$3
WHERE id=$1 AND quantity >= $2::numeric`,
		batchID, newRemaining.String(), string(StatusFor(newRemaining)))
	if err != nil {
		return fmt.Errorf("ledger: adjust batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a credit past the lot size.
		var exceeds bool
		err := s.tx.QueryRow(ctx, `SELECT quantity < $2::numeric FROM stock_batches WHERE id=$1`,
			batchID, newRemaining.String()).Scan(&exceeds)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBatchNotFound
		}
		if err != nil {
			return fmt.Errorf("ledger: adjust batch: %w", err)
		}
		if exceeds {
			return ErrRemainingExceedsQuantity
		}
		return ErrBatchNotFound
	}
	return nil
}

func (s *txStore) AppendChange(ctx context.Context, record ChangeRecord) error {
	portions, err := json.Marshal(record.Portions)
	if err != nil {
		return fmt.Errorf("ledger: marshal portions: %w", err)
	}
	_, err = s.tx.Exec(ctx, `INSERT INTO stock_changes
(id, item_id, item_type, delta, reason, unit_cost, portions, sale_id, production_id, scope_kind, scope_location_id, occurred_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8, $9, $10, $11, $12)`,
		record.ID, record.ItemID, string(record.ItemType),
		record.Delta.String(), string(record.Reason), record.UnitCost.String(),
		portions, nullUUID(record.SaleID), nullUUID(record.ProductionID),
		string(record.Scope.Kind), nullUUID(record.Scope.LocationID), record.OccurredAt)
	if err != nil {
		return fmt.Errorf("ledger: append change: %w", err)
	}
	return nil
}

func (s *txStore) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ItemType, scope Scope) (decimal.Decimal, error) {
	return availableQuantity(ctx, s.tx, itemID, itemType, scope)
}

// AvailableQuantity sums remaining stock outside a transaction. The value is
// advisory: any mutation re-validates inside its own commit.
func (r *Repository) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ItemType, scope Scope) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("ledger: repository not initialised")
	}
	return availableQuantity(ctx, r.pool, itemID, itemType, scope)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func availableQuantity(ctx context.Context, q queryer, itemID uuid.UUID, itemType ItemType, scope Scope) (decimal.Decimal, error) {
	var total string
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty), 0)::text
FROM stock_batches
WHERE item_id=$1 AND item_type=$2 AND status=$3 AND scope_kind=$4 AND scope_location_id IS NOT DISTINCT FROM $5`,
		itemID, string(itemType), string(BatchActive), string(scope.Kind), nullUUID(scope.LocationID)).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: available quantity: %w", err)
	}
	return decimal.NewFromString(total)
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	ItemID   uuid.UUID
	ItemType ItemType
	Scope    *Scope
	Page     int
	PerPage  int
}

// ListBatches returns batches for reporting, newest first.
func (r *Repository) ListBatches(ctx context.Context, filter BatchFilter) ([]StockBatch, error) {
	if r == nil {
		return nil, errors.New("ledger: repository not initialised")
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	var scopeKind any
	var scopeLoc any
	if filter.Scope != nil {
		scopeKind = string(filter.Scope.Kind)
		scopeLoc = nullUUID(filter.Scope.LocationID)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+`
FROM stock_batches
WHERE ($1::uuid IS NULL OR item_id=$1)
  AND ($2::text IS NULL OR item_type=$2)
  AND ($3::text IS NULL OR (scope_kind=$3 AND scope_location_id IS NOT DISTINCT FROM $4))
ORDER BY created_at DESC, id DESC
LIMIT $5 OFFSET $6`,
		nullUUID(filter.ItemID), nullString(string(filter.ItemType)), scopeKind, scopeLoc,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("ledger: list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// CountBatches returns how many batches match the filter, for paging.
func (r *Repository) CountBatches(ctx context.Context, filter BatchFilter) (int, error) {
	if r == nil {
		return 0, errors.New("ledger: repository not initialised")
	}
	var scopeKind any
	var scopeLoc any
	if filter.Scope != nil {
		scopeKind = string(filter.Scope.Kind)
		scopeLoc = nullUUID(filter.Scope.LocationID)
	}
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*)
FROM stock_batches
WHERE ($1::uuid IS NULL OR item_id=$1)
  AND ($2::text IS NULL OR item_type=$2)
  AND ($3::text IS NULL OR (scope_kind=$3 AND scope_location_id IS NOT DISTINCT FROM $4))`,
		nullUUID(filter.ItemID), nullString(string(filter.ItemType)), scopeKind, scopeLoc).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: count batches: %w", err)
	}
	return total, nil
}

// ScopeTotals computes, per item and scope, the change-record delta sum and
// the batch remainder sum. Used by the integrity job.
func (r *Repository) ScopeTotals(ctx context.Context) ([]ItemScopeTotal, error) {
	if r == nil {
		return nil, errors.New("ledger: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT b.item_id, b.item_type, b.scope_kind, b.scope_location_id,
COALESCE(c.delta_sum, 0)::text, b.remaining_sum::text
FROM (
  SELECT item_id, item_type, scope_kind, scope_location_id, SUM(remaining_qty) AS remaining_sum
  FROM stock_batches
  GROUP BY item_id, item_type, scope_kind, scope_location_id
) b
LEFT JOIN (
  SELECT item_id, item_type, scope_kind, scope_location_id, SUM(delta) AS delta_sum
  FROM stock_changes
  GROUP BY item_id, item_type, scope_kind, scope_location_id
) c USING (item_id, item_type, scope_kind, scope_location_id)`)
	if err != nil {
		return nil, fmt.Errorf("ledger: scope totals: %w", err)
	}
	defer rows.Close()

	var totals []ItemScopeTotal
	for rows.Next() {
		var (
			total    ItemScopeTotal
			itemType string
			kind     string
			loc      *uuid.UUID
			deltaStr string
			remStr   string
		)
		if err := rows.Scan(&total.ItemID, &itemType, &kind, &loc, &deltaStr, &remStr); err != nil {
			return nil, fmt.Errorf("ledger: scan scope total: %w", err)
		}
		total.ItemType = ItemType(itemType)
		total.Scope = Scope{Kind: ScopeKind(kind)}
		if loc != nil {
			total.Scope.LocationID = *loc
		}
		if total.DeltaSum, err = decimal.NewFromString(deltaStr); err != nil {
			return nil, fmt.Errorf("ledger: parse delta sum: %w", err)
		}
		if total.RemainingSum, err = decimal.NewFromString(remStr); err != nil {
			return nil, fmt.Errorf("ledger: parse remaining sum: %w", err)
		}
		totals = append(totals, total)
	}
	return totals, rows.Err()
}

func scanBatches(rows pgx.Rows) ([]StockBatch, error) {
	var batches []StockBatch
	for rows.Next() {
		var (
			b        StockBatch
			itemType string
			qtyStr   string
			remStr   string
			costStr  string
			status   string
			kind     string
			loc      *uuid.UUID
			supplier *uuid.UUID
			created  time.Time
		)
		if err := rows.Scan(&b.ID, &b.ItemID, &itemType, &qtyStr, &remStr, &costStr,
			&status, &kind, &loc, &supplier, &b.Provenance.OwnPurchase, &b.Provenance.Credit, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan batch: %w", err)
		}
		b.ItemType = ItemType(itemType)
		b.Status = BatchStatus(status)
		b.Scope = Scope{Kind: ScopeKind(kind)}
		if loc != nil {
			b.Scope.LocationID = *loc
		}
		if supplier != nil {
			b.Provenance.SupplierID = *supplier
		}
		b.CreatedAt = created
		var err error
		if b.Quantity, err = decimal.NewFromString(qtyStr); err != nil {
			return nil, fmt.Errorf("ledger: parse quantity: %w", err)
		}
		if b.Remaining, err = decimal.NewFromString(remStr); err != nil {
			return nil, fmt.Errorf("ledger: parse remaining: %w", err)
		}
		if b.UnitCost, err = decimal.NewFromString(costStr); err != nil {
			return nil, fmt.Errorf("ledger: parse unit cost: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

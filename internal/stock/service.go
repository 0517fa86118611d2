package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/observability"
	"github.com/atelier-erp/atelier/internal/shared"
)

// LedgerStore abstracts the ledger repository for the engine.
type LedgerStore interface {
	WithTx(ctx context.Context, fn func(context.Context, ledger.TxStore) error) error
	AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error)
}

// LocationDirectory answers whether a scope may be consumed against.
type LocationDirectory interface {
	IsScopeActive(ctx context.Context, scope ledger.Scope) (bool, error)
}

// AuditPort abstracts audit logging. The trail is best effort; failures are
// logged and ignored.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SnapshotCache receives availability snapshots after mutations. Snapshots
// feed dashboards only, never mutations.
type SnapshotCache interface {
	SetAvailability(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope, qty decimal.Decimal) error
}

// Service is the batch consumption engine.
type Service struct {
	store     LedgerStore
	locations LocationDirectory
	audit     AuditPort
	snapshots SnapshotCache
	metrics   *observability.Metrics
	logger    *slog.Logger
	reads     singleflight.Group
	now       func() time.Time
}

// NewService builds Service. locations, audit, snapshots and metrics may be
// nil in tests.
func NewService(store LedgerStore, locations LocationDirectory, audit AuditPort, snapshots SnapshotCache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		locations: locations,
		audit:     audit,
		snapshots: snapshots,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Consume selects and debits the minimal set of batches covering the request
// under the given policy and appends one change record carrying the full
// breakdown. Availability is checked before any debit; on failure the ledger
// is untouched.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (ConsumptionResult, error) {
	if input.ItemID == uuid.Nil || !input.ItemType.Valid() {
		return ConsumptionResult{}, errors.New("stock: item id and type required")
	}
	if !input.Quantity.IsPositive() {
		return ConsumptionResult{}, ErrInvalidQuantity
	}
	if !input.Policy.Valid() {
		return ConsumptionResult{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, input.Policy)
	}
	reason := input.Reason
	if reason == "" {
		reason = ledger.ReasonSale
	}
	if err := s.checkScopeActive(ctx, input.Scope); err != nil {
		return ConsumptionResult{}, err
	}

	var result ConsumptionResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		batches, err := tx.EligibleBatches(ctx, input.ItemID, input.ItemType, input.Scope)
		if err != nil {
			return err
		}
		available := decimal.Zero
		for _, b := range batches {
			available = available.Add(b.Remaining)
		}
		if available.LessThan(input.Quantity) {
			return &InsufficientStockError{ItemID: input.ItemID, Requested: input.Quantity, Available: available}
		}

		ordered, blended := orderByPolicy(batches, input.Policy)
		portions, totalCost, err := debit(ctx, tx, ordered, input.Quantity, input.Policy, blended)
		if err != nil {
			return err
		}
		average := totalCost.Div(input.Quantity)

		record := ledger.ChangeRecord{
			ID:           uuid.New(),
			ItemID:       input.ItemID,
			ItemType:     input.ItemType,
			Delta:        input.Quantity.Neg(),
			Reason:       reason,
			UnitCost:     average,
			Portions:     portions,
			SaleID:       input.SaleID,
			ProductionID: input.ProductionID,
			Scope:        input.Scope,
			OccurredAt:   s.now().UTC(),
		}
		if err := tx.AppendChange(ctx, record); err != nil {
			return err
		}

		result = ConsumptionResult{
			ItemID:          input.ItemID,
			ItemType:        input.ItemType,
			Scope:           input.Scope,
			Portions:        portions,
			TotalCost:       totalCost,
			AverageUnitCost: average,
			PrimaryBatchID:  primaryBatch(portions),
		}
		return nil
	})
	if err != nil {
		s.metrics.ObserveConsumption(string(input.Policy), "error")
		return ConsumptionResult{}, err
	}

	s.metrics.ObserveConsumption(string(input.Policy), "ok")
	s.recordAudit(ctx, input.ActorID, "stock.consume", input.ItemID, map[string]any{
		"item_type": string(input.ItemType),
		"scope":     input.Scope.String(),
		"quantity":  input.Quantity.String(),
		"policy":    string(input.Policy),
		"cost":      result.TotalCost.String(),
	})
	s.refreshSnapshot(ctx, input.ItemID, input.ItemType, input.Scope)
	return result, nil
}

// Restore reverses a previous consumption exactly, replaying the stored
// per-batch breakdown. The debit order is never recomputed from policy:
// other consumptions may have happened in between, so only the breakdown
// reproduces the pre-consumption state.
func (s *Service) Restore(ctx context.Context, input RestoreInput) error {
	if len(input.Portions) == 0 {
		return errors.New("stock: restore requires a consumption breakdown")
	}
	reason := input.Reason
	if reason == "" {
		reason = ledger.ReasonSale
	}

	total := decimal.Zero
	ids := make([]uuid.UUID, 0, len(input.Portions))
	for _, p := range input.Portions {
		if !p.Quantity.IsPositive() {
			return ErrInvalidQuantity
		}
		total = total.Add(p.Quantity)
		ids = append(ids, p.BatchID)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		batches, err := tx.BatchesByIDs(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]ledger.StockBatch, len(batches))
		for _, b := range batches {
			byID[b.ID] = b
		}
		for _, p := range input.Portions {
			batch, ok := byID[p.BatchID]
			if !ok {
				return ledger.ErrBatchNotFound
			}
			// Accumulate so a breakdown naming the same batch more than once
			// credits every portion instead of overwriting earlier ones.
			batch.Remaining = batch.Remaining.Add(p.Quantity)
			if err := tx.AdjustBatch(ctx, p.BatchID, batch.Remaining); err != nil {
				return err
			}
			byID[p.BatchID] = batch
		}
		weighted := decimal.Zero
		for _, p := range input.Portions {
			weighted = weighted.Add(p.UnitCost.Mul(p.Quantity))
		}
		record := ledger.ChangeRecord{
			ID:           uuid.New(),
			ItemID:       input.ItemID,
			ItemType:     input.ItemType,
			Delta:        total,
			Reason:       reason,
			UnitCost:     weighted.Div(total),
			Portions:     input.Portions,
			SaleID:       input.SaleID,
			ProductionID: input.ProductionID,
			Scope:        input.Scope,
			OccurredAt:   s.now().UTC(),
		}
		return tx.AppendChange(ctx, record)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, input.ActorID, "stock.restore", input.ItemID, map[string]any{
		"item_type": string(input.ItemType),
		"scope":     input.Scope.String(),
		"quantity":  total.String(),
	})
	s.refreshSnapshot(ctx, input.ItemID, input.ItemType, input.Scope)
	return nil
}

// CreateBatch registers a new lot and its creation change record atomically.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (uuid.UUID, error) {
	reason := input.Reason
	if reason == "" {
		reason = ledger.ReasonCreation
	}
	batch, err := ledger.NewBatch(input.ItemID, input.ItemType, input.Quantity, input.UnitCost, input.Scope, input.Provenance, s.now())
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.checkScopeActive(ctx, input.Scope); err != nil {
		return uuid.Nil, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		record := ledger.ChangeRecord{
			ID:         uuid.New(),
			ItemID:     batch.ItemID,
			ItemType:   batch.ItemType,
			Delta:      batch.Quantity,
			Reason:     reason,
			UnitCost:   batch.UnitCost,
			Portions:   []ledger.BatchPortion{{BatchID: batch.ID, UnitCost: batch.UnitCost, Quantity: batch.Quantity}},
			Scope:      batch.Scope,
			OccurredAt: batch.CreatedAt,
		}
		return tx.AppendChange(ctx, record)
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.recordAudit(ctx, input.ActorID, "stock.batch_created", batch.ItemID, map[string]any{
		"batch_id":  batch.ID.String(),
		"item_type": string(batch.ItemType),
		"scope":     batch.Scope.String(),
		"quantity":  batch.Quantity.String(),
		"unit_cost": batch.UnitCost.String(),
	})
	s.refreshSnapshot(ctx, batch.ItemID, batch.ItemType, batch.Scope)
	return batch.ID, nil
}

// AvailableQuantity sums remaining stock for the item in the scope.
// Concurrent identical reads are coalesced; the value is advisory and every
// mutation re-validates inside its own transaction.
func (s *Service) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error) {
	key := fmt.Sprintf("%s:%s:%s", itemType, itemID, scope)
	v, err, _ := s.reads.Do(key, func() (any, error) {
		return s.store.AvailableQuantity(ctx, itemID, itemType, scope)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (s *Service) checkScopeActive(ctx context.Context, scope ledger.Scope) error {
	if s.locations == nil {
		return nil
	}
	active, err := s.locations.IsScopeActive(ctx, scope)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrLocationDisabled, scope)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, entityID uuid.UUID, changeset map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    "stock_item",
		EntityID:  entityID.String(),
		Changeset: changeset,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) refreshSnapshot(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) {
	if s.snapshots == nil {
		return
	}
	qty, err := s.store.AvailableQuantity(ctx, itemID, itemType, scope)
	if err != nil {
		s.logger.Warn("availability snapshot read failed", slog.Any("error", err))
		return
	}
	if err := s.snapshots.SetAvailability(ctx, itemID, itemType, scope, qty); err != nil {
		s.logger.Warn("availability snapshot write failed", slog.Any("error", err))
	}
}

// orderByPolicy arranges eligible batches for debiting. Input is already in
// FIFO order (created_at then id). For weighted average the blended unit cost
// across the whole pool is returned alongside.
func orderByPolicy(batches []ledger.StockBatch, policy Policy) ([]ledger.StockBatch, decimal.Decimal) {
	switch policy {
	case PolicyLIFO:
		reversed := make([]ledger.StockBatch, len(batches))
		for i, b := range batches {
			reversed[len(batches)-1-i] = b
		}
		return reversed, decimal.Zero
	case PolicyWeightedAverage:
		totalQty := decimal.Zero
		totalCost := decimal.Zero
		for _, b := range batches {
			totalQty = totalQty.Add(b.Remaining)
			totalCost = totalCost.Add(b.Remaining.Mul(b.UnitCost))
		}
		if totalQty.IsZero() {
			return batches, decimal.Zero
		}
		return batches, totalCost.Div(totalQty)
	default:
		return batches, decimal.Zero
	}
}

// debit walks the ordered batches, taking min(remaining, still needed) from
// each until the request is covered. Batches reaching zero are marked
// depleted by the store.
func debit(ctx context.Context, tx ledger.TxStore, ordered []ledger.StockBatch, requested decimal.Decimal, policy Policy, blended decimal.Decimal) ([]ledger.BatchPortion, decimal.Decimal, error) {
	still := requested
	totalCost := decimal.Zero
	var portions []ledger.BatchPortion
	for _, batch := range ordered {
		if !still.IsPositive() {
			break
		}
		take := decimal.Min(batch.Remaining, still)
		if err := tx.AdjustBatch(ctx, batch.ID, batch.Remaining.Sub(take)); err != nil {
			return nil, decimal.Zero, err
		}
		unitCost := batch.UnitCost
		if policy == PolicyWeightedAverage {
			unitCost = blended
		}
		portions = append(portions, ledger.BatchPortion{BatchID: batch.ID, UnitCost: unitCost, Quantity: take})
		totalCost = totalCost.Add(take.Mul(unitCost))
		still = still.Sub(take)
	}
	if still.IsPositive() {
		// Availability was checked before debiting; reaching here means the
		// eligible set changed underneath us and the store will roll back.
		return nil, decimal.Zero, ledger.ErrNegativeRemaining
	}
	return portions, totalCost, nil
}

// primaryBatch picks the largest contributor for display, first touched on ties.
func primaryBatch(portions []ledger.BatchPortion) uuid.UUID {
	var primary uuid.UUID
	best := decimal.Zero
	for _, p := range portions {
		if p.Quantity.GreaterThan(best) {
			best = p.Quantity
			primary = p.BatchID
		}
	}
	return primary
}

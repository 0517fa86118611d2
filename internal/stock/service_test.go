package stock

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier/internal/ledger"
)

// memoryStore emulates the ledger repository with the same commit semantics:
// transactions stage writes and apply them only on success, one writer at a
// time.
type memoryStore struct {
	mu      sync.Mutex
	batches map[uuid.UUID]ledger.StockBatch
	changes []ledger.ChangeRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{batches: make(map[uuid.UUID]ledger.StockBatch)}
}

type memoryTx struct {
	store  *memoryStore
	staged map[uuid.UUID]ledger.StockBatch
	added  []ledger.ChangeRecord
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, ledger.TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, staged: make(map[uuid.UUID]ledger.StockBatch)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, b := range tx.staged {
		s.batches[id] = b
	}
	s.changes = append(s.changes, tx.added...)
	return nil
}

func (s *memoryStore) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, b := range s.batches {
		if b.ItemID == itemID && b.ItemType == itemType && b.Scope == scope && b.Status == ledger.BatchActive {
			total = total.Add(b.Remaining)
		}
	}
	return total, nil
}

func (tx *memoryTx) view(id uuid.UUID) (ledger.StockBatch, bool) {
	if b, ok := tx.staged[id]; ok {
		return b, true
	}
	b, ok := tx.store.batches[id]
	return b, ok
}

func (tx *memoryTx) CreateBatch(ctx context.Context, batch ledger.StockBatch) error {
	tx.staged[batch.ID] = batch
	return nil
}

func (tx *memoryTx) EligibleBatches(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) ([]ledger.StockBatch, error) {
	var result []ledger.StockBatch
	for id := range tx.store.batches {
		b, _ := tx.view(id)
		if b.ItemID == itemID && b.ItemType == itemType && b.Scope == scope && b.Status == ledger.BatchActive {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

func (tx *memoryTx) BatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]ledger.StockBatch, error) {
	result := make([]ledger.StockBatch, 0, len(ids))
	for _, id := range ids {
		b, ok := tx.view(id)
		if !ok {
			return nil, ledger.ErrBatchNotFound
		}
		result = append(result, b)
	}
	return result, nil
}

func (tx *memoryTx) AdjustBatch(ctx context.Context, batchID uuid.UUID, newRemaining decimal.Decimal) error {
	if newRemaining.IsNegative() {
		return ledger.ErrNegativeRemaining
	}
	b, ok := tx.view(batchID)
	if !ok {
		return ledger.ErrBatchNotFound
	}
	if newRemaining.GreaterThan(b.Quantity) {
		return ledger.ErrRemainingExceedsQuantity
	}
	b.Remaining = newRemaining
	b.Status = ledger.StatusFor(newRemaining)
	tx.staged[batchID] = b
	return nil
}

func (tx *memoryTx) AppendChange(ctx context.Context, record ledger.ChangeRecord) error {
	tx.added = append(tx.added, record)
	return nil
}

func (tx *memoryTx) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error) {
	total := decimal.Zero
	for id := range tx.store.batches {
		b, _ := tx.view(id)
		if b.ItemID == itemID && b.ItemType == itemType && b.Scope == scope && b.Status == ledger.BatchActive {
			total = total.Add(b.Remaining)
		}
	}
	return total, nil
}

// conservation checks that change-record deltas add up to batch remainders
// for the item and scope.
func conservation(t *testing.T, store *memoryStore, itemID uuid.UUID, scope ledger.Scope) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	deltaSum := decimal.Zero
	for _, c := range store.changes {
		if c.ItemID == itemID && c.Scope == scope {
			deltaSum = deltaSum.Add(c.Delta)
		}
	}
	remainingSum := decimal.Zero
	for _, b := range store.batches {
		if b.ItemID == itemID && b.Scope == scope {
			remainingSum = remainingSum.Add(b.Remaining)
		}
	}
	require.True(t, deltaSum.Equal(remainingSum), "ledger delta sum %s != remaining sum %s", deltaSum, remainingSum)
}

type allowAllLocations struct{}

func (allowAllLocations) IsScopeActive(ctx context.Context, scope ledger.Scope) (bool, error) {
	return true, nil
}

type denyLocations struct{}

func (denyLocations) IsScopeActive(ctx context.Context, scope ledger.Scope) (bool, error) {
	return false, nil
}

func seedBatch(t *testing.T, store *memoryStore, itemID uuid.UUID, qty, cost int64, scope ledger.Scope, createdAt time.Time) uuid.UUID {
	t.Helper()
	batch, err := ledger.NewBatch(itemID, ledger.ItemTypeMaterial, decimal.NewFromInt(qty), decimal.NewFromInt(cost), scope, ledger.Provenance{}, createdAt)
	require.NoError(t, err)
	batch.CreatedAt = createdAt
	err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxStore) error {
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		return tx.AppendChange(ctx, ledger.ChangeRecord{
			ID:         uuid.New(),
			ItemID:     batch.ItemID,
			ItemType:   batch.ItemType,
			Delta:      batch.Quantity,
			Reason:     ledger.ReasonCreation,
			UnitCost:   batch.UnitCost,
			Scope:      batch.Scope,
			OccurredAt: createdAt,
		})
	})
	require.NoError(t, err)
	return batch.ID
}

func newTestService(store *memoryStore) *Service {
	return NewService(store, allowAllLocations{}, nil, nil, nil, nil)
}

var (
	t1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
)

func TestConsumeFIFO(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 5, 10, scope, t1)
	batchB := seedBatch(t, store, itemID, 5, 12, scope, t2)
	svc := newTestService(store)

	result, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(7), Policy: PolicyFIFO,
	})
	require.NoError(t, err)
	require.True(t, result.TotalCost.Equal(decimal.NewFromInt(74)), "total cost %s", result.TotalCost)
	require.True(t, result.AverageUnitCost.Equal(decimal.NewFromInt(74).Div(decimal.NewFromInt(7))))
	require.Len(t, result.Portions, 2)
	require.Equal(t, batchA, result.Portions[0].BatchID)
	require.True(t, result.Portions[0].Quantity.Equal(decimal.NewFromInt(5)))
	require.Equal(t, batchB, result.Portions[1].BatchID)
	require.True(t, result.Portions[1].Quantity.Equal(decimal.NewFromInt(2)))
	require.Equal(t, batchA, result.PrimaryBatchID)

	require.Equal(t, ledger.BatchDepleted, store.batches[batchA].Status)
	require.True(t, store.batches[batchB].Remaining.Equal(decimal.NewFromInt(3)))
	conservation(t, store, itemID, scope)
}

func TestConsumeLIFO(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 5, 10, scope, t1)
	batchB := seedBatch(t, store, itemID, 5, 12, scope, t2)
	svc := newTestService(store)

	result, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(7), Policy: PolicyLIFO,
	})
	require.NoError(t, err)
	require.True(t, result.TotalCost.Equal(decimal.NewFromInt(80)), "total cost %s", result.TotalCost)
	require.Equal(t, ledger.BatchDepleted, store.batches[batchB].Status)
	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(3)))
	conservation(t, store, itemID, scope)
}

func TestConsumeWeightedAverage(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	seedBatch(t, store, itemID, 5, 10, scope, t1)
	seedBatch(t, store, itemID, 5, 12, scope, t2)
	svc := newTestService(store)

	result, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(7), Policy: PolicyWeightedAverage,
	})
	require.NoError(t, err)
	// Blend across the whole pool: (5*10 + 5*12) / 10 = 11.
	require.True(t, result.TotalCost.Equal(decimal.NewFromInt(77)), "total cost %s", result.TotalCost)
	require.True(t, result.AverageUnitCost.Equal(decimal.NewFromInt(11)))
	for _, p := range result.Portions {
		require.True(t, p.UnitCost.Equal(decimal.NewFromInt(11)))
	}
	conservation(t, store, itemID, scope)
}

func TestConsumeInsufficientLeavesLedgerUntouched(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 5, 10, scope, t1)
	batchB := seedBatch(t, store, itemID, 5, 12, scope, t2)
	svc := newTestService(store)

	_, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(11), Policy: PolicyFIFO,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var detail *InsufficientStockError
	require.ErrorAs(t, err, &detail)
	require.Equal(t, itemID, detail.ItemID)
	require.True(t, detail.Requested.Equal(decimal.NewFromInt(11)))
	require.True(t, detail.Available.Equal(decimal.NewFromInt(10)))

	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(5)))
	require.True(t, store.batches[batchB].Remaining.Equal(decimal.NewFromInt(5)))
	require.Len(t, store.changes, 2)
	conservation(t, store, itemID, scope)
}

func TestRestoreReproducesPreConsumptionState(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 5, 10, scope, t1)
	batchB := seedBatch(t, store, itemID, 5, 12, scope, t2)
	svc := newTestService(store)
	ctx := context.Background()

	first, err := svc.Consume(ctx, ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(7), Policy: PolicyFIFO,
	})
	require.NoError(t, err)

	// Another consumption lands in between; the reversal must still be exact.
	_, err = svc.Consume(ctx, ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(2), Policy: PolicyFIFO,
	})
	require.NoError(t, err)
	require.True(t, store.batches[batchB].Remaining.Equal(decimal.NewFromInt(1)))

	err = svc.Restore(ctx, RestoreInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Portions: first.Portions,
	})
	require.NoError(t, err)

	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(5)))
	require.Equal(t, ledger.BatchActive, store.batches[batchA].Status)
	require.True(t, store.batches[batchB].Remaining.Equal(decimal.NewFromInt(3)))
	conservation(t, store, itemID, scope)
}

func TestRestoreCreditsRepeatedBatchPortions(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 10, 10, scope, t1)
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Consume(ctx, ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(4), Policy: PolicyFIFO,
	})
	require.NoError(t, err)
	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(6)))

	// Clients replay stored breakdowns verbatim; nothing stops a payload from
	// splitting one batch's share across several portions.
	err = svc.Restore(ctx, RestoreInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Portions: []ledger.BatchPortion{
			{BatchID: batchA, UnitCost: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(2)},
			{BatchID: batchA, UnitCost: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(2)},
		},
	})
	require.NoError(t, err)

	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(10)))
	conservation(t, store, itemID, scope)
}

func TestRestoreRejectsCreditPastLotSize(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	batchA := seedBatch(t, store, itemID, 10, 10, scope, t1)
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Consume(ctx, ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(3), Policy: PolicyFIFO,
	})
	require.NoError(t, err)

	err = svc.Restore(ctx, RestoreInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Portions: []ledger.BatchPortion{
			{BatchID: batchA, UnitCost: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(4)},
		},
	})
	require.ErrorIs(t, err, ledger.ErrRemainingExceedsQuantity)

	// The transaction never committed, so the ledger is unchanged.
	require.True(t, store.batches[batchA].Remaining.Equal(decimal.NewFromInt(7)))
	conservation(t, store, itemID, scope)
}

func TestScopeIsolation(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	shopA := ledger.Scope{Kind: ledger.ScopeShop, LocationID: uuid.New()}
	shopB := ledger.Scope{Kind: ledger.ScopeShop, LocationID: uuid.New()}
	batchB := seedBatch(t, store, itemID, 20, 10, shopB, t1)
	global := seedBatch(t, store, itemID, 20, 10, ledger.GlobalScope(), t1)
	svc := newTestService(store)

	_, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: shopA,
		Quantity: decimal.NewFromInt(1), Policy: PolicyFIFO,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.True(t, store.batches[batchB].Remaining.Equal(decimal.NewFromInt(20)))
	require.True(t, store.batches[global].Remaining.Equal(decimal.NewFromInt(20)))
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	seedBatch(t, store, itemID, 10, 10, scope, t1)
	svc := newTestService(store)

	quantities := []int64{6, 7}
	errs := make([]error, len(quantities))
	var wg sync.WaitGroup
	for i, qty := range quantities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Consume(context.Background(), ConsumeInput{
				ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
				Quantity: decimal.NewFromInt(qty), Policy: PolicyFIFO,
			})
		}()
	}
	wg.Wait()

	var succeeded, failed int
	var consumedQty int64
	for i, err := range errs {
		if err == nil {
			succeeded++
			consumedQty = quantities[i]
		} else {
			require.ErrorIs(t, err, ErrInsufficientStock)
			failed++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, failed)

	remaining, err := store.AvailableQuantity(context.Background(), itemID, ledger.ItemTypeMaterial, scope)
	require.NoError(t, err)
	require.True(t, remaining.Equal(decimal.NewFromInt(10-consumedQty)))
	require.False(t, remaining.IsNegative())
	conservation(t, store, itemID, scope)
}

func TestConsumeTieBreaksOnBatchID(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	first := seedBatch(t, store, itemID, 5, 10, scope, t1)
	second := seedBatch(t, store, itemID, 5, 12, scope, t1)
	svc := newTestService(store)

	result, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: scope,
		Quantity: decimal.NewFromInt(6), Policy: PolicyFIFO,
	})
	require.NoError(t, err)
	require.Len(t, result.Portions, 2)
	expected := []uuid.UUID{first, second}
	sort.Slice(expected, func(i, j int) bool { return expected[i].String() < expected[j].String() })
	require.Equal(t, expected[0], result.Portions[0].BatchID)
	require.Equal(t, expected[1], result.Portions[1].BatchID)
}

func TestConsumeDisabledLocation(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	shop := ledger.Scope{Kind: ledger.ScopeShop, LocationID: uuid.New()}
	seedBatch(t, store, itemID, 10, 10, shop, t1)
	svc := NewService(store, denyLocations{}, nil, nil, nil, nil)

	_, err := svc.Consume(context.Background(), ConsumeInput{
		ItemID: itemID, ItemType: ledger.ItemTypeMaterial, Scope: shop,
		Quantity: decimal.NewFromInt(1), Policy: PolicyFIFO,
	})
	require.ErrorIs(t, err, ErrLocationDisabled)
}

func TestCreateBatchAppendsCreationRecord(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	svc := newTestService(store)

	batchID, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		ItemID:   itemID,
		ItemType: ledger.ItemTypeMaterial,
		Quantity: decimal.NewFromInt(8),
		UnitCost: decimal.NewFromInt(15),
		Scope:    ledger.GlobalScope(),
		Reason:   ledger.ReasonRestock,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, batchID)

	require.Len(t, store.changes, 1)
	record := store.changes[0]
	require.Equal(t, ledger.ReasonRestock, record.Reason)
	require.True(t, record.Delta.Equal(decimal.NewFromInt(8)))
	require.Len(t, record.Portions, 1)
	require.Equal(t, batchID, record.Portions[0].BatchID)
	conservation(t, store, itemID, ledger.GlobalScope())
}

func TestAvailableQuantity(t *testing.T) {
	store := newMemoryStore()
	itemID := uuid.New()
	scope := ledger.GlobalScope()
	seedBatch(t, store, itemID, 5, 10, scope, t1)
	seedBatch(t, store, itemID, 3, 12, scope, t2)
	svc := newTestService(store)

	qty, err := svc.AvailableQuantity(context.Background(), itemID, ledger.ItemTypeMaterial, scope)
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromInt(8)))
}

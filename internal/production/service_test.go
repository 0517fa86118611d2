package production

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/stock"
)

// fakeStore implements Store with the same lock and close semantics as the
// postgres repository.
type fakeStore struct {
	mu          sync.Mutex
	productions map[uuid.UUID]Production
	items       map[uuid.UUID]Item
	insertItem  error
	closeRun    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		productions: make(map[uuid.UUID]Production),
		items:       make(map[uuid.UUID]Item),
	}
}

func (f *fakeStore) Insert(ctx context.Context, p Production) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productions[p.ID] = p
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (Production, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.productions[id]
	if !ok {
		return Production{}, ErrProductionNotFound
	}
	return p, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, note string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.productions[id]
	if !ok {
		return ErrProductionNotFound
	}
	p.Status = status
	p.UpdatedAt = now
	p.History = append(p.History, HistoryEntry{Status: status, Note: note, OccurredAt: now})
	f.productions[id] = p
	return nil
}

func (f *fakeStore) AcquirePublishLock(ctx context.Context, id uuid.UUID, now time.Time) (Production, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.productions[id]
	if !ok {
		return Production{}, ErrProductionNotFound
	}
	if p.IsPublished {
		if p.PublishedItemID == uuid.Nil {
			return Production{}, ErrInconsistentState
		}
		return p, nil
	}
	if p.IsPublishing {
		return Production{}, ErrAlreadyPublishing
	}
	if p.Status != StatusReady {
		return Production{}, ErrNotReady
	}
	p.IsPublishing = true
	p.UpdatedAt = now
	f.productions[id] = p
	return p, nil
}

func (f *fakeStore) ReleasePublishLock(ctx context.Context, id uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.productions[id]
	if !ok {
		return ErrProductionNotFound
	}
	p.IsPublishing = false
	p.UpdatedAt = now
	f.productions[id] = p
	return nil
}

func (f *fakeStore) InsertItem(ctx context.Context, item Item) error {
	if f.insertItem != nil {
		return f.insertItem
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeStore) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return Item{}, errors.New("item not found")
	}
	return item, nil
}

func (f *fakeStore) Close(ctx context.Context, id uuid.UUID, itemID uuid.UUID, breakdown []ledger.BatchPortion, now time.Time) error {
	if f.closeRun != nil {
		return f.closeRun
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.productions[id]
	if !ok || !p.IsPublishing {
		return ErrProductionNotFound
	}
	p.Status = StatusClosed
	p.IsPublishing = false
	p.IsPublished = true
	p.IsClosed = true
	p.PublishedItemID = itemID
	p.Breakdown = breakdown
	p.UpdatedAt = now
	p.History = append(p.History, HistoryEntry{Status: StatusPublished, OccurredAt: now})
	f.productions[id] = p
	return nil
}

// fakeStock tracks availability per material and debits it on Consume.
type fakeStock struct {
	mu        sync.Mutex
	available map[uuid.UUID]decimal.Decimal
	unitCost  map[uuid.UUID]decimal.Decimal
	consumed  []stock.ConsumeInput
	created   []stock.CreateBatchInput
	failAfter int
}

func newFakeStock() *fakeStock {
	return &fakeStock{
		available: make(map[uuid.UUID]decimal.Decimal),
		unitCost:  make(map[uuid.UUID]decimal.Decimal),
		failAfter: -1,
	}
}

func (f *fakeStock) seed(itemID uuid.UUID, qty, cost int64) {
	f.available[itemID] = decimal.NewFromInt(qty)
	f.unitCost[itemID] = decimal.NewFromInt(cost)
}

func (f *fakeStock) Consume(ctx context.Context, input stock.ConsumeInput) (stock.ConsumptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.consumed) >= f.failAfter {
		return stock.ConsumptionResult{}, errors.New("consume unavailable")
	}
	available := f.available[input.ItemID]
	if available.LessThan(input.Quantity) {
		return stock.ConsumptionResult{}, &stock.InsufficientStockError{
			ItemID: input.ItemID, Requested: input.Quantity, Available: available,
		}
	}
	f.available[input.ItemID] = available.Sub(input.Quantity)
	f.consumed = append(f.consumed, input)
	cost := f.unitCost[input.ItemID]
	portion := ledger.BatchPortion{BatchID: uuid.New(), UnitCost: cost, Quantity: input.Quantity}
	return stock.ConsumptionResult{
		ItemID:          input.ItemID,
		ItemType:        input.ItemType,
		Scope:           input.Scope,
		Portions:        []ledger.BatchPortion{portion},
		TotalCost:       cost.Mul(input.Quantity),
		AverageUnitCost: cost,
		PrimaryBatchID:  portion.BatchID,
	}, nil
}

func (f *fakeStock) CreateBatch(ctx context.Context, input stock.CreateBatchInput) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, input)
	return uuid.New(), nil
}

func (f *fakeStock) AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[itemID], nil
}

func readyProduction(t *testing.T, store *fakeStore, materials []Material, output int64) Production {
	t.Helper()
	p := Production{
		ID:             uuid.New(),
		Name:           "spring batch",
		Status:         StatusReady,
		Scope:          ledger.GlobalScope(),
		Policy:         stock.PolicyFIFO,
		Materials:      materials,
		OutputQuantity: decimal.NewFromInt(output),
	}
	require.NoError(t, store.Insert(context.Background(), p))
	return p
}

func TestCreateValidation(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, newFakeStock(), nil, nil, nil)
	ctx := context.Background()
	material := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(2)}

	_, err := svc.Create(ctx, CreateInput{Scope: ledger.GlobalScope(), Policy: stock.PolicyFIFO, Materials: []Material{material}, OutputQuantity: decimal.NewFromInt(1)})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{Name: "run", Scope: ledger.GlobalScope(), Policy: stock.PolicyFIFO, OutputQuantity: decimal.NewFromInt(1)})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{Name: "run", Scope: ledger.GlobalScope(), Policy: "guess", Materials: []Material{material}, OutputQuantity: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, stock.ErrInvalidPolicy)

	p, err := svc.Create(ctx, CreateInput{Name: "run", Scope: ledger.GlobalScope(), Policy: stock.PolicyFIFO, Materials: []Material{material}, OutputQuantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, p.Status)
}

func TestAdvanceTransitions(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, newFakeStock(), nil, nil, nil)
	ctx := context.Background()
	p := Production{ID: uuid.New(), Name: "run", Status: StatusDraft}
	require.NoError(t, store.Insert(ctx, p))

	require.Error(t, svc.Advance(ctx, p.ID, StatusReady, ""))
	require.NoError(t, svc.Advance(ctx, p.ID, StatusInProgress, ""))
	require.NoError(t, svc.Advance(ctx, p.ID, StatusReady, ""))
	require.Error(t, svc.Advance(ctx, p.ID, StatusDraft, ""))
	require.NoError(t, svc.Advance(ctx, p.ID, StatusCancelled, ""))
}

func TestPublish(t *testing.T) {
	store := newFakeStore()
	engine := newFakeStock()
	m1 := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(5)}
	m2 := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(2)}
	engine.seed(m1.ItemID, 10, 10)
	engine.seed(m2.ItemID, 10, 12)
	p := readyProduction(t, store, []Material{m1, m2}, 4)
	svc := NewService(store, engine, nil, nil, nil)

	result, err := svc.Publish(context.Background(), p.ID, ItemSpec{Name: "bag", SellingPrice: decimal.NewFromInt(40)})
	require.NoError(t, err)
	require.False(t, result.AlreadyPublished)

	// 5*10 + 2*12 = 74 across 4 units.
	require.True(t, result.Item.CostPrice.Equal(decimal.RequireFromString("18.5")), "cost price %s", result.Item.CostPrice)
	require.Len(t, result.Production.Breakdown, 2)

	closed := store.productions[p.ID]
	require.Equal(t, StatusClosed, closed.Status)
	require.True(t, closed.IsPublished)
	require.True(t, closed.IsClosed)
	require.False(t, closed.IsPublishing)
	require.Equal(t, result.Item.ID, closed.PublishedItemID)

	require.Len(t, engine.created, 1)
	output := engine.created[0]
	require.Equal(t, result.Item.ID, output.ItemID)
	require.Equal(t, ledger.ItemTypeFinishedGood, output.ItemType)
	require.True(t, output.Quantity.Equal(decimal.NewFromInt(4)))
	require.True(t, output.UnitCost.Equal(decimal.RequireFromString("18.5")))
}

func TestPublishRetryReturnsOriginalOutcome(t *testing.T) {
	store := newFakeStore()
	engine := newFakeStock()
	m := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(3)}
	engine.seed(m.ItemID, 10, 10)
	p := readyProduction(t, store, []Material{m}, 1)
	svc := NewService(store, engine, nil, nil, nil)
	ctx := context.Background()

	first, err := svc.Publish(ctx, p.ID, ItemSpec{Name: "bag"})
	require.NoError(t, err)

	second, err := svc.Publish(ctx, p.ID, ItemSpec{Name: "bag"})
	require.NoError(t, err)
	require.True(t, second.AlreadyPublished)
	require.Equal(t, first.Item.ID, second.Item.ID)
	// The retry consumed nothing and created nothing.
	require.Len(t, engine.consumed, 1)
	require.Len(t, engine.created, 1)
}

func TestPublishWhileLocked(t *testing.T) {
	store := newFakeStore()
	engine := newFakeStock()
	m := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(3)}
	engine.seed(m.ItemID, 10, 10)
	p := readyProduction(t, store, []Material{m}, 1)
	locked := store.productions[p.ID]
	locked.IsPublishing = true
	store.productions[p.ID] = locked
	svc := NewService(store, engine, nil, nil, nil)

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{})
	require.ErrorIs(t, err, ErrAlreadyPublishing)
	require.Empty(t, engine.consumed)
}

func TestPublishNotReady(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, newFakeStock(), nil, nil, nil)
	p := Production{ID: uuid.New(), Name: "run", Status: StatusDraft, OutputQuantity: decimal.NewFromInt(1)}
	require.NoError(t, store.Insert(context.Background(), p))

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestPublishPublishedWithoutItem(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, newFakeStock(), nil, nil, nil)
	p := Production{ID: uuid.New(), Name: "run", Status: StatusClosed, IsPublished: true, IsClosed: true}
	require.NoError(t, store.Insert(context.Background(), p))

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{})
	require.ErrorIs(t, err, ErrInconsistentState)
}

func TestPublishInsufficientMaterialReleasesLock(t *testing.T) {
	store := newFakeStore()
	engine := newFakeStock()
	m := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(5)}
	engine.seed(m.ItemID, 2, 10)
	p := readyProduction(t, store, []Material{m}, 1)
	svc := NewService(store, engine, nil, nil, nil)

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	var detail *InsufficientMaterialError
	require.ErrorAs(t, err, &detail)
	require.Equal(t, m.ItemID, detail.ItemID)

	after := store.productions[p.ID]
	require.False(t, after.IsPublishing)
	require.Equal(t, StatusReady, after.Status)
	require.Empty(t, engine.consumed)

	// The lock was released, so a retry with enough stock succeeds.
	engine.seed(m.ItemID, 5, 10)
	_, err = svc.Publish(context.Background(), p.ID, ItemSpec{Name: "bag"})
	require.NoError(t, err)
}

func TestPublishLateFailureKeepsMaterialsConsumed(t *testing.T) {
	store := newFakeStore()
	store.insertItem = errors.New("item table unavailable")
	engine := newFakeStock()
	m := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(3)}
	engine.seed(m.ItemID, 10, 10)
	p := readyProduction(t, store, []Material{m}, 1)
	svc := NewService(store, engine, nil, nil, nil)

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{Name: "bag"})
	require.Error(t, err)

	after := store.productions[p.ID]
	require.False(t, after.IsPublishing)
	require.False(t, after.IsPublished)
	require.Equal(t, StatusReady, after.Status)
	// Committed consumption is not unwound; reconciliation is manual.
	require.Len(t, engine.consumed, 1)
	require.True(t, engine.available[m.ItemID].Equal(decimal.NewFromInt(7)))
}

func TestPublishPartialConsumeFailure(t *testing.T) {
	store := newFakeStore()
	engine := newFakeStock()
	m1 := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(2)}
	m2 := Material{ItemID: uuid.New(), Quantity: decimal.NewFromInt(2)}
	engine.seed(m1.ItemID, 10, 10)
	engine.seed(m2.ItemID, 10, 10)
	engine.failAfter = 1
	p := readyProduction(t, store, []Material{m1, m2}, 1)
	svc := NewService(store, engine, nil, nil, nil)

	_, err := svc.Publish(context.Background(), p.ID, ItemSpec{})
	require.Error(t, err)

	after := store.productions[p.ID]
	require.False(t, after.IsPublishing)
	require.Len(t, engine.consumed, 1)
}

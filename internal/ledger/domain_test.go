package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNewScopeRejectsPartialValues(t *testing.T) {
	_, err := NewScope(ScopeShop, uuid.Nil)
	require.ErrorIs(t, err, ErrMalformedScope)

	_, err = NewScope(ScopeGlobal, uuid.New())
	require.ErrorIs(t, err, ErrMalformedScope)

	_, err = NewScope("basement", uuid.New())
	require.ErrorIs(t, err, ErrMalformedScope)

	scope, err := NewScope(ScopeWarehouse, uuid.New())
	require.NoError(t, err)
	require.Equal(t, ScopeWarehouse, scope.Kind)
}

func TestProvenanceValidation(t *testing.T) {
	require.ErrorIs(t, Provenance{Credit: true}.Validate(), ErrMalformedProvenance)
	require.ErrorIs(t, Provenance{OwnPurchase: true, SupplierID: uuid.New()}.Validate(), ErrMalformedProvenance)
	require.NoError(t, Provenance{SupplierID: uuid.New(), Credit: true}.Validate())
	require.NoError(t, Provenance{OwnPurchase: true}.Validate())
	require.NoError(t, Provenance{}.Validate())
}

func TestNewBatchDerivesState(t *testing.T) {
	itemID := uuid.New()
	batch, err := NewBatch(itemID, ItemTypeMaterial, decimal.NewFromInt(10), decimal.NewFromInt(4), GlobalScope(), Provenance{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, BatchActive, batch.Status)
	require.True(t, batch.Remaining.Equal(batch.Quantity))
	require.NotEqual(t, uuid.Nil, batch.ID)

	_, err = NewBatch(itemID, ItemTypeMaterial, decimal.Zero, decimal.NewFromInt(4), GlobalScope(), Provenance{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = NewBatch(itemID, "gadget", decimal.NewFromInt(1), decimal.Zero, GlobalScope(), Provenance{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = NewBatch(itemID, ItemTypeMaterial, decimal.NewFromInt(1), decimal.NewFromInt(-1), GlobalScope(), Provenance{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func TestStatusFollowsRemaining(t *testing.T) {
	require.Equal(t, BatchActive, StatusFor(decimal.NewFromFloat(0.001)))
	require.Equal(t, BatchDepleted, StatusFor(decimal.Zero))
}

func TestItemScopeTotalInBalance(t *testing.T) {
	total := ItemScopeTotal{DeltaSum: decimal.NewFromInt(7), RemainingSum: decimal.NewFromInt(7)}
	require.True(t, total.InBalance())
	total.RemainingSum = decimal.NewFromInt(6)
	require.False(t, total.InBalance())
}

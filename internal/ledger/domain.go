package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemType distinguishes raw materials from sellable goods.
type ItemType string

const (
	// ItemTypeMaterial represents raw material stock.
	ItemTypeMaterial ItemType = "material"
	// ItemTypeFinishedGood represents sellable finished goods.
	ItemTypeFinishedGood ItemType = "finished_good"
)

// Valid reports whether the item type is one of the known variants.
func (t ItemType) Valid() bool {
	return t == ItemTypeMaterial || t == ItemTypeFinishedGood
}

// ChangeReason enumerates the events that move stock.
type ChangeReason string

const (
	ReasonCreation       ChangeReason = "creation"
	ReasonSale           ChangeReason = "sale"
	ReasonRestock        ChangeReason = "restock"
	ReasonProduction     ChangeReason = "production"
	ReasonAdjustment     ChangeReason = "adjustment"
	ReasonCostCorrection ChangeReason = "cost_correction"
)

// ScopeKind names the location partition a batch lives in.
type ScopeKind string

const (
	ScopeGlobal     ScopeKind = "global"
	ScopeShop       ScopeKind = "shop"
	ScopeWarehouse  ScopeKind = "warehouse"
	ScopeProduction ScopeKind = "production"
)

// Scope is the location partition of a batch or movement. A scope is a hard
// partition: operations against one scope never touch batches in another.
type Scope struct {
	Kind       ScopeKind
	LocationID uuid.UUID
}

// ErrMalformedScope indicates a scope kind/location combination that cannot exist.
var ErrMalformedScope = errors.New("ledger: malformed scope")

// NewScope builds a scope, rejecting partially specified values: every kind
// except global requires a location id, and global must not carry one.
func NewScope(kind ScopeKind, locationID uuid.UUID) (Scope, error) {
	switch kind {
	case ScopeGlobal:
		if locationID != uuid.Nil {
			return Scope{}, fmt.Errorf("%w: global scope cannot name a location", ErrMalformedScope)
		}
	case ScopeShop, ScopeWarehouse, ScopeProduction:
		if locationID == uuid.Nil {
			return Scope{}, fmt.Errorf("%w: %s scope requires a location id", ErrMalformedScope, kind)
		}
	default:
		return Scope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedScope, kind)
	}
	return Scope{Kind: kind, LocationID: locationID}, nil
}

// GlobalScope returns the shared stock pool.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// String renders the scope as kind or kind:id.
func (s Scope) String() string {
	if s.Kind == ScopeGlobal || s.Kind == "" {
		return string(ScopeGlobal)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.LocationID)
}

// Provenance records where a purchase lot came from.
type Provenance struct {
	SupplierID  uuid.UUID
	OwnPurchase bool
	Credit      bool
}

// ErrMalformedProvenance indicates contradictory provenance flags.
var ErrMalformedProvenance = errors.New("ledger: malformed provenance")

// Validate rejects partially specified provenance: a credit purchase must
// name the supplier owed, and an own purchase cannot name one.
func (p Provenance) Validate() error {
	if p.Credit && p.SupplierID == uuid.Nil {
		return fmt.Errorf("%w: credit purchase requires a supplier", ErrMalformedProvenance)
	}
	if p.OwnPurchase && p.SupplierID != uuid.Nil {
		return fmt.Errorf("%w: own purchase cannot name a supplier", ErrMalformedProvenance)
	}
	return nil
}

// BatchStatus tracks whether a batch still has stock.
type BatchStatus string

const (
	BatchActive   BatchStatus = "active"
	BatchDepleted BatchStatus = "depleted"
)

// StatusFor derives the batch status from its remaining quantity.
func StatusFor(remaining decimal.Decimal) BatchStatus {
	if remaining.IsPositive() {
		return BatchActive
	}
	return BatchDepleted
}

// StockBatch is one purchase or production lot. UnitCost is immutable once
// set; Remaining moves between 0 and Quantity and Status follows it.
type StockBatch struct {
	ID         uuid.UUID
	ItemID     uuid.UUID
	ItemType   ItemType
	Quantity   decimal.Decimal
	Remaining  decimal.Decimal
	UnitCost   decimal.Decimal
	Status     BatchStatus
	Scope      Scope
	Provenance Provenance
	CreatedAt  time.Time
}

var (
	// ErrInvalidBatch indicates a batch that failed construction validation.
	ErrInvalidBatch = errors.New("ledger: invalid batch")
	// ErrBatchNotFound indicates a missing batch row.
	ErrBatchNotFound = errors.New("ledger: batch not found")
	// ErrNegativeRemaining indicates an attempt to debit more than the batch
	// holds. Correct callers validate first; seeing this error means a caller
	// bypassed validation.
	ErrNegativeRemaining = errors.New("ledger: remaining quantity below zero")
	// ErrRemainingExceedsQuantity indicates an attempt to credit a batch past
	// its original lot size.
	ErrRemainingExceedsQuantity = errors.New("ledger: remaining quantity above lot size")
)

// NewBatch constructs a fully formed batch or fails. Remaining starts at the
// full lot quantity and the status is derived, never supplied.
func NewBatch(itemID uuid.UUID, itemType ItemType, quantity, unitCost decimal.Decimal, scope Scope, prov Provenance, now time.Time) (StockBatch, error) {
	if itemID == uuid.Nil {
		return StockBatch{}, fmt.Errorf("%w: item id required", ErrInvalidBatch)
	}
	if !itemType.Valid() {
		return StockBatch{}, fmt.Errorf("%w: unknown item type %q", ErrInvalidBatch, itemType)
	}
	if !quantity.IsPositive() {
		return StockBatch{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidBatch)
	}
	if unitCost.IsNegative() {
		return StockBatch{}, fmt.Errorf("%w: unit cost must be >= 0", ErrInvalidBatch)
	}
	if _, err := NewScope(scope.Kind, scope.LocationID); err != nil {
		return StockBatch{}, err
	}
	if err := prov.Validate(); err != nil {
		return StockBatch{}, err
	}
	return StockBatch{
		ID:         uuid.New(),
		ItemID:     itemID,
		ItemType:   itemType,
		Quantity:   quantity,
		Remaining:  quantity,
		UnitCost:   unitCost,
		Status:     BatchActive,
		Scope:      scope,
		Provenance: prov,
		CreatedAt:  now.UTC(),
	}, nil
}

// BatchPortion is one batch's share of a multi-batch movement. The ordered
// portion list stored on a change record is what makes an exact reversal
// possible later.
type BatchPortion struct {
	BatchID  uuid.UUID       `json:"batch_id"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ChangeRecord is one append-only ledger line. Records are immutable once
// written; the sum of Delta per item and scope must always equal the sum of
// Remaining across that item's batches in the scope.
type ChangeRecord struct {
	ID           uuid.UUID
	ItemID       uuid.UUID
	ItemType     ItemType
	Delta        decimal.Decimal
	Reason       ChangeReason
	UnitCost     decimal.Decimal
	Portions     []BatchPortion
	SaleID       uuid.UUID
	ProductionID uuid.UUID
	Scope        Scope
	OccurredAt   time.Time
}

// ItemScopeTotal pairs the ledger delta sum with the batch remainder sum for
// one item within one scope. The two must agree; the integrity job compares them.
type ItemScopeTotal struct {
	ItemID       uuid.UUID
	ItemType     ItemType
	Scope        Scope
	DeltaSum     decimal.Decimal
	RemainingSum decimal.Decimal
}

// InBalance reports whether the conservation invariant holds for the item.
func (t ItemScopeTotal) InBalance() bool {
	return t.DeltaSum.Equal(t.RemainingSum)
}

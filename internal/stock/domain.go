package stock

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
)

// Policy selects the costing order for batch consumption.
type Policy string

const (
	// PolicyFIFO consumes the oldest batches first.
	PolicyFIFO Policy = "fifo"
	// PolicyLIFO consumes the newest batches first.
	PolicyLIFO Policy = "lifo"
	// PolicyWeightedAverage blends all eligible batches into one unit cost
	// before debiting. Debit order follows FIFO for bookkeeping; the reported
	// cost is the blend, not each lot's raw cost.
	PolicyWeightedAverage Policy = "weighted_average"
)

// Valid reports whether the policy is a known variant.
func (p Policy) Valid() bool {
	switch p {
	case PolicyFIFO, PolicyLIFO, PolicyWeightedAverage:
		return true
	}
	return false
}

// ConsumeInput describes one consumption request.
type ConsumeInput struct {
	ItemID       uuid.UUID
	ItemType     ledger.ItemType
	Scope        ledger.Scope
	Quantity     decimal.Decimal
	Policy       Policy
	Reason       ledger.ChangeReason
	SaleID       uuid.UUID
	ProductionID uuid.UUID
	ActorID      string
}

// ConsumptionResult is the outcome of a consumption: the ordered per-batch
// breakdown plus the cost aggregates. The breakdown is what a later reversal
// replays, so it is stored verbatim on the change record.
type ConsumptionResult struct {
	ItemID          uuid.UUID
	ItemType        ledger.ItemType
	Scope           ledger.Scope
	Portions        []ledger.BatchPortion
	TotalCost       decimal.Decimal
	AverageUnitCost decimal.Decimal
	PrimaryBatchID  uuid.UUID
}

// TotalQuantity sums the consumed portions.
func (r ConsumptionResult) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Portions {
		total = total.Add(p.Quantity)
	}
	return total
}

// RestoreInput reverses an earlier consumption from its stored breakdown.
type RestoreInput struct {
	ItemID       uuid.UUID
	ItemType     ledger.ItemType
	Scope        ledger.Scope
	Portions     []ledger.BatchPortion
	Reason       ledger.ChangeReason
	SaleID       uuid.UUID
	ProductionID uuid.UUID
	ActorID      string
}

// CreateBatchInput registers a new purchase or production lot.
type CreateBatchInput struct {
	ItemID     uuid.UUID
	ItemType   ledger.ItemType
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	Scope      ledger.Scope
	Provenance ledger.Provenance
	Reason     ledger.ChangeReason
	ActorID    string
}

var (
	// ErrInsufficientStock indicates the eligible batches cannot cover the
	// requested quantity. No mutation occurred.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrLocationDisabled indicates a consumption against a disabled shop or
	// warehouse. Deliberately not a fallback to the global pool.
	ErrLocationDisabled = errors.New("stock: location disabled")
	// ErrInvalidPolicy indicates an unknown costing policy.
	ErrInvalidPolicy = errors.New("stock: invalid costing policy")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be positive")
)

// InsufficientStockError carries the detail callers need to render a precise
// message: which item fell short, by how much.
type InsufficientStockError struct {
	ItemID    uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for item %s: requested %s, available %s",
		e.ItemID, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

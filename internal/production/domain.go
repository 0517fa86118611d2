package production

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/stock"
)

// Status tracks the production lifecycle.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusReady      Status = "ready"
	StatusPublished  Status = "published"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// Material is one required input of a production run.
type Material struct {
	ItemID   uuid.UUID
	Quantity decimal.Decimal
}

// HistoryEntry is one line of the production state log.
type HistoryEntry struct {
	Status     Status
	Note       string
	OccurredAt time.Time
}

// Production is a manufacturing run. IsPublishing is a mutual-exclusion token
// for the publish workflow, not a lifecycle state; once IsClosed the record is
// immutable except for its history.
type Production struct {
	ID              uuid.UUID
	Name            string
	Status          Status
	Scope           ledger.Scope
	Policy          stock.Policy
	Materials       []Material
	OutputQuantity  decimal.Decimal
	IsPublishing    bool
	IsPublished     bool
	IsClosed        bool
	PublishedItemID uuid.UUID
	Breakdown       []ledger.BatchPortion
	History         []HistoryEntry
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemSpec describes the sellable item a publish materializes.
type ItemSpec struct {
	Name          string
	ReferenceCode string
	Images        []string
	SellingPrice  decimal.Decimal
}

// Item is the sellable good created by a publish. CostPrice is the realized
// per-unit cost from the materials actually consumed.
type Item struct {
	ID            uuid.UUID
	Name          string
	ReferenceCode string
	Images        []string
	CostPrice     decimal.Decimal
	SellingPrice  decimal.Decimal
	CreatedAt     time.Time
}

// PublishResult pairs the closed production with the resulting item.
type PublishResult struct {
	Production Production
	Item       Item
	// AlreadyPublished is true when the call was a retry and the result is
	// the outcome of the first successful publish.
	AlreadyPublished bool
}

var (
	// ErrProductionNotFound indicates a missing production row.
	ErrProductionNotFound = errors.New("production: not found")
	// ErrAlreadyPublishing indicates another publish holds the lock.
	ErrAlreadyPublishing = errors.New("production: publish already in progress")
	// ErrNotReady indicates a publish against a production outside the ready state.
	ErrNotReady = errors.New("production: not ready to publish")
	// ErrInconsistentState indicates a published production without a linked
	// item. Data corruption; surfaced, never repaired.
	ErrInconsistentState = errors.New("production: published without linked item")
)

// InsufficientMaterialError names the deficient material of a failed publish.
type InsufficientMaterialError struct {
	ProductionID uuid.UUID
	ItemID       uuid.UUID
	Required     decimal.Decimal
	Available    decimal.Decimal
}

func (e *InsufficientMaterialError) Error() string {
	return fmt.Sprintf("production %s: material %s requires %s, available %s",
		e.ProductionID, e.ItemID, e.Required, e.Available)
}

// Is makes errors.Is(err, stock.ErrInsufficientStock) match.
func (e *InsufficientMaterialError) Is(target error) bool {
	return target == stock.ErrInsufficientStock
}

package stock

import (
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier/internal/ledger"
)

// SourceType names where a stock operation originates.
type SourceType string

const (
	SourceShop      SourceType = "shop"
	SourceWarehouse SourceType = "warehouse"
	SourceGlobal    SourceType = "global"
)

// ResolveScope maps an operation source to the batch partition it may touch.
// A shop source with a shop id scopes to that shop; a warehouse source with a
// warehouse id scopes to that warehouse; everything else uses the global pool.
// Surplus in another scope is never borrowed.
func ResolveScope(source SourceType, shopID, warehouseID uuid.UUID) ledger.Scope {
	switch {
	case source == SourceShop && shopID != uuid.Nil:
		return ledger.Scope{Kind: ledger.ScopeShop, LocationID: shopID}
	case source == SourceWarehouse && warehouseID != uuid.Nil:
		return ledger.Scope{Kind: ledger.ScopeWarehouse, LocationID: warehouseID}
	default:
		return ledger.GlobalScope()
	}
}

package stock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier/internal/ledger"
)

func TestResolveScope(t *testing.T) {
	shopID := uuid.New()
	warehouseID := uuid.New()

	tests := []struct {
		name        string
		source      SourceType
		shopID      uuid.UUID
		warehouseID uuid.UUID
		want        ledger.Scope
	}{
		{"shop with id", SourceShop, shopID, uuid.Nil, ledger.Scope{Kind: ledger.ScopeShop, LocationID: shopID}},
		{"warehouse with id", SourceWarehouse, uuid.Nil, warehouseID, ledger.Scope{Kind: ledger.ScopeWarehouse, LocationID: warehouseID}},
		{"shop without id falls back to global", SourceShop, uuid.Nil, uuid.Nil, ledger.GlobalScope()},
		{"warehouse without id falls back to global", SourceWarehouse, uuid.Nil, uuid.Nil, ledger.GlobalScope()},
		{"global source", SourceGlobal, shopID, warehouseID, ledger.GlobalScope()},
		{"unknown source", SourceType("courier"), shopID, warehouseID, ledger.GlobalScope()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveScope(tc.source, tc.shopID, tc.warehouseID))
		})
	}
}

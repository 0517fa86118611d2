package stock

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LinePricing is the costed view of one sale or production line.
type LinePricing struct {
	UnitCost      decimal.Decimal
	TotalCost     decimal.Decimal
	LineProfit    decimal.Decimal
	MarginPercent decimal.Decimal
}

// PriceLine computes cost and profit for a line from the batches actually
// consumed. Profit is attributed per batch, not from the average cost: a line
// straddling two differently priced lots must carry each unit's exact
// historical cost.
func PriceLine(sellingPricePerUnit decimal.Decimal, result ConsumptionResult) LinePricing {
	profit := decimal.Zero
	for _, p := range result.Portions {
		profit = profit.Add(sellingPricePerUnit.Sub(p.UnitCost).Mul(p.Quantity))
	}
	quantity := result.TotalQuantity()
	margin := decimal.Zero
	if quantity.IsPositive() && !sellingPricePerUnit.IsZero() {
		revenue := sellingPricePerUnit.Mul(quantity)
		margin = profit.Div(revenue).Mul(hundred)
	}
	return LinePricing{
		UnitCost:      result.AverageUnitCost,
		TotalCost:     result.TotalCost,
		LineProfit:    profit,
		MarginPercent: margin,
	}
}

// SaleTotals aggregates per-line pricing into document totals.
type SaleTotals struct {
	TotalCost     decimal.Decimal
	TotalProfit   decimal.Decimal
	AverageMargin decimal.Decimal
}

// Totals sums the given lines. The average margin is profit over cost, zero
// when no cost was incurred.
func Totals(lines []LinePricing) SaleTotals {
	totals := SaleTotals{TotalCost: decimal.Zero, TotalProfit: decimal.Zero, AverageMargin: decimal.Zero}
	for _, line := range lines {
		totals.TotalCost = totals.TotalCost.Add(line.TotalCost)
		totals.TotalProfit = totals.TotalProfit.Add(line.LineProfit)
	}
	if totals.TotalCost.IsPositive() {
		totals.AverageMargin = totals.TotalProfit.Div(totals.TotalCost).Mul(hundred)
	}
	return totals
}

// Package ledger implements the position accounting core: applying a single
// trade event to a position, and recomputing a position by folding the full
// event history. Both paths share one pure update function, which is what
// makes them provably convergent.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// Anomaly describes an event the ledger refuses to auto-apply. The caller
// turns it into a model.ReconciliationTask; keeping id/timestamp assignment
// out of this package keeps Apply fully deterministic.
type Anomaly struct {
	TaskType     string
	Event        model.TradeEvent
	CoverableQty decimal.Decimal
}

// Result is the outcome of applying one event: exactly one of Applied or
// Anomaly is set. On Anomaly the input position is untouched.
type Result struct {
	Applied *model.Position
	Anomaly *Anomaly
}

// Apply folds one event into a position. Pure: no I/O, no clock, no
// randomness — fully determined by its inputs.
//
// Buys extend the position at a weighted-average cost basis. Sells realize
// profit against that basis; a sell larger than the tracked quantity is
// never clamped silently and comes back as an Anomaly instead, leaving the
// position unmodified until a human decides the task.
func Apply(position *model.Position, event model.TradeEvent) Result {
	pos := model.Position{
		UserID:         event.UserID,
		ItemID:         event.ItemID,
		Quantity:       decimal.Zero,
		AvgBuyPrice:    decimal.Zero,
		RealizedProfit: decimal.Zero,
	}
	if position != nil {
		pos = *position
	}
	if event.ItemName != "" {
		pos.ItemName = event.ItemName
	}

	switch event.Side {
	case model.SideSell:
		coverable := decimal.Min(event.Quantity, pos.Quantity)
		if coverable.LessThan(event.Quantity) {
			return Result{Anomaly: &Anomaly{
				TaskType:     model.TaskSellExceedsPosition,
				Event:        event,
				CoverableQty: coverable,
			}}
		}
		gain := coverable.Mul(event.PriceEach.Sub(pos.AvgBuyPrice))
		pos.Quantity = pos.Quantity.Sub(coverable)
		pos.RealizedProfit = pos.RealizedProfit.Add(gain)
		if !pos.Quantity.IsPositive() {
			// Full close resets the basis; the next buy starts fresh.
			pos.AvgBuyPrice = decimal.Zero
		}

	default: // buy
		newQty := pos.Quantity.Add(event.Quantity)
		if newQty.IsPositive() {
			totalCost := pos.Quantity.Mul(pos.AvgBuyPrice).
				Add(event.Quantity.Mul(event.PriceEach))
			pos.AvgBuyPrice = totalCost.Div(newQty)
		} else {
			pos.AvgBuyPrice = decimal.Zero
		}
		pos.Quantity = newQty
	}

	pos.LastPrice = event.PriceEach
	pos.UpdatedAt = event.OccurredAt
	return Result{Applied: &pos}
}

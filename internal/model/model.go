// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides. Anything the normalizer cannot positively identify as a sell
// is classified as a buy, matching the upstream feed's behavior.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Event sources recorded on the append-only log.
const (
	SourceWebhook        = "webhook"
	SourceReconciliation = "manual-reconciliation"
)

// TradeEvent is an immutable record of a single fill. Once inserted into
// trade_events these are never modified or deleted; the log is the source
// of truth for full recomputation.
type TradeEvent struct {
	ID         string          `json:"id" db:"id"`
	Signature  string          `json:"signature" db:"signature"`
	UserID     string          `json:"user_id" db:"user_id"`
	ItemID     string          `json:"item_id" db:"item_id"`
	ItemName   string          `json:"item_name" db:"item_name"` // display only
	Side       string          `json:"side" db:"side"`           // "buy" or "sell"
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	PriceEach  decimal.Decimal `json:"price_each" db:"price_each"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
	Source     string          `json:"source" db:"source"`

	// Seq is the insertion order assigned by the store; it breaks ties
	// between events with identical occurred_at during replay.
	Seq int64 `json:"seq" db:"seq"`
}

// Position is the derived state for one (user, item) pair. It must always
// equal the fold of that pair's full event history through ledger.Apply.
// A position with zero quantity is a valid closed position; rows are never
// deleted so realized profit survives a full close.
type Position struct {
	UserID         string          `json:"user_id" db:"user_id"`
	ItemID         string          `json:"item_id" db:"item_id"`
	ItemName       string          `json:"item_name" db:"item_name"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	AvgBuyPrice    decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	RealizedProfit decimal.Decimal `json:"realized_profit" db:"realized_profit"`
	LastPrice      decimal.Decimal `json:"last_price" db:"last_price"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// UnrealizedProfit is the paper profit of the held quantity marked against
// lastPrice. Zero for closed positions.
func (p Position) UnrealizedProfit(lastPrice decimal.Decimal) decimal.Decimal {
	if !p.Quantity.IsPositive() {
		return decimal.Zero
	}
	return p.Quantity.Mul(lastPrice.Sub(p.AvgBuyPrice))
}

// Reconciliation task statuses. Exactly one transition out of pending is
// permitted; deciding an already-decided task again is a no-op.
const (
	TaskPending  = "pending"
	TaskApproved = "approved"
	TaskRejected = "rejected"
)

// Task types.
const (
	TaskSellExceedsPosition = "sell_exceeds_position"
)

// TaskDetails captures the offending event plus the context a human needs
// to decide the task.
type TaskDetails struct {
	Event        TradeEvent      `json:"event"`
	CoverableQty decimal.Decimal `json:"coverable_qty"`
}

// ReconciliationTask is a pending decision for an event the ledger refused
// to auto-apply. Tasks are kept forever as an audit trail.
type ReconciliationTask struct {
	ID           string      `json:"id" db:"id"`
	UserID       string      `json:"user_id" db:"user_id"`
	TaskType     string      `json:"task_type" db:"task_type"`
	ItemID       string      `json:"item_id" db:"item_id"`
	ItemName     string      `json:"item_name" db:"item_name"`
	Details      TaskDetails `json:"details" db:"details"`
	Status       string      `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	DecidedAt    *time.Time  `json:"decided_at,omitempty" db:"decided_at"`
	DecisionNote string      `json:"decision_note,omitempty" db:"decision_note"`
}

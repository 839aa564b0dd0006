// Package pricefeed is the engine's view of the external market-data
// provider: an opaque "last observed price per item" lookup used only to
// compute unrealized profit. The engine never discovers prices itself.
package pricefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no price has been observed for an item.
var ErrNoPrice = errors.New("pricefeed: no observed price")

// Feed exposes the last observed market price per item. Implementations
// are free to be process-local or shared.
type Feed interface {
	LastPrice(ctx context.Context, itemID string) (decimal.Decimal, error)
	SetLastPrice(ctx context.Context, itemID string, price decimal.Decimal) error
}

// MemoryFeed is a process-local Feed. Used for testing and single-instance
// deployments.
type MemoryFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewMemoryFeed creates an empty in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{prices: make(map[string]decimal.Decimal)}
}

func (f *MemoryFeed) LastPrice(_ context.Context, itemID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.prices[itemID]
	if !ok {
		return decimal.Decimal{}, ErrNoPrice
	}
	return price, nil
}

func (f *MemoryFeed) SetLastPrice(_ context.Context, itemID string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prices[itemID] = price
	return nil
}

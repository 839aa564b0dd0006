package pricefeed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisFeed shares observed prices across instances. Prices expire after
// the TTL so a stalled provider reads as "no price" instead of a stale one.
type RedisFeed struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFeed creates a Redis-backed feed.
func NewRedisFeed(rdb *redis.Client, ttl time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, ttl: ttl}
}

func (f *RedisFeed) LastPrice(ctx context.Context, itemID string) (decimal.Decimal, error) {
	raw, err := f.rdb.Get(ctx, priceKey(itemID)).Result()
	if err == redis.Nil {
		return decimal.Decimal{}, ErrNoPrice
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(raw)
}

func (f *RedisFeed) SetLastPrice(ctx context.Context, itemID string, price decimal.Decimal) error {
	return f.rdb.Set(ctx, priceKey(itemID), price.String(), f.ttl).Err()
}

func priceKey(itemID string) string { return "price:last:" + itemID }

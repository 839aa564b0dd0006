package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a Window shared across instances, using SET NX with a TTL
// equal to the window. Backend errors admit the event rather than block it:
// a Redis outage must never stall ingestion, and the store's unique
// signature constraint still catches the duplicate.
type RedisWindow struct {
	rdb    *redis.Client
	window time.Duration
}

// NewRedisWindow creates a Redis-backed dedup window.
func NewRedisWindow(rdb *redis.Client, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisWindow{rdb: rdb, window: window}
}

func (w *RedisWindow) Admit(ctx context.Context, signature string, now time.Time) bool {
	ok, err := w.rdb.SetNX(ctx, dedupKey(signature), now.UnixMilli(), w.window).Result()
	if err != nil {
		slog.Warn("dedup backend unavailable, admitting event", "err", err)
		return true
	}
	return ok
}

func dedupKey(signature string) string { return "dedup:" + signature }

// Package dedup guards the ingest path against retry storms from the
// upstream webhook. A signature admitted once is suppressed for a bounded
// window; after the window it may be admitted again.
//
// This is a best-effort, time-bounded guard — not an exactly-once guarantee
// across instances. The durable second line of defense is the unique
// signature constraint on the trade_events table.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow matches the upstream webhook's observed retry burst width.
const DefaultWindow = 2000 * time.Millisecond

// Window decides whether an event signature should proceed. Admit returns
// true when the signature has not been seen within the window; on admission
// the entry is refreshed.
type Window interface {
	Admit(ctx context.Context, signature string, now time.Time) bool
}

// MemoryWindow is a process-local Window backed by a map of signature →
// last admission time. The clock comes in through Admit so tests control it.
type MemoryWindow struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryWindow creates a process-local dedup window. A non-positive
// window falls back to DefaultWindow.
func NewMemoryWindow(window time.Duration) *MemoryWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryWindow{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

func (w *MemoryWindow) Admit(_ context.Context, signature string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.seen[signature]; ok && now.Sub(last) < w.window {
		return false
	}
	w.seen[signature] = now

	// Opportunistic sweep keeps the map from growing without bound under
	// sustained unique traffic.
	if len(w.seen) > 4096 {
		for sig, last := range w.seen {
			if now.Sub(last) >= w.window {
				delete(w.seen, sig)
			}
		}
	}
	return true
}

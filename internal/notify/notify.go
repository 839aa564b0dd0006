// Package notify delivers human-readable alerts about reconciliation
// decisions. Delivery is strictly best-effort: a failed send is logged and
// never fails or rolls back the decision that triggered it.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Notifier sends a short text message somewhere a human will see it.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// sendTimeout bounds every outbound notification attempt.
const sendTimeout = 5 * time.Second

// BestEffort fires the notification in the background and swallows the
// result beyond a warn log. Safe to call with a nil notifier.
func BestEffort(n Notifier, message string) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.Send(ctx, message); err != nil {
			slog.Warn("notification delivery failed", "err", err)
		}
	}()
}

// Multi fans a message out to several notifiers, returning the last error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message string) error {
	var last error
	for _, n := range m {
		if err := n.Send(ctx, message); err != nil {
			last = err
		}
	}
	return last
}

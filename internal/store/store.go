// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Three logical tables back the core:
// trade_events (append-only), positions (upserted per user+item pair), and
// reconciliation_tasks (insert + guarded status transition).
type Store interface {
	// --- Append-only event log ---

	// ApplyEvent appends an immutable event (assigning its Seq) and upserts
	// the resulting position as one atomic unit: either both land or
	// neither does, so the event can never be durably consumed with the
	// position left unwritten. Returns false without error when the
	// signature already exists; the unique constraint is the durable line
	// of dedup defense behind the in-memory window.
	ApplyEvent(ctx context.Context, ev *model.TradeEvent, pos *model.Position) (bool, error)

	// RecordAnomaly appends an anomalous event and creates its pending
	// reconciliation task atomically, with the same duplicate-signature
	// semantics as ApplyEvent. The position is not touched.
	RecordAnomaly(ctx context.Context, ev *model.TradeEvent, task *model.ReconciliationTask) (bool, error)

	// GetEventsForPair returns the full history for one (user, item) pair
	// ordered by occurred_at, ties broken by insertion sequence.
	GetEventsForPair(ctx context.Context, userID, itemID string) ([]model.TradeEvent, error)

	// --- Positions ---

	// GetPosition returns the maintained row, or ErrNotFound before the
	// pair's first applied event.
	GetPosition(ctx context.Context, userID, itemID string) (*model.Position, error)

	// UpsertPosition writes the maintained row for a pair.
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// ListOpenPositions returns a user's positions with quantity > 0,
	// most recent activity first.
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListPositions returns all of a user's position rows, closed ones
	// included. Used by the convergence audit.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListPositionKeys returns every (user, item) pair that has a
	// maintained row. Used by the scheduled audit sweep.
	ListPositionKeys(ctx context.Context) ([]PairKey, error)

	// --- Reconciliation tasks ---

	CreateTask(ctx context.Context, task *model.ReconciliationTask) error
	GetTask(ctx context.Context, id string) (*model.ReconciliationTask, error)

	// ListTasks filters by status; an empty status lists everything.
	ListTasks(ctx context.Context, status string) ([]model.ReconciliationTask, error)

	// MarkTaskDecided transitions pending → decided (status, decided_at,
	// note) with no ledger mutation. Returns false when the task was not
	// pending, making retried decisions no-ops.
	MarkTaskDecided(ctx context.Context, task *model.ReconciliationTask) (bool, error)

	// ResolveTask atomically appends the synthesized resolution event,
	// upserts the repaired position, and transitions the task, as a single
	// unit. Returns false when the task was not pending.
	ResolveTask(ctx context.Context, task *model.ReconciliationTask, ev *model.TradeEvent, pos *model.Position) (bool, error)
}

// PairKey identifies one (user, item) position.
type PairKey struct {
	UserID string `json:"user_id"`
	ItemID string `json:"item_id"`
}

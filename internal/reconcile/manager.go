// Package reconcile owns the lifecycle of reconciliation tasks: creation on
// accounting anomalies, idempotent human approve/reject decisions, and the
// single authorized path that repairs a position after an approval.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradewatch/ledger-engine/internal/ledger"
	"github.com/tradewatch/ledger-engine/internal/locks"
	"github.com/tradewatch/ledger-engine/internal/metrics"
	"github.com/tradewatch/ledger-engine/internal/model"
	"github.com/tradewatch/ledger-engine/internal/notify"
	"github.com/tradewatch/ledger-engine/internal/store"
)

var (
	// ErrUnknownOutcome is returned for outcomes other than approved/rejected.
	ErrUnknownOutcome = errors.New("reconcile: outcome must be approved or rejected")

	// ErrUnsupportedTaskType is returned when an approval has no resolution
	// policy for the task's type.
	ErrUnsupportedTaskType = errors.New("reconcile: no resolution policy for task type")
)

// Publisher receives decided tasks for streaming to observers. Optional.
type Publisher interface {
	PublishDecision(task model.ReconciliationTask)
}

// Decision is the outcome of Decide. Skipped is true when the task was
// already decided (or does not exist), in which case nothing was mutated —
// retried decisions are deliberately benign.
type Decision struct {
	Task    *model.ReconciliationTask `json:"task,omitempty"`
	Skipped bool                      `json:"skipped"`
}

// Manager drives reconciliation task transitions against the store.
type Manager struct {
	store     store.Store
	pairs     *locks.PairMutex
	notifier  notify.Notifier
	publisher Publisher
	now       func() time.Time
}

// NewManager creates a reconciliation manager. notifier and publisher may
// be nil; pairs must be the same PairMutex the ingest path serializes on,
// so apply-event and approve-task never race on one position.
func NewManager(st store.Store, pairs *locks.PairMutex, notifier notify.Notifier, publisher Publisher) *Manager {
	return &Manager{
		store:     st,
		pairs:     pairs,
		notifier:  notifier,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewTask builds a pending task from a ledger anomaly.
func NewTask(a ledger.Anomaly, now time.Time) *model.ReconciliationTask {
	return &model.ReconciliationTask{
		ID:       uuid.New().String(),
		UserID:   a.Event.UserID,
		TaskType: a.TaskType,
		ItemID:   a.Event.ItemID,
		ItemName: a.Event.ItemName,
		Details: model.TaskDetails{
			Event:        a.Event,
			CoverableQty: a.CoverableQty,
		},
		Status:    model.TaskPending,
		CreatedAt: now,
	}
}

// Decide applies a human decision to a task. Deciding a task that is
// missing or already decided returns Skipped rather than an error, so
// client retries are always safe. An approval mutates the ledger exactly
// once; the task transition and the ledger repair commit atomically.
func (m *Manager) Decide(ctx context.Context, taskID, outcome, note string) (Decision, error) {
	if outcome != model.TaskApproved && outcome != model.TaskRejected {
		return Decision{}, ErrUnknownOutcome
	}

	task, err := m.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.DecisionsTotal.WithLabelValues("skipped").Inc()
		return Decision{Skipped: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if task.Status != model.TaskPending {
		metrics.DecisionsTotal.WithLabelValues("skipped").Inc()
		return Decision{Task: task, Skipped: true}, nil
	}

	decidedAt := m.now()
	task.Status = outcome
	task.DecidedAt = &decidedAt
	task.DecisionNote = note

	var applied bool
	if outcome == model.TaskRejected {
		applied, err = m.store.MarkTaskDecided(ctx, task)
	} else {
		applied, err = m.approve(ctx, task)
	}
	if err != nil {
		return Decision{}, err
	}
	if !applied {
		// Lost the race against a concurrent decision; report the winner.
		current, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return Decision{}, err
		}
		metrics.DecisionsTotal.WithLabelValues("skipped").Inc()
		return Decision{Task: current, Skipped: true}, nil
	}

	metrics.DecisionsTotal.WithLabelValues(outcome).Inc()
	slog.Info("reconciliation task decided",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"outcome", outcome,
		"user", task.UserID,
		"item", task.ItemID,
	)

	notify.BestEffort(m.notifier, fmt.Sprintf(
		"reconciliation %s: task %s (%s) for user %s item %q",
		outcome, task.ID, task.TaskType, task.UserID, task.ItemName,
	))
	if m.publisher != nil {
		m.publisher.PublishDecision(*task)
	}
	return Decision{Task: task}, nil
}

// approve resolves an approved task against the ledger. Policy for
// sell_exceeds_position: treat the sell as fully closing the tracked
// position — sell exactly the quantity currently held, realize profit on
// that portion, and discard the excess requested quantity rather than going
// negative. The synthesized event goes through the same pure ledger update
// as any other fill, so a later fold of the log reproduces the repair.
func (m *Manager) approve(ctx context.Context, task *model.ReconciliationTask) (bool, error) {
	if task.TaskType != model.TaskSellExceedsPosition {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedTaskType, task.TaskType)
	}

	unlock := m.pairs.Lock(task.UserID + "\x00" + task.ItemID)
	defer unlock()

	pos, err := m.store.GetPosition(ctx, task.UserID, task.ItemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	// Nothing tracked to close: the decision still lands, with no event.
	if pos == nil || !pos.Quantity.IsPositive() {
		return m.store.MarkTaskDecided(ctx, task)
	}

	offending := task.Details.Event
	resolution := model.TradeEvent{
		ID:         uuid.New().String(),
		UserID:     task.UserID,
		ItemID:     task.ItemID,
		ItemName:   task.ItemName,
		Side:       model.SideSell,
		Quantity:   pos.Quantity,
		PriceEach:  offending.PriceEach,
		OccurredAt: m.now(),
		Source:     model.SourceReconciliation,
	}
	// Deterministic per task: even a replay after a partial failure cannot
	// append a second resolution event for the same decision.
	resolution.Signature = "resolution:" + task.ID

	res := ledger.Apply(pos, resolution)
	if res.Anomaly != nil {
		// Cannot happen: the clamped quantity is fully covered.
		return false, fmt.Errorf("reconcile: clamped resolution raised %s", res.Anomaly.TaskType)
	}

	return m.store.ResolveTask(ctx, task, &resolution, res.Applied)
}

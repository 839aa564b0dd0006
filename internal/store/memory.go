package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	events     []model.TradeEvent
	signatures map[string]bool
	positions  map[PairKey]*model.Position
	tasks      map[string]*model.ReconciliationTask
	nextSeq    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signatures: make(map[string]bool),
		positions:  make(map[PairKey]*model.Position),
		tasks:      make(map[string]*model.ReconciliationTask),
		nextSeq:    1,
	}
}

// ApplyEvent appends the event and writes the position under one lock hold,
// mirroring the transactional pairing of the Postgres store.
func (s *MemoryStore) ApplyEvent(_ context.Context, ev *model.TradeEvent, p *model.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.appendEvent(ev) {
		return false, nil
	}
	cp := *p
	s.positions[PairKey{UserID: p.UserID, ItemID: p.ItemID}] = &cp
	return true, nil
}

// RecordAnomaly appends the anomalous event and its pending task together,
// leaving the position untouched.
func (s *MemoryStore) RecordAnomaly(_ context.Context, ev *model.TradeEvent, t *model.ReconciliationTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.appendEvent(ev) {
		return false, nil
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return true, nil
}

// appendEvent adds ev to the log if its signature is new. Callers must hold
// the write lock.
func (s *MemoryStore) appendEvent(ev *model.TradeEvent) bool {
	if s.signatures[ev.Signature] {
		return false
	}
	ev.Seq = s.nextSeq
	s.nextSeq++
	s.signatures[ev.Signature] = true
	s.events = append(s.events, *ev)
	return true
}

func (s *MemoryStore) GetEventsForPair(_ context.Context, userID, itemID string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, ev := range s.events {
		if ev.UserID == userID && ev.ItemID == itemID {
			result = append(result, ev)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].Seq < result[j].Seq
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, itemID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[PairKey{UserID: userID, ItemID: itemID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[PairKey{UserID: p.UserID, ItemID: p.ItemID}] = &cp
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(userID, true)
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(userID, false)
}

func (s *MemoryStore) listPositions(userID string, openOnly bool) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if openOnly && !p.Quantity.IsPositive() {
			continue
		}
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UpdatedAt.After(positions[j].UpdatedAt)
	})
	return positions, nil
}

func (s *MemoryStore) ListPositionKeys(_ context.Context) ([]PairKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]PairKey, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID == keys[j].UserID {
			return keys[i].ItemID < keys[j].ItemID
		}
		return keys[i].UserID < keys[j].UserID
	})
	return keys, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t *model.ReconciliationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.ReconciliationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, status string) ([]model.ReconciliationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []model.ReconciliationTask
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *MemoryStore) MarkTaskDecided(_ context.Context, t *model.ReconciliationTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[t.ID]
	if !ok || existing.Status != model.TaskPending {
		return false, nil
	}
	existing.Status = t.Status
	existing.DecidedAt = t.DecidedAt
	existing.DecisionNote = t.DecisionNote
	return true, nil
}

func (s *MemoryStore) ResolveTask(_ context.Context, t *model.ReconciliationTask, ev *model.TradeEvent, p *model.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[t.ID]
	if !ok || existing.Status != model.TaskPending {
		return false, nil
	}
	existing.Status = t.Status
	existing.DecidedAt = t.DecidedAt
	existing.DecisionNote = t.DecisionNote

	s.appendEvent(ev)

	cp := *p
	s.positions[PairKey{UserID: p.UserID, ItemID: p.ItemID}] = &cp
	return true, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position reads, the hot path behind GET /positions. Writes go
// to the primary store and invalidate the affected keys; reads check Redis
// first then fall back to the primary. Event-log and task operations pass
// through uncached — the log is append-only and task lists are low-volume.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped system-of-record store, for callers that must
// not read potentially stale cached rows.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyEvent(ctx context.Context, ev *model.TradeEvent, p *model.Position) (bool, error) {
	inserted, err := s.primary.ApplyEvent(ctx, ev, p)
	if inserted {
		s.invalidatePosition(ctx, p.UserID, p.ItemID)
	}
	return inserted, err
}

func (s *CachedStore) RecordAnomaly(ctx context.Context, ev *model.TradeEvent, t *model.ReconciliationTask) (bool, error) {
	return s.primary.RecordAnomaly(ctx, ev, t)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.invalidatePosition(ctx, p.UserID, p.ItemID)
	return nil
}

func (s *CachedStore) MarkTaskDecided(ctx context.Context, t *model.ReconciliationTask) (bool, error) {
	return s.primary.MarkTaskDecided(ctx, t)
}

func (s *CachedStore) ResolveTask(ctx context.Context, t *model.ReconciliationTask, ev *model.TradeEvent, p *model.Position) (bool, error) {
	done, err := s.primary.ResolveTask(ctx, t, ev, p)
	if done {
		s.invalidatePosition(ctx, p.UserID, p.ItemID)
	}
	return done, err
}

func (s *CachedStore) CreateTask(ctx context.Context, t *model.ReconciliationTask) error {
	return s.primary.CreateTask(ctx, t)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, itemID string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(userID, itemID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(userID, itemID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, openPositionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, openPositionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEventsForPair(ctx context.Context, userID, itemID string) ([]model.TradeEvent, error) {
	return s.primary.GetEventsForPair(ctx, userID, itemID)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

func (s *CachedStore) ListPositionKeys(ctx context.Context) ([]PairKey, error) {
	return s.primary.ListPositionKeys(ctx)
}

func (s *CachedStore) GetTask(ctx context.Context, id string) (*model.ReconciliationTask, error) {
	return s.primary.GetTask(ctx, id)
}

func (s *CachedStore) ListTasks(ctx context.Context, status string) ([]model.ReconciliationTask, error) {
	return s.primary.ListTasks(ctx, status)
}

// --- Cache helpers ---

func (s *CachedStore) invalidatePosition(ctx context.Context, userID, itemID string) {
	s.rdb.Del(ctx, positionKey(userID, itemID), openPositionsKey(userID))
}

func positionKey(userID, itemID string) string {
	return fmt.Sprintf("position:%s:%s", userID, itemID)
}

func openPositionsKey(userID string) string {
	return fmt.Sprintf("positions:open:%s", userID)
}

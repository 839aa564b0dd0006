package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the three core tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trade_events (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL,
			signature   TEXT NOT NULL UNIQUE,
			user_id     TEXT NOT NULL,
			item_id     TEXT NOT NULL,
			item_name   TEXT NOT NULL DEFAULT '',
			side        TEXT NOT NULL,
			quantity    NUMERIC NOT NULL,
			price_each  NUMERIC NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			source      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS trade_events_pair_idx
			ON trade_events (user_id, item_id, occurred_at, seq);

		CREATE TABLE IF NOT EXISTS positions (
			user_id         TEXT NOT NULL,
			item_id         TEXT NOT NULL,
			item_name       TEXT NOT NULL DEFAULT '',
			quantity        NUMERIC NOT NULL,
			avg_buy_price   NUMERIC NOT NULL,
			realized_profit NUMERIC NOT NULL,
			last_price      NUMERIC NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, item_id)
		);

		CREATE TABLE IF NOT EXISTS reconciliation_tasks (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			task_type     TEXT NOT NULL,
			item_id       TEXT NOT NULL,
			item_name     TEXT NOT NULL DEFAULT '',
			details       JSONB NOT NULL,
			status        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			decided_at    TIMESTAMPTZ,
			decision_note TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS reconciliation_tasks_status_idx
			ON reconciliation_tasks (status, created_at);
	`)
	return err
}

// ApplyEvent appends the event and upserts the position in one transaction.
// A failure after the insert rolls the insert back too, so the event stays
// unconsumed and the upstream retry is not dropped as a duplicate.
func (s *PostgresStore) ApplyEvent(ctx context.Context, ev *model.TradeEvent, p *model.Position) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil || !inserted {
		return false, err
	}

	if _, err := tx.Exec(ctx, upsertPositionSQL, positionArgs(p)...); err != nil {
		return false, fmt.Errorf("upsert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RecordAnomaly appends the anomalous event and creates its pending task in
// one transaction, leaving the position untouched.
func (s *PostgresStore) RecordAnomaly(ctx context.Context, ev *model.TradeEvent, t *model.ReconciliationTask) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil || !inserted {
		return false, err
	}

	details, err := json.Marshal(t.Details)
	if err != nil {
		return false, fmt.Errorf("marshal task details: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO reconciliation_tasks (id, user_id, task_type, item_id, item_name, details, status, created_at, decided_at, decision_note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.TaskType, t.ItemID, t.ItemName, details,
		t.Status, t.CreatedAt, t.DecidedAt, t.DecisionNote,
	); err != nil {
		return false, fmt.Errorf("create anomaly task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// insertEvent appends to the log inside tx. Returns false when the
// signature already exists.
func insertEvent(ctx context.Context, tx pgx.Tx, ev *model.TradeEvent) (bool, error) {
	err := tx.QueryRow(ctx,
		`INSERT INTO trade_events (id, signature, user_id, item_id, item_name, side, quantity, price_each, occurred_at, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (signature) DO NOTHING
		 RETURNING seq`,
		ev.ID, ev.Signature, ev.UserID, ev.ItemID, ev.ItemName, ev.Side,
		ev.Quantity.String(), ev.PriceEach.String(), ev.OccurredAt, ev.Source,
	).Scan(&ev.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil // signature already logged
	}
	if err != nil {
		return false, fmt.Errorf("insert trade event: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetEventsForPair(ctx context.Context, userID, itemID string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, signature, user_id, item_id, item_name, side,
		        quantity::TEXT, price_each::TEXT, occurred_at, source
		 FROM trade_events
		 WHERE user_id = $1 AND item_id = $2
		 ORDER BY occurred_at, seq`, userID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		var ev model.TradeEvent
		var qtyS, priceS string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Signature, &ev.UserID, &ev.ItemID,
			&ev.ItemName, &ev.Side, &qtyS, &priceS, &ev.OccurredAt, &ev.Source); err != nil {
			return nil, err
		}
		ev.Quantity, _ = decimal.NewFromString(qtyS)
		ev.PriceEach, _ = decimal.NewFromString(priceS)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, itemID string) (*model.Position, error) {
	pos, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT user_id, item_id, item_name,
		        quantity::TEXT, avg_buy_price::TEXT, realized_profit::TEXT, last_price::TEXT,
		        updated_at
		 FROM positions WHERE user_id = $1 AND item_id = $2`, userID, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, itemID, err)
	}
	return pos, nil
}

const upsertPositionSQL = `
	INSERT INTO positions (user_id, item_id, item_name, quantity, avg_buy_price, realized_profit, last_price, updated_at)
	VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
	ON CONFLICT (user_id, item_id) DO UPDATE SET
	    item_name = EXCLUDED.item_name,
	    quantity = EXCLUDED.quantity,
	    avg_buy_price = EXCLUDED.avg_buy_price,
	    realized_profit = EXCLUDED.realized_profit,
	    last_price = EXCLUDED.last_price,
	    updated_at = EXCLUDED.updated_at`

func positionArgs(p *model.Position) []any {
	return []any{
		p.UserID, p.ItemID, p.ItemName,
		p.Quantity.String(), p.AvgBuyPrice.String(), p.RealizedProfit.String(), p.LastPrice.String(),
		p.UpdatedAt,
	}
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx, upsertPositionSQL, positionArgs(p)...)
	return err
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, item_id, item_name,
		        quantity::TEXT, avg_buy_price::TEXT, realized_profit::TEXT, last_price::TEXT,
		        updated_at
		 FROM positions
		 WHERE user_id = $1 AND quantity > 0
		 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, item_id, item_name,
		        quantity::TEXT, avg_buy_price::TEXT, realized_profit::TEXT, last_price::TEXT,
		        updated_at
		 FROM positions
		 WHERE user_id = $1
		 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionKeys(ctx context.Context) ([]PairKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, item_id FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []PairKey
	for rows.Next() {
		var k PairKey
		if err := rows.Scan(&k.UserID, &k.ItemID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.ReconciliationTask) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("marshal task details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reconciliation_tasks (id, user_id, task_type, item_id, item_name, details, status, created_at, decided_at, decision_note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.TaskType, t.ItemID, t.ItemName, details,
		t.Status, t.CreatedAt, t.DecidedAt, t.DecisionNote,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.ReconciliationTask, error) {
	task, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT id, user_id, task_type, item_id, item_name, details, status, created_at, decided_at, decision_note
		 FROM reconciliation_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status string) ([]model.ReconciliationTask, error) {
	query := `SELECT id, user_id, task_type, item_id, item_name, details, status, created_at, decided_at, decision_note
	          FROM reconciliation_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.ReconciliationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) MarkTaskDecided(ctx context.Context, t *model.ReconciliationTask) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reconciliation_tasks
		 SET status = $2, decided_at = $3, decision_note = $4
		 WHERE id = $1 AND status = 'pending'`,
		t.ID, t.Status, t.DecidedAt, t.DecisionNote,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveTask performs the approve path as one transaction: the task leaves
// pending, the synthesized resolution event is appended, and the repaired
// position is upserted — or none of it happens.
func (s *PostgresStore) ResolveTask(ctx context.Context, t *model.ReconciliationTask, ev *model.TradeEvent, p *model.Position) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE reconciliation_tasks
		 SET status = $2, decided_at = $3, decision_note = $4
		 WHERE id = $1 AND status = 'pending'`,
		t.ID, t.Status, t.DecidedAt, t.DecisionNote,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil // already decided elsewhere
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO trade_events (id, signature, user_id, item_id, item_name, side, quantity, price_each, occurred_at, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 RETURNING seq`,
		ev.ID, ev.Signature, ev.UserID, ev.ItemID, ev.ItemName, ev.Side,
		ev.Quantity.String(), ev.PriceEach.String(), ev.OccurredAt, ev.Source,
	).Scan(&ev.Seq); err != nil {
		return false, fmt.Errorf("insert resolution event: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertPositionSQL, positionArgs(p)...); err != nil {
		return false, fmt.Errorf("upsert resolved position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// --- scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var qtyS, avgS, realizedS, lastS string
	if err := row.Scan(&p.UserID, &p.ItemID, &p.ItemName,
		&qtyS, &avgS, &realizedS, &lastS, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.AvgBuyPrice, _ = decimal.NewFromString(avgS)
	p.RealizedProfit, _ = decimal.NewFromString(realizedS)
	p.LastPrice, _ = decimal.NewFromString(lastS)
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanTask(row pgxRow) (*model.ReconciliationTask, error) {
	var t model.ReconciliationTask
	var details []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.TaskType, &t.ItemID, &t.ItemName,
		&details, &t.Status, &t.CreatedAt, &t.DecidedAt, &t.DecisionNote); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &t.Details); err != nil {
		return nil, fmt.Errorf("unmarshal task details: %w", err)
	}
	return &t, nil
}

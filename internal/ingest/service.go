// Package ingest provides the HTTP handlers and business logic for
// ingesting trade-confirmation events, querying positions, and driving
// reconciliation decisions.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/dedup"
	"github.com/tradewatch/ledger-engine/internal/event"
	"github.com/tradewatch/ledger-engine/internal/ledger"
	"github.com/tradewatch/ledger-engine/internal/locks"
	"github.com/tradewatch/ledger-engine/internal/metrics"
	"github.com/tradewatch/ledger-engine/internal/model"
	"github.com/tradewatch/ledger-engine/internal/pricefeed"
	"github.com/tradewatch/ledger-engine/internal/reconcile"
	"github.com/tradewatch/ledger-engine/internal/store"
)

// SecretHeader carries the optional shared secret on webhook deliveries.
const SecretHeader = "X-Webhook-Secret"

// maxBodyBytes bounds inbound payloads.
const maxBodyBytes = 1 << 20

// Service handles event ingestion and read queries. Mutations to one
// (user, item) position are serialized on the shared pair mutex; different
// pairs proceed concurrently.
type Service struct {
	store      store.Store
	window     dedup.Window
	normalizer *event.Normalizer
	manager    *reconcile.Manager
	pairs      *locks.PairMutex
	feed       pricefeed.Feed
	hub        *WSHub // optional WebSocket hub for real-time broadcasts
	secret     string
	now        func() time.Time
}

// NewService creates the ingest service. Pass nil for hub if WebSocket
// broadcasting is not needed; an empty secret disables the header check.
func NewService(st store.Store, window dedup.Window, manager *reconcile.Manager,
	pairs *locks.PairMutex, feed pricefeed.Feed, hub *WSHub, secret string) *Service {
	return &Service{
		store:      st,
		window:     window,
		normalizer: event.NewNormalizer(),
		manager:    manager,
		pairs:      pairs,
		feed:       feed,
		hub:        hub,
		secret:     secret,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// IngestResponse reports per-batch counts. Duplicates and rejects lower
// Ingested without ever failing the batch.
type IngestResponse struct {
	Ingested   int    `json:"ingested"`
	Duplicates int    `json:"duplicates,omitempty"`
	Rejected   int    `json:"rejected,omitempty"`
	Anomalies  int    `json:"anomalies,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// PositionView is one row of GET /positions.
type PositionView struct {
	ItemID           string          `json:"item_id"`
	ItemName         string          `json:"item_name"`
	Quantity         decimal.Decimal `json:"quantity"`
	AvgBuyPrice      decimal.Decimal `json:"avg_buy_price"`
	RealizedProfit   decimal.Decimal `json:"realized_profit"`
	UnrealizedProfit decimal.Decimal `json:"unrealized_profit"`
	LastPrice        decimal.Decimal `json:"last_price"`
	LastEventTime    time.Time       `json:"last_event_time"`
}

// AuditRow compares the maintained position row against a full fold of the
// pair's event log.
type AuditRow struct {
	ItemID     string         `json:"item_id"`
	Converged  bool           `json:"converged"`
	Maintained model.Position `json:"maintained"`
	Recomputed model.Position `json:"recomputed"`
}

// DecisionRequest is the JSON body for POST /reconciliation-tasks.
type DecisionRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "approved" or "rejected"
	Note   string `json:"note,omitempty"`
}

// PriceRequest is the JSON body for PUT /prices/{itemID}.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// --- HTTP Handlers ---

// IngestEvents handles POST /api/v1/events
// Accepts a single raw payload object or an array; favors partial success
// and detailed counts over hard failures.
func (s *Service) IngestEvents(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" && r.Header.Get(SecretHeader) != s.secret {
		writeError(w, "invalid webhook secret", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	events, rejections := s.normalizer.Normalize(body)
	for _, rej := range rejections {
		metrics.EventsRejected.Inc()
		slog.Warn("event rejected by normalizer", "index", rej.Index, "err", rej.Err)
	}

	resp := IngestResponse{Rejected: len(rejections)}
	ctx := r.Context()
	for _, ev := range events {
		outcome, err := s.applyOne(ctx, ev)
		if err != nil {
			// Storage failure: fail the unit of work so the upstream
			// retries; the signature keeps the retry idempotent.
			slog.Error("event application failed", "signature", ev.Signature, "err", err)
			writeError(w, "failed to persist event", http.StatusInternalServerError)
			return
		}
		switch outcome {
		case outcomeDuplicate:
			resp.Duplicates++
		case outcomeAnomaly:
			resp.Ingested++
			resp.Anomalies++
		default:
			resp.Ingested++
		}
	}

	if resp.Ingested == 0 && resp.Duplicates == 0 {
		resp.Warning = "no actionable events in payload"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeAnomaly   = "anomaly"
)

// applyOne runs one event through the window, the log, and the ledger under
// the pair lock. The log append and its consequence (position upsert, or
// task create on the anomaly branch) commit as one atomic store operation:
// a storage failure leaves the event unconsumed so the upstream retry is
// not dropped as a duplicate. Anomalous events still land on the
// append-only log — the fold skips them the same way the incremental path
// does — but the position is left untouched and a pending task is created
// instead.
func (s *Service) applyOne(ctx context.Context, ev model.TradeEvent) (string, error) {
	if !s.window.Admit(ctx, ev.Signature, s.now()) {
		metrics.DuplicatesDropped.WithLabelValues("window").Inc()
		return outcomeDuplicate, nil
	}

	unlock := s.pairs.Lock(ev.UserID + "\x00" + ev.ItemID)
	defer unlock()

	pos, err := s.store.GetPosition(ctx, ev.UserID, ev.ItemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	res := ledger.Apply(pos, ev)
	if res.Anomaly != nil {
		task := reconcile.NewTask(*res.Anomaly, s.now())
		inserted, err := s.store.RecordAnomaly(ctx, &ev, task)
		if err != nil {
			return "", err
		}
		if !inserted {
			// Slipped past the window (restart, second instance); the
			// unique signature constraint is the durable line of defense.
			metrics.DuplicatesDropped.WithLabelValues("store").Inc()
			return outcomeDuplicate, nil
		}
		metrics.AnomaliesCreated.WithLabelValues(task.TaskType).Inc()
		slog.Warn("accounting anomaly, task created",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"user", ev.UserID,
			"item", ev.ItemID,
			"sell_qty", ev.Quantity.String(),
			"coverable_qty", task.Details.CoverableQty.String(),
		)
		if s.hub != nil {
			s.hub.Broadcast(WSMessage{
				Type:     "anomaly_created",
				UserID:   ev.UserID,
				ItemID:   ev.ItemID,
				ItemName: ev.ItemName,
				Side:     ev.Side,
				Quantity: ev.Quantity.String(),
				Price:    ev.PriceEach.String(),
				TaskID:   task.ID,
				Status:   task.Status,
			})
		}
		return outcomeAnomaly, nil
	}

	inserted, err := s.store.ApplyEvent(ctx, &ev, res.Applied)
	if err != nil {
		return "", err
	}
	if !inserted {
		metrics.DuplicatesDropped.WithLabelValues("store").Inc()
		return outcomeDuplicate, nil
	}

	// The fill price doubles as a last-observed market price; a richer
	// external feed simply overwrites it.
	if s.feed != nil {
		if err := s.feed.SetLastPrice(ctx, ev.ItemID, ev.PriceEach); err != nil {
			slog.Warn("price feed update failed", "item", ev.ItemID, "err", err)
		}
	}

	metrics.EventsIngested.WithLabelValues(ev.Side).Inc()
	slog.Info("event applied",
		"user", ev.UserID,
		"item", ev.ItemID,
		"side", ev.Side,
		"qty", ev.Quantity.String(),
		"price", ev.PriceEach.String(),
		"new_qty", res.Applied.Quantity.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:     "event_applied",
			UserID:   ev.UserID,
			ItemID:   ev.ItemID,
			ItemName: ev.ItemName,
			Side:     ev.Side,
			Quantity: ev.Quantity.String(),
			Price:    ev.PriceEach.String(),
		})
	}
	return outcomeApplied, nil
}

// GetPositions handles GET /api/v1/positions?userId=...
// Returns open positions (quantity > 0), most recent activity first.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, "userId is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	positions, err := s.store.ListOpenPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		lastPrice := p.LastPrice
		if s.feed != nil {
			if observed, err := s.feed.LastPrice(ctx, p.ItemID); err == nil {
				lastPrice = observed
			}
		}
		views = append(views, PositionView{
			ItemID:           p.ItemID,
			ItemName:         p.ItemName,
			Quantity:         p.Quantity,
			AvgBuyPrice:      p.AvgBuyPrice,
			RealizedProfit:   p.RealizedProfit,
			UnrealizedProfit: p.UnrealizedProfit(lastPrice),
			LastPrice:        lastPrice,
			LastEventTime:    p.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// AuditPositions handles GET /api/v1/positions/audit?userId=...
// Recomputes each pair from the event log and reports drift against the
// maintained rows. Read-only: drift is reported, never auto-repaired.
func (s *Service) AuditPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, "userId is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	rows := make([]AuditRow, 0, len(positions))
	for _, p := range positions {
		events, err := s.store.GetEventsForPair(ctx, userID, p.ItemID)
		if err != nil {
			writeError(w, "failed to load event history", http.StatusInternalServerError)
			return
		}
		folded, _ := ledger.Recompute(events)
		rows = append(rows, AuditRow{
			ItemID:     p.ItemID,
			Converged:  ledger.Converged(p, folded),
			Maintained: p,
			Recomputed: folded,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// ListTasks handles GET /api/v1/reconciliation-tasks?status=...
func (s *Service) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", "all":
		status = ""
	case model.TaskPending, model.TaskApproved, model.TaskRejected:
	default:
		writeError(w, "status must be pending, approved, rejected, or all", http.StatusBadRequest)
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), status)
	if err != nil {
		writeError(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.ReconciliationTask{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

// DecideTask handles POST /api/v1/reconciliation-tasks
// Applies a human decision; re-submitting the same decision is a no-op
// success so client retries stay safe.
func (s *Service) DecideTask(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}

	decision, err := s.manager.Decide(r.Context(), req.ID, req.Status, req.Note)
	if errors.Is(err, reconcile.ErrUnknownOutcome) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to apply decision", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// SetPrice handles PUT /api/v1/prices/{itemID}
// Records a last-observed market price from the external feed adapter.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	if err := s.feed.SetLastPrice(r.Context(), itemID, req.Price); err != nil {
		writeError(w, "failed to record price", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

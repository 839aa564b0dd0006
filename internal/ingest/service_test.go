package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/dedup"
	"github.com/tradewatch/ledger-engine/internal/ingest"
	"github.com/tradewatch/ledger-engine/internal/locks"
	"github.com/tradewatch/ledger-engine/internal/model"
	"github.com/tradewatch/ledger-engine/internal/pricefeed"
	"github.com/tradewatch/ledger-engine/internal/reconcile"
	"github.com/tradewatch/ledger-engine/internal/store"
)

const testSecret = "test-secret"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a Service over in-memory backends behind a chi router
// with the production route layout.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	pairs := locks.NewPairMutex()
	feed := pricefeed.NewMemoryFeed()
	manager := reconcile.NewManager(ms, pairs, nil, nil)
	svc := ingest.NewService(ms, dedup.NewMemoryWindow(2*time.Second), manager, pairs, feed, nil, testSecret)

	r := chi.NewRouter()
	r.Post("/api/v1/events", svc.IngestEvents)
	r.Get("/api/v1/positions", svc.GetPositions)
	r.Get("/api/v1/positions/audit", svc.AuditPositions)
	r.Get("/api/v1/reconciliation-tasks", svc.ListTasks)
	r.Post("/api/v1/reconciliation-tasks", svc.DecideTask)
	r.Put("/api/v1/prices/{itemID}", svc.SetPrice)
	return ms, r
}

func postJSON(t *testing.T, router chi.Router, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ingest.SecretHeader, testSecret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, router chi.Router, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w
}

// fill builds a raw webhook payload item in the upstream's snake_case shape.
func fill(fillID, side string, qty, price float64) map[string]any {
	return map[string]any{
		"user_id":     "u1",
		"item_id":     "sword-7",
		"item_name":   "Iron Sword",
		"side":        side,
		"quantity":    qty,
		"price_each":  price,
		"occurred_at": "2025-06-01T12:00:00Z",
		"fill_id":     fillID,
	}
}

func ingestCounts(t *testing.T, w *httptest.ResponseRecorder) ingest.IngestResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", w.Code, w.Body.String())
	}
	var resp ingest.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	return resp
}

// --- Ingestion ---

func TestIngest_RequiresSecret(t *testing.T) {
	_, router := newTestEnv(t)

	body, _ := json.Marshal(fill("f1", "buy", 10, 100))
	req := httptest.NewRequest("POST", "/api/v1/events", bytes.NewReader(body))
	req.Header.Set(ingest.SecretHeader, "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestIngest_BatchWithDuplicateDelivery(t *testing.T) {
	_, router := newTestEnv(t)

	// Second fill delivered twice in the same batch.
	w := postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		fill("f2", "buy", 10, 200),
		fill("f2", "buy", 10, 200),
	})
	resp := ingestCounts(t, w)

	if resp.Ingested != 2 {
		t.Errorf("ingested = %d, want 2", resp.Ingested)
	}
	if resp.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", resp.Duplicates)
	}

	var positions []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &positions)
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	if !positions[0].Quantity.Equal(d(20)) {
		t.Errorf("quantity = %s, want 20", positions[0].Quantity)
	}
	if !positions[0].AvgBuyPrice.Equal(d(150)) {
		t.Errorf("avg buy price = %s, want 150", positions[0].AvgBuyPrice)
	}
}

func TestIngest_RetriedDeliveryAcrossRequests(t *testing.T) {
	_, router := newTestEnv(t)

	first := ingestCounts(t, postJSON(t, router, "/api/v1/events", fill("f1", "buy", 10, 100)))
	if first.Ingested != 1 {
		t.Fatalf("first delivery ingested = %d, want 1", first.Ingested)
	}

	// Upstream retry of the identical fill.
	retry := ingestCounts(t, postJSON(t, router, "/api/v1/events", fill("f1", "buy", 10, 100)))
	if retry.Ingested != 0 || retry.Duplicates != 1 {
		t.Errorf("retry counts = %+v, want 0 ingested / 1 duplicate", retry)
	}
}

func TestIngest_PartialSuccess(t *testing.T) {
	_, router := newTestEnv(t)

	bad := map[string]any{"side": "buy", "quantity": 5, "price_each": 10} // no item id
	w := postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		bad,
	})
	resp := ingestCounts(t, w)

	if resp.Ingested != 1 {
		t.Errorf("ingested = %d, want 1", resp.Ingested)
	}
	if resp.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", resp.Rejected)
	}
}

func TestIngest_EmptyObjectWarns(t *testing.T) {
	_, router := newTestEnv(t)

	resp := ingestCounts(t, postJSON(t, router, "/api/v1/events", map[string]any{"hello": "world"}))
	if resp.Warning == "" {
		t.Error("expected warning on payload with no actionable events")
	}
}

// flakyStore fails the next n ApplyEvent calls before delegating, standing
// in for a database outage mid-ingest.
type flakyStore struct {
	*store.MemoryStore
	failures int
}

func (s *flakyStore) ApplyEvent(ctx context.Context, ev *model.TradeEvent, pos *model.Position) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset by peer")
	}
	return s.MemoryStore.ApplyEvent(ctx, ev, pos)
}

func TestIngest_StorageFailureLeavesEventUnconsumed(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &flakyStore{MemoryStore: ms, failures: 1}
	pairs := locks.NewPairMutex()
	manager := reconcile.NewManager(fs, pairs, nil, nil)
	svc := ingest.NewService(fs, dedup.NewMemoryWindow(time.Nanosecond), manager, pairs,
		pricefeed.NewMemoryFeed(), nil, testSecret)

	router := chi.NewRouter()
	router.Post("/api/v1/events", svc.IngestEvents)
	router.Get("/api/v1/positions", svc.GetPositions)
	ctx := context.Background()

	// First delivery hits the outage: the whole unit of work must fail and
	// the event must not land on the log.
	w := postJSON(t, router, "/api/v1/events", fill("f1", "buy", 10, 100))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 during outage, got %d: %s", w.Code, w.Body.String())
	}
	events, err := ms.GetEventsForPair(ctx, "u1", "sword-7")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("log holds %d events after failed unit of work, want 0", len(events))
	}

	// The upstream retry must be ingested, not dropped as a duplicate.
	retry := ingestCounts(t, postJSON(t, router, "/api/v1/events", fill("f1", "buy", 10, 100)))
	if retry.Ingested != 1 || retry.Duplicates != 0 {
		t.Fatalf("retry counts = %+v, want 1 ingested / 0 duplicates", retry)
	}

	events, _ = ms.GetEventsForPair(ctx, "u1", "sword-7")
	if len(events) != 1 {
		t.Errorf("log holds %d events, want 1", len(events))
	}
	var positions []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &positions)
	if len(positions) != 1 || !positions[0].Quantity.Equal(d(10)) {
		t.Errorf("position not written after successful retry: %+v", positions)
	}
}

// --- Oversell and reconciliation over HTTP ---

func TestOversell_CreatesTaskAndLeavesPositionUntouched(t *testing.T) {
	_, router := newTestEnv(t)

	postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		fill("f2", "buy", 10, 200),
	})
	resp := ingestCounts(t, postJSON(t, router, "/api/v1/events", fill("f3", "sell", 25, 300)))

	if resp.Anomalies != 1 {
		t.Fatalf("anomalies = %d, want 1", resp.Anomalies)
	}

	var positions []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &positions)
	if !positions[0].Quantity.Equal(d(20)) || !positions[0].AvgBuyPrice.Equal(d(150)) {
		t.Errorf("position mutated by anomalous sell: qty=%s avg=%s",
			positions[0].Quantity, positions[0].AvgBuyPrice)
	}

	var tasks []model.ReconciliationTask
	getJSON(t, router, "/api/v1/reconciliation-tasks?status=pending", &tasks)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.TaskType != model.TaskSellExceedsPosition {
		t.Errorf("task type = %s", task.TaskType)
	}
	if !task.Details.CoverableQty.Equal(d(20)) {
		t.Errorf("coverable qty = %s, want 20", task.Details.CoverableQty)
	}
}

func TestApprove_ClosesPositionAndStaysIdempotent(t *testing.T) {
	_, router := newTestEnv(t)

	postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		fill("f2", "buy", 10, 200),
		fill("f3", "sell", 25, 300),
	})

	var tasks []model.ReconciliationTask
	getJSON(t, router, "/api/v1/reconciliation-tasks?status=pending", &tasks)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(tasks))
	}
	taskID := tasks[0].ID

	w := postJSON(t, router, "/api/v1/reconciliation-tasks", ingest.DecisionRequest{
		ID: taskID, Status: model.TaskApproved, Note: "close out at sell price",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("decide returned %d: %s", w.Code, w.Body.String())
	}
	var decision reconcile.Decision
	json.Unmarshal(w.Body.Bytes(), &decision)
	if decision.Skipped {
		t.Fatal("first decision must not be skipped")
	}

	// Tracked 20 units at avg 150, closed at 300: realized 3000.
	var rows []ingest.AuditRow
	getJSON(t, router, "/api/v1/positions/audit?userId=u1", &rows)
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if !rows[0].Maintained.Quantity.IsZero() {
		t.Errorf("quantity = %s, want 0", rows[0].Maintained.Quantity)
	}
	if !rows[0].Maintained.RealizedProfit.Equal(d(3000)) {
		t.Errorf("realized profit = %s, want 3000", rows[0].Maintained.RealizedProfit)
	}
	if !rows[0].Converged {
		t.Error("repaired position must converge with the folded event log")
	}

	// Closed position is no longer an open holding.
	var open []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &open)
	if len(open) != 0 {
		t.Errorf("expected no open positions, got %d", len(open))
	}

	// Replaying the decision is a benign no-op.
	w = postJSON(t, router, "/api/v1/reconciliation-tasks", ingest.DecisionRequest{
		ID: taskID, Status: model.TaskApproved,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("replayed decide returned %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &decision)
	if !decision.Skipped {
		t.Error("replayed decision should be skipped")
	}
	getJSON(t, router, "/api/v1/positions/audit?userId=u1", &rows)
	if !rows[0].Maintained.RealizedProfit.Equal(d(3000)) {
		t.Errorf("replay mutated ledger: realized = %s", rows[0].Maintained.RealizedProfit)
	}
}

func TestReject_LeavesLedgerUntouched(t *testing.T) {
	_, router := newTestEnv(t)

	postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		fill("f2", "sell", 25, 300),
	})

	var tasks []model.ReconciliationTask
	getJSON(t, router, "/api/v1/reconciliation-tasks?status=pending", &tasks)
	taskID := tasks[0].ID

	w := postJSON(t, router, "/api/v1/reconciliation-tasks", ingest.DecisionRequest{
		ID: taskID, Status: model.TaskRejected, Note: "bad upstream data",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("decide returned %d", w.Code)
	}

	var positions []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &positions)
	if !positions[0].Quantity.Equal(d(10)) || !positions[0].AvgBuyPrice.Equal(d(100)) {
		t.Errorf("rejection mutated position: qty=%s avg=%s",
			positions[0].Quantity, positions[0].AvgBuyPrice)
	}

	getJSON(t, router, "/api/v1/reconciliation-tasks?status=rejected", &tasks)
	if len(tasks) != 1 || tasks[0].DecisionNote != "bad upstream data" {
		t.Error("rejected task should carry the decision note")
	}
}

func TestDecide_InvalidOutcome(t *testing.T) {
	_, router := newTestEnv(t)

	w := postJSON(t, router, "/api/v1/reconciliation-tasks", ingest.DecisionRequest{
		ID: "whatever", Status: "maybe",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- Queries ---

func TestGetPositions_RequiresUserID(t *testing.T) {
	_, router := newTestEnv(t)
	w := getJSON(t, router, "/api/v1/positions", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetPositions_FeedPriceDrivesUnrealized(t *testing.T) {
	_, router := newTestEnv(t)

	postJSON(t, router, "/api/v1/events", fill("f1", "buy", 10, 100))

	body, _ := json.Marshal(ingest.PriceRequest{Price: d(150)})
	req := httptest.NewRequest("PUT", "/api/v1/prices/sword-7", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("set price returned %d", w.Code)
	}

	var positions []ingest.PositionView
	getJSON(t, router, "/api/v1/positions?userId=u1", &positions)
	if !positions[0].LastPrice.Equal(d(150)) {
		t.Errorf("last price = %s, want 150 from feed", positions[0].LastPrice)
	}
	if !positions[0].UnrealizedProfit.Equal(d(500)) {
		t.Errorf("unrealized = %s, want 500", positions[0].UnrealizedProfit)
	}
}

func TestListTasks_InvalidStatus(t *testing.T) {
	_, router := newTestEnv(t)
	w := getJSON(t, router, "/api/v1/reconciliation-tasks?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAudit_ConvergesAfterMixedHistory(t *testing.T) {
	_, router := newTestEnv(t)

	postJSON(t, router, "/api/v1/events", []map[string]any{
		fill("f1", "buy", 10, 100),
		fill("f2", "buy", 10, 200),
		fill("f3", "sell", 5, 250),
	})

	var rows []ingest.AuditRow
	getJSON(t, router, "/api/v1/positions/audit?userId=u1", &rows)
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if !rows[0].Converged {
		t.Errorf("maintained %s vs recomputed %s should converge",
			rows[0].Maintained.Quantity, rows[0].Recomputed.Quantity)
	}
	if !rows[0].Recomputed.RealizedProfit.Equal(d(500)) {
		t.Errorf("recomputed realized = %s, want 500", rows[0].Recomputed.RealizedProfit)
	}
}

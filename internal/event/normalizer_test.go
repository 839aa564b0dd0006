package event

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/model"
)

func fixedNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}}
}

func TestNormalize_SnakeCasePayload(t *testing.T) {
	n := fixedNormalizer()
	events, rejected := n.Normalize([]byte(`{
		"user_id": "u1",
		"item_id": "widget-9",
		"item_name": "Widget",
		"side": "SELL",
		"quantity": 4,
		"price_each": "12.50",
		"occurred_at": "2025-06-01T10:30:00Z"
	}`))

	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.UserID != "u1" || ev.ItemID != "widget-9" || ev.ItemName != "Widget" {
		t.Errorf("identity fields wrong: %+v", ev)
	}
	if ev.Side != model.SideSell {
		t.Errorf("side = %s, want sell", ev.Side)
	}
	if !ev.Quantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("quantity = %s, want 4", ev.Quantity)
	}
	if !ev.PriceEach.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("price_each = %s, want 12.50", ev.PriceEach)
	}
	if ev.OccurredAt != time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC) {
		t.Errorf("occurred_at = %v", ev.OccurredAt)
	}
	if ev.Signature == "" || ev.ID == "" {
		t.Error("expected signature and id to be set")
	}
	if ev.Source != model.SourceWebhook {
		t.Errorf("source = %s, want webhook", ev.Source)
	}
}

func TestNormalize_CamelCaseAliases(t *testing.T) {
	n := fixedNormalizer()
	events, rejected := n.Normalize([]byte(`{
		"userId": "u1",
		"itemId": "widget-9",
		"type": "purchase",
		"qty": "3",
		"priceEach": 7
	}`))

	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	ev := events[0]
	if ev.ItemID != "widget-9" {
		t.Errorf("itemId alias not honored: %+v", ev)
	}
	// "purchase" contains no "sell": coerced to buy.
	if ev.Side != model.SideBuy {
		t.Errorf("side = %s, want buy", ev.Side)
	}
	if !ev.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("quantity = %s, want 3", ev.Quantity)
	}
	// No timestamp field: defaults to the injected clock.
	if !ev.OccurredAt.Equal(n.Now()) {
		t.Errorf("occurred_at = %v, want normalizer clock", ev.OccurredAt)
	}
}

func TestNormalize_ArrayFanOutWithPartialFailure(t *testing.T) {
	n := fixedNormalizer()
	events, rejected := n.Normalize([]byte(`[
		{"item_id": "a", "quantity": 1, "price": 10},
		{"quantity": 1, "price": 10},
		{"item_id": "c", "quantity": -2, "price": 10},
		{"item_id": "d", "quantity": 2, "price": 0},
		{"item_id": "e", "quantity": 5, "price": 3.5}
	]`))

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if len(rejected) != 3 {
		t.Fatalf("rejected = %d, want 3", len(rejected))
	}

	wantErrs := map[int]error{
		1: ErrMissingItemID,
		2: ErrInvalidQuantity,
		3: ErrInvalidPrice,
	}
	for _, r := range rejected {
		want, ok := wantErrs[r.Index]
		if !ok {
			t.Errorf("unexpected rejection at index %d: %v", r.Index, r.Err)
			continue
		}
		if !errors.Is(r.Err, want) {
			t.Errorf("index %d: err = %v, want %v", r.Index, r.Err, want)
		}
	}
}

func TestNormalize_UnrecognizedShapes(t *testing.T) {
	n := fixedNormalizer()
	for _, body := range []string{``, `42`, `"text"`, `[1, 2]`, `{broken`} {
		_, rejected := n.Normalize([]byte(body))
		if len(rejected) == 0 {
			t.Errorf("body %q: expected a rejection", body)
		}
		for _, r := range rejected {
			if !errors.Is(r.Err, ErrUnrecognizedPayload) {
				t.Errorf("body %q: err = %v, want unrecognized payload", body, r.Err)
			}
		}
	}
}

func TestSignature_StableAcrossTimestampDrift(t *testing.T) {
	n := fixedNormalizer()
	first, _ := n.Normalize([]byte(`{"user_id":"u1","item_id":"a","side":"sell","quantity":2,"price":10,"occurred_at":"2025-06-01T10:00:00Z"}`))
	second, _ := n.Normalize([]byte(`{"user_id":"u1","item_id":"a","side":"sell","quantity":2,"price":10,"occurred_at":"2025-06-01T10:00:03Z"}`))

	if first[0].Signature != second[0].Signature {
		t.Error("signature must ignore timestamp drift between retried deliveries")
	}
}

func TestSignature_DistinguishesFields(t *testing.T) {
	n := fixedNormalizer()
	base, _ := n.Normalize([]byte(`{"user_id":"u1","item_id":"a","quantity":2,"price":10}`))

	variants := []string{
		`{"user_id":"u2","item_id":"a","quantity":2,"price":10}`,
		`{"user_id":"u1","item_id":"b","quantity":2,"price":10}`,
		`{"user_id":"u1","item_id":"a","side":"sell","quantity":2,"price":10}`,
		`{"user_id":"u1","item_id":"a","quantity":3,"price":10}`,
		`{"user_id":"u1","item_id":"a","quantity":2,"price":11}`,
		`{"user_id":"u1","item_id":"a","quantity":2,"price":10,"fill_id":"f-77"}`,
	}
	for _, body := range variants {
		other, rejected := n.Normalize([]byte(body))
		if len(rejected) != 0 {
			t.Fatalf("body %q rejected: %v", body, rejected)
		}
		if other[0].Signature == base[0].Signature {
			t.Errorf("body %q: signature should differ from base", body)
		}
	}
}

func TestNormalize_UnixMillisTimestamp(t *testing.T) {
	n := fixedNormalizer()
	events, rejected := n.Normalize([]byte(`{"item_id":"a","quantity":1,"price":2,"timestamp":1748772000000}`))
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	if events[0].OccurredAt != time.UnixMilli(1748772000000).UTC() {
		t.Errorf("occurred_at = %v", events[0].OccurredAt)
	}
}

// Package event converts heterogeneous raw trade-confirmation payloads into
// canonical model.TradeEvent values and computes their dedup signatures.
//
// Upstream sources disagree on field names (item_id vs itemId, type vs side)
// and deliver either a single object or an array. Normalization is total:
// every item either becomes a canonical event or a NormalizationError — a
// malformed item never aborts its siblings.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/ledger-engine/internal/model"
)

var (
	// ErrUnrecognizedPayload is returned when an item is not a JSON object.
	ErrUnrecognizedPayload = errors.New("event: unrecognized payload shape")

	// ErrMissingItemID is returned when no item identifier field is present.
	ErrMissingItemID = errors.New("event: missing item id")

	// ErrInvalidQuantity is returned when quantity is missing or not positive.
	ErrInvalidQuantity = errors.New("event: quantity must be a positive number")

	// ErrInvalidPrice is returned when price is missing or not positive.
	ErrInvalidPrice = errors.New("event: price must be a positive number")
)

// Field aliases accepted per concept, in priority order. The first present
// alias wins; anything outside these sets is ignored.
var (
	userIDAliases   = []string{"user_id", "userId", "userID", "user"}
	itemIDAliases   = []string{"item_id", "itemId", "itemID"}
	itemNameAliases = []string{"item_name", "itemName", "name"}
	sideAliases     = []string{"side", "type"}
	quantityAliases = []string{"quantity", "qty"}
	priceAliases    = []string{"price_each", "priceEach", "price", "unit_price"}
	timeAliases     = []string{"occurred_at", "occurredAt", "timestamp", "executed_at"}
	fillIDAliases   = []string{"fill_id", "fillId", "trade_id", "tradeId", "transaction_id"}
)

// Rejection records one payload item that failed normalization, by its
// position in the delivered batch.
type Rejection struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
}

// Normalizer converts raw webhook payloads into canonical events. The clock
// is injectable so signature-independent timestamp defaulting is testable.
type Normalizer struct {
	Now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time { return time.Now().UTC() }}
}

// Normalize accepts a single raw payload object or an array of them and
// fans out to canonical events. Malformed items are reported per index and
// never abort the rest of the batch.
func (n *Normalizer) Normalize(data []byte) ([]model.TradeEvent, []Rejection) {
	items, err := splitItems(data)
	if err != nil {
		return nil, []Rejection{{Index: 0, Err: err}}
	}

	var events []model.TradeEvent
	var rejected []Rejection
	for i, item := range items {
		ev, err := n.normalizeOne(item)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Err: err})
			continue
		}
		events = append(events, ev)
	}
	return events, rejected
}

// splitItems turns the request body into individual raw objects.
func splitItems(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, ErrUnrecognizedPayload
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
		}
		return items, nil
	}
	return []json.RawMessage{json.RawMessage(data)}, nil
}

func (n *Normalizer) normalizeOne(raw json.RawMessage) (model.TradeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	itemID := firstString(obj, itemIDAliases)
	if itemID == "" {
		return model.TradeEvent{}, ErrMissingItemID
	}

	qty, ok := firstDecimal(obj, quantityAliases)
	if !ok || !qty.IsPositive() {
		return model.TradeEvent{}, ErrInvalidQuantity
	}

	price, ok := firstDecimal(obj, priceAliases)
	if !ok || !price.IsPositive() {
		return model.TradeEvent{}, ErrInvalidPrice
	}

	occurredAt := n.Now()
	if ts, ok := firstTime(obj, timeAliases); ok {
		occurredAt = ts
	}

	ev := model.TradeEvent{
		ID:         uuid.New().String(),
		UserID:     firstString(obj, userIDAliases),
		ItemID:     itemID,
		ItemName:   firstString(obj, itemNameAliases),
		Side:       coerceSide(firstString(obj, sideAliases)),
		Quantity:   qty,
		PriceEach:  price,
		OccurredAt: occurredAt,
		Source:     model.SourceWebhook,
	}
	ev.Signature = Signature(ev, firstString(obj, fillIDAliases))
	return ev, nil
}

// coerceSide maps any case-insensitive value containing "sell" to a sell
// and everything else to a buy. The buy default for unknown values is
// carried over from the upstream feed's behavior on purpose.
func coerceSide(raw string) string {
	if strings.Contains(strings.ToLower(raw), "sell") {
		return model.SideSell
	}
	return model.SideBuy
}

// Signature hashes the identifying fields of a fill into a stable hex
// digest. It deliberately excludes occurredAt so that a retried delivery of
// the literal same fill hashes identically even if the upstream timestamp
// drifts between attempts. fillID is the source's own fill discriminator
// when the payload carries one, so two genuinely distinct fills with equal
// price and quantity still hash apart.
func Signature(ev model.TradeEvent, fillID string) string {
	h := sha256.New()
	for _, part := range []string{
		ev.UserID,
		ev.ItemID,
		ev.Side,
		ev.Quantity.String(),
		ev.PriceEach.String(),
		fillID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0}) // field separator; prevents boundary collisions
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- field extraction helpers ---

func firstString(obj map[string]any, aliases []string) string {
	for _, key := range aliases {
		if v, ok := obj[key]; ok {
			switch s := v.(type) {
			case string:
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			case json.Number:
				return s.String()
			}
		}
	}
	return ""
}

func firstDecimal(obj map[string]any, aliases []string) (decimal.Decimal, bool) {
	for _, key := range aliases {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch num := v.(type) {
		case json.Number:
			d, err := decimal.NewFromString(num.String())
			if err == nil {
				return d, true
			}
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(num))
			if err == nil {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func firstTime(obj map[string]any, aliases []string) (time.Time, bool) {
	for _, key := range aliases {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				return t.UTC(), true
			}
		case json.Number:
			if ms, err := ts.Int64(); err == nil && ms > 0 {
				return time.UnixMilli(ms).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ingestion"
	fpmath "PowerPerp/internal/math"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePriceObserved(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"pool":           "eth-usdc",
		"price":          "3000.5",
		"price_sequence": int64(42),
		"observed_at_us": int64(1700000000000000),
	})

	evt, err := ingestion.ParseRawEvent(raw, "PriceObserved")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p, ok := evt.(*event.PriceObserved)
	if !ok {
		t.Fatalf("expected *event.PriceObserved, got %T", evt)
	}
	if p.Pool != "eth-usdc" {
		t.Errorf("pool: got %s", p.Pool)
	}
	if p.Price.Cmp(fpmath.MustParseWad("3000.5")) != 0 {
		t.Errorf("price: got %s", p.Price)
	}
	if p.PriceSequence != 42 {
		t.Errorf("price_sequence: got %d, want 42", p.PriceSequence)
	}
	if !p.ObservedAt.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("observed_at: got %s", p.ObservedAt)
	}
	if p.IdempotencyKey() != "eth-usdc:price:42" {
		t.Errorf("idempotency key: got %s", p.IdempotencyKey())
	}
}

func TestParsePriceObserved_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing pool":   {"price": "1", "price_sequence": 1},
		"zero price":     {"pool": "p", "price": "0", "price_sequence": 1},
		"negative price": {"pool": "p", "price": "-2", "price_sequence": 1},
		"bad price":      {"pool": "p", "price": "abc", "price_sequence": 1},
		"negative seq":   {"pool": "p", "price": "1", "price_sequence": -1},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceObserved"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseWalletDeposited(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":    "660e8400-e29b-41d4-a716-446655440001",
		"asset":      "ETH",
		"amount":     "1.25",
	})

	evt, err := ingestion.ParseRawEvent(raw, "WalletDeposited")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := evt.(*event.WalletDeposited)
	if d.DepositID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("deposit_id: got %s", d.DepositID)
	}
	if d.Asset != "ETH" {
		t.Errorf("asset: got %s", d.Asset)
	}
	if d.Amount.Cmp(fpmath.MustParseWad("1.25")) != 0 {
		t.Errorf("amount: got %s", d.Amount)
	}
	if d.EventType() != event.EventTypeWalletDeposited {
		t.Errorf("event type: got %v", d.EventType())
	}
}

func TestParseWalletWithdrawn(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"withdrawal_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":         "OSQTH",
		"amount":        "0.5",
	})

	evt, err := ingestion.ParseRawEvent(raw, "WalletWithdrawn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	w := evt.(*event.WalletWithdrawn)
	if w.Amount.Cmp(fpmath.MustParseWad("0.5")) != 0 {
		t.Errorf("amount: got %s", w.Amount)
	}
}

func TestParseWallet_InvalidFields(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
			"user_id":    "660e8400-e29b-41d4-a716-446655440001",
			"asset":      "ETH",
			"amount":     "1",
		}
	}
	mutate := map[string]func(m map[string]interface{}){
		"bad deposit id": func(m map[string]interface{}) { m["deposit_id"] = "nope" },
		"bad user id":    func(m map[string]interface{}) { m["user_id"] = "" },
		"unknown asset":  func(m map[string]interface{}) { m["asset"] = "DOGE" },
		"zero amount":    func(m map[string]interface{}) { m["amount"] = "0" },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			m := base()
			fn(m)
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, m), "WalletDeposited"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseUnknownEventType(t *testing.T) {
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]string{}), "TradeFill"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "test", Data: []byte("{not json")}
	if _, err := ingestion.ParseRawEvent(raw, "PriceObserved"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

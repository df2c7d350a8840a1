package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. Amounts and
// prices arrive as decimal strings and are converted to wads here, before
// anything reaches the controller.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PriceObserved":
		return parsePriceObserved(raw.Data)
	case "WalletDeposited":
		return parseWalletDeposited(raw.Data)
	case "WalletWithdrawn":
		return parseWalletWithdrawn(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type priceJSON struct {
	Pool          string `json:"pool"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	ObservedAtUs  int64  `json:"observed_at_us"`
}

func parsePriceObserved(data []byte) (*event.PriceObserved, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceObserved: %w", err)
	}
	if j.Pool == "" {
		return nil, fmt.Errorf("parse PriceObserved: missing pool")
	}
	price, err := positiveWad("price", j.Price)
	if err != nil {
		return nil, err
	}
	if j.PriceSequence < 0 {
		return nil, fmt.Errorf("parse PriceObserved: negative price_sequence %d", j.PriceSequence)
	}
	return &event.PriceObserved{
		Pool:          j.Pool,
		Price:         price,
		PriceSequence: j.PriceSequence,
		ObservedAt:    time.UnixMicro(j.ObservedAtUs).UTC(),
	}, nil
}

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func parseWalletDeposited(data []byte) (*event.WalletDeposited, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WalletDeposited: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if _, ok := ledger.GetAssetID(j.Asset); !ok {
		return nil, fmt.Errorf("parse WalletDeposited: unknown asset %q", j.Asset)
	}
	amount, err := positiveWad("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WalletDeposited{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    amount,
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
}

func parseWalletWithdrawn(data []byte) (*event.WalletWithdrawn, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WalletWithdrawn: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if _, ok := ledger.GetAssetID(j.Asset); !ok {
		return nil, fmt.Errorf("parse WalletWithdrawn: unknown asset %q", j.Asset)
	}
	amount, err := positiveWad("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WalletWithdrawn{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       amount,
	}, nil
}

func positiveWad(field, s string) (*big.Int, error) {
	v, err := fpmath.ParseWad(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("parse %s: must be positive, got %s", field, s)
	}
	return v, nil
}

package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"

	"github.com/google/uuid"
)

// AdminIngestService injects inbound events by hand. It is for operators
// and tests; bulk traffic goes through NATS. Units run synchronously so
// the caller sees the controller's verdict.
type AdminIngestService struct {
	applier Applier
	clock   func() time.Time
}

func NewAdminIngestService(applier Applier, clock func() time.Time) *AdminIngestService {
	if clock == nil {
		clock = time.Now
	}
	return &AdminIngestService{applier: applier, clock: clock}
}

// InjectPrice records one pool price observation.
func (s *AdminIngestService) InjectPrice(ctx context.Context, pool string, price *big.Int, priceSequence int64) error {
	if pool == "" {
		return fmt.Errorf("pool is required")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("price must be positive")
	}
	return s.applier.RecordPrice(ctx, &event.PriceObserved{
		Pool:          pool,
		Price:         price,
		PriceSequence: priceSequence,
		ObservedAt:    s.clock().UTC(),
	})
}

// InjectDeposit credits a wallet. An empty key gets a fresh one, which
// makes the call non-idempotent.
func (s *AdminIngestService) InjectDeposit(ctx context.Context, key string, userID uuid.UUID, asset string, amount *big.Int) error {
	id, err := s.check(asset, amount)
	if err != nil {
		return err
	}
	if key == "" {
		key = uuid.NewString()
	}
	return s.applier.DepositWallet(ctx, key, userID, id, amount)
}

// InjectWithdrawal debits a wallet.
func (s *AdminIngestService) InjectWithdrawal(ctx context.Context, key string, userID uuid.UUID, asset string, amount *big.Int) error {
	id, err := s.check(asset, amount)
	if err != nil {
		return err
	}
	if key == "" {
		key = uuid.NewString()
	}
	return s.applier.WithdrawWallet(ctx, key, userID, id, amount)
}

func (s *AdminIngestService) check(asset string, amount *big.Int) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	return id, nil
}

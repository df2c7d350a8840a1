package core

import (
	"context"
	"math/big"

	"PowerPerp/internal/ledger"

	"github.com/google/uuid"
)

// DepositWallet credits owner from outside the ledger as its own unit.
func (c *Controller) DepositWallet(ctx context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	return c.Atomic(ctx, "wallet_deposit", key, func(s *Session) error {
		return s.DepositWallet(owner, asset, amount)
	})
}

// WithdrawWallet debits owner to outside the ledger as its own unit.
func (c *Controller) WithdrawWallet(ctx context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	return c.Atomic(ctx, "wallet_withdraw", key, func(s *Session) error {
		return s.WithdrawWallet(owner, asset, amount)
	})
}

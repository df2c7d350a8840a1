package periphery

import (
	"context"
	"fmt"
	"math/big"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/pool"

	"github.com/google/uuid"
)

// SellLongWMintParams opens or increases a short and sells the minted
// oSQTH, optionally together with oSQTH the caller already holds.
type SellLongWMintParams struct {
	VaultID          uint64   // 0 opens a new vault
	MintAmount       *big.Int // oSQTH minted into the vault
	CollateralAmount *big.Int // ETH deposited, swap proceeds count toward it
	LongToSell       *big.Int // caller oSQTH sold alongside the mint
	MinToReceive     *big.Int // ETH out of the swap
}

// FlashswapSellLongWMint flash-sells MintAmount+LongToSell oSQTH for ETH. In
// the callback the proceeds reach the caller, the vault is opened or
// adjusted with CollateralAmount and the minted oSQTH repays the pool. The
// caller's wallet covers any collateral beyond the proceeds.
func (h *Helper) FlashswapSellLongWMint(ctx context.Context, caller uuid.UUID, key string, p SellLongWMintParams) (*Operation, error) {
	mint, long := orZero(p.MintAmount), orZero(p.LongToSell)
	if mint.Sign() < 0 || long.Sign() < 0 || new(big.Int).Add(mint, long).Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to sell", ErrInvalidAmount)
	}
	return h.run(ctx, KindFlashswapSellLongWMint, caller, key, func(s *core.Session, op *Operation) error {
		_, err := h.flash(s.Context(), op, pool.FlashParams{
			TokenIn:  ledger.AssetOSQTH,
			TokenOut: ledger.AssetETH,
			Amount:   new(big.Int).Add(mint, long),
			ExactIn:  true,
		}, func(fs pool.FlashSettlement) error {
			if err := checkAtLeast("eth received", fs.AmountOut, p.MinToReceive); err != nil {
				return err
			}
			if err := h.forward(s, caller, ledger.AssetETH, fs.AmountOut); err != nil {
				return err
			}
			id, err := s.OpenOrAdjust(caller, p.VaultID, mint, orZero(p.CollateralAmount))
			if err != nil {
				return err
			}
			op.VaultID = id
			return h.pool.Pay(s.Context(), caller, ledger.AssetOSQTH, fs.AmountOwed)
		})
		return err
	})
}

// BurnBuyLongParams decreases or closes a short by buying oSQTH back,
// optionally buying extra oSQTH to hold long.
type BurnBuyLongParams struct {
	VaultID              uint64
	BurnAmount           *big.Int
	BuyAmount            *big.Int // extra oSQTH kept by the caller
	CollateralToWithdraw *big.Int
	MaxToPay             *big.Int // ETH into the swap
}

// FlashswapWBurnBuyLong flash-buys BurnAmount+BuyAmount oSQTH. In the
// callback the vault burns BurnAmount, releases CollateralToWithdraw to the
// caller and the caller repays the pool in ETH.
func (h *Helper) FlashswapWBurnBuyLong(ctx context.Context, caller uuid.UUID, key string, p BurnBuyLongParams) (*Operation, error) {
	burn, buy := orZero(p.BurnAmount), orZero(p.BuyAmount)
	if burn.Sign() < 0 || buy.Sign() < 0 || new(big.Int).Add(burn, buy).Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to buy", ErrInvalidAmount)
	}
	return h.run(ctx, KindFlashswapWBurnBuyLong, caller, key, func(s *core.Session, op *Operation) error {
		op.VaultID = p.VaultID
		_, err := h.flash(s.Context(), op, pool.FlashParams{
			TokenIn:  ledger.AssetETH,
			TokenOut: ledger.AssetOSQTH,
			Amount:   new(big.Int).Add(burn, buy),
		}, func(fs pool.FlashSettlement) error {
			if err := checkAtMost("eth paid", fs.AmountOwed, p.MaxToPay); err != nil {
				return err
			}
			if err := h.forward(s, caller, ledger.AssetOSQTH, fs.AmountOut); err != nil {
				return err
			}
			if err := s.BurnAndWithdraw(caller, p.VaultID, burn, orZero(p.CollateralToWithdraw)); err != nil {
				return err
			}
			return h.pool.Pay(s.Context(), caller, ledger.AssetETH, fs.AmountOwed)
		})
		return err
	})
}

// OpenShortParams mints and sells without a flash swap; the caller funds
// the full collateral up front.
type OpenShortParams struct {
	VaultID          uint64
	MintAmount       *big.Int
	CollateralAmount *big.Int
	MinToReceive     *big.Int
}

func (h *Helper) OpenShort(ctx context.Context, caller uuid.UUID, key string, p OpenShortParams) (*Operation, error) {
	if !fpmath.IsPositive(p.MintAmount) {
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	return h.run(ctx, KindOpenShort, caller, key, func(s *core.Session, op *Operation) error {
		id, err := s.OpenOrAdjust(caller, p.VaultID, p.MintAmount, orZero(p.CollateralAmount))
		if err != nil {
			return err
		}
		op.VaultID = id
		res, err := h.pool.SwapExactIn(s.Context(), pool.SwapParams{
			Payer:     caller,
			Recipient: caller,
			TokenIn:   ledger.AssetOSQTH,
			TokenOut:  ledger.AssetETH,
			Amount:    p.MintAmount,
		})
		if err != nil {
			return err
		}
		return checkAtLeast("eth received", res.AmountOut, p.MinToReceive)
	})
}

// CloseShortParams buys oSQTH with the caller's ETH and burns it.
type CloseShortParams struct {
	VaultID              uint64
	BurnAmount           *big.Int
	CollateralToWithdraw *big.Int
	MaxToPay             *big.Int
}

func (h *Helper) CloseShort(ctx context.Context, caller uuid.UUID, key string, p CloseShortParams) (*Operation, error) {
	if !fpmath.IsPositive(p.BurnAmount) {
		return nil, fmt.Errorf("%w: burn amount must be positive", ErrInvalidAmount)
	}
	return h.run(ctx, KindCloseShort, caller, key, func(s *core.Session, op *Operation) error {
		op.VaultID = p.VaultID
		cost, err := h.pool.QuoteExactOut(s.Context(), ledger.AssetETH, ledger.AssetOSQTH, p.BurnAmount)
		if err != nil {
			return err
		}
		if err := checkAtMost("eth paid", cost, p.MaxToPay); err != nil {
			return err
		}
		if _, err := h.pool.SwapExactOut(s.Context(), pool.SwapParams{
			Payer:     caller,
			Recipient: caller,
			TokenIn:   ledger.AssetETH,
			TokenOut:  ledger.AssetOSQTH,
			Amount:    p.BurnAmount,
		}); err != nil {
			return err
		}
		return s.BurnAndWithdraw(caller, p.VaultID, p.BurnAmount, orZero(p.CollateralToWithdraw))
	})
}

package periphery

import (
	"context"
	"fmt"
	"math/big"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/liquidity"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/pool"

	"github.com/google/uuid"
)

// BatchMintLpParams mints oSQTH and provides it with ETH as a full-range
// LP position in one unit.
type BatchMintLpParams struct {
	VaultID             uint64
	MintAmount          *big.Int
	CollateralToDeposit *big.Int
	CollateralToLp      *big.Int
	Amount0Min          *big.Int // oSQTH into the position
	Amount1Min          *big.Int // ETH into the position
	Attach              bool     // deposit the new position into the vault
}

func (h *Helper) BatchMintLp(ctx context.Context, caller uuid.UUID, key string, p BatchMintLpParams) (*Operation, error) {
	if !fpmath.IsPositive(p.MintAmount) || !fpmath.IsPositive(p.CollateralToLp) {
		return nil, fmt.Errorf("%w: mint and lp amounts must be positive", ErrInvalidAmount)
	}
	return h.run(ctx, KindBatchMintLp, caller, key, func(s *core.Session, op *Operation) error {
		id, err := s.OpenOrAdjust(caller, p.VaultID, p.MintAmount, orZero(p.CollateralToDeposit))
		if err != nil {
			return err
		}
		op.VaultID = id

		tokenID, amounts, err := h.lpm.MintPosition(s.Context(), liquidity.MintParams{
			Owner:          caller,
			Payer:          caller,
			TickLower:      fpmath.FullRangeTickLower,
			TickUpper:      fpmath.FullRangeTickUpper,
			Amount0Desired: p.MintAmount,
			Amount1Desired: p.CollateralToLp,
		})
		if err != nil {
			return err
		}
		op.TokenID = tokenID
		if err := checkAtLeast("osqth provided", amounts.Amount0, p.Amount0Min); err != nil {
			return err
		}
		if err := checkAtLeast("eth provided", amounts.Amount1, p.Amount1Min); err != nil {
			return err
		}
		if p.Attach {
			return s.DepositLPPosition(caller, id, tokenID)
		}
		return nil
	})
}

// removeLiquidity pulls liquidity out of a caller-owned position into the
// caller's wallet. A nil liquidity removes everything.
func (h *Helper) removeLiquidity(s *core.Session, caller uuid.UUID, tokenID uint64, liq, amount0Min, amount1Min *big.Int) (osqth, eth *big.Int, err error) {
	if liq == nil {
		info, err := h.lpm.PositionInfo(s.Context(), tokenID)
		if err != nil {
			return nil, nil, err
		}
		liq = info.Liquidity
	}
	if liq.Sign() > 0 {
		amounts, err := h.lpm.DecreaseLiquidity(s.Context(), tokenID, caller, liq)
		if err != nil {
			return nil, nil, err
		}
		if err := checkAtLeast("osqth removed", amounts.Amount0, amount0Min); err != nil {
			return nil, nil, err
		}
		if err := checkAtLeast("eth removed", amounts.Amount1, amount1Min); err != nil {
			return nil, nil, err
		}
	}
	collected, err := h.lpm.Collect(s.Context(), tokenID, caller, caller)
	if err != nil {
		return nil, nil, err
	}
	return collected.Amount0, collected.Amount1, nil
}

// sell swaps amount oSQTH of the caller for ETH at no worse than limitPrice.
func (h *Helper) sell(s *core.Session, caller uuid.UUID, amount, limitPrice *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	res, err := h.pool.SwapExactIn(s.Context(), pool.SwapParams{
		Payer:     caller,
		Recipient: caller,
		TokenIn:   ledger.AssetOSQTH,
		TokenOut:  ledger.AssetETH,
		Amount:    amount,
	})
	if err != nil {
		return err
	}
	return checkAtLeast("eth received", res.AmountOut, minProceeds(amount, limitPrice))
}

// buy swaps the caller's ETH for exactly amount oSQTH at no worse than
// limitPrice.
func (h *Helper) buy(s *core.Session, caller uuid.UUID, amount, limitPrice *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	cost, err := h.pool.QuoteExactOut(s.Context(), ledger.AssetETH, ledger.AssetOSQTH, amount)
	if err != nil {
		return err
	}
	if err := checkAtMost("eth paid", cost, maxCost(amount, limitPrice)); err != nil {
		return err
	}
	_, err = h.pool.SwapExactOut(s.Context(), pool.SwapParams{
		Payer:     caller,
		Recipient: caller,
		TokenIn:   ledger.AssetETH,
		TokenOut:  ledger.AssetOSQTH,
		Amount:    amount,
	})
	return err
}

// RebalanceParams moves a position's liquidity into a new position with a
// different oSQTH/ETH composition, trading the difference through the pool.
type RebalanceParams struct {
	TokenID      uint64
	Liquidity    *big.Int // nil removes all
	OSQTHDesired *big.Int
	ETHDesired   *big.Int
	LimitPrice   *big.Int // ETH per oSQTH; floor for sells, cap for buys
	Amount0Min   *big.Int // oSQTH into the new position
	Amount1Min   *big.Int // ETH into the new position
}

func (h *Helper) RebalanceWithoutVault(ctx context.Context, caller uuid.UUID, key string, p RebalanceParams) (*Operation, error) {
	if !fpmath.IsPositive(p.OSQTHDesired) || !fpmath.IsPositive(p.ETHDesired) {
		return nil, fmt.Errorf("%w: desired amounts must be positive", ErrInvalidAmount)
	}
	return h.run(ctx, KindRebalanceWithoutVault, caller, key, func(s *core.Session, op *Operation) error {
		osqth, _, err := h.removeLiquidity(s, caller, p.TokenID, p.Liquidity, nil, nil)
		if err != nil {
			return err
		}

		switch osqth.Cmp(p.OSQTHDesired) {
		case 1:
			if err := h.sell(s, caller, new(big.Int).Sub(osqth, p.OSQTHDesired), p.LimitPrice); err != nil {
				return err
			}
		case -1:
			if err := h.buy(s, caller, new(big.Int).Sub(p.OSQTHDesired, osqth), p.LimitPrice); err != nil {
				return err
			}
		}

		tokenID, amounts, err := h.lpm.MintPosition(s.Context(), liquidity.MintParams{
			Owner:          caller,
			Payer:          caller,
			TickLower:      fpmath.FullRangeTickLower,
			TickUpper:      fpmath.FullRangeTickUpper,
			Amount0Desired: p.OSQTHDesired,
			Amount1Desired: p.ETHDesired,
		})
		if err != nil {
			return err
		}
		op.TokenID = tokenID
		if err := checkAtLeast("osqth provided", amounts.Amount0, p.Amount0Min); err != nil {
			return err
		}
		return checkAtLeast("eth provided", amounts.Amount1, p.Amount1Min)
	})
}

// CloseWithNftParams closes (part of) a short with the oSQTH inside a
// caller-owned LP position.
type CloseWithNftParams struct {
	VaultID              uint64
	TokenID              uint64
	LiquidityPercentage  *big.Int // wad share of the position removed, nil for all
	BurnAmount           *big.Int
	CollateralToWithdraw *big.Int
	LimitPrice           *big.Int
	Amount0Min           *big.Int
	Amount1Min           *big.Int
}

// CloseShortWithUserNft removes liquidity from the caller's position and
// burns BurnAmount against the vault. Surplus LP oSQTH is sold for ETH; a
// deficit is flash-bought and repaid from the LP ETH and the withdrawn
// collateral. Liquidity not removed stays in the position.
func (h *Helper) CloseShortWithUserNft(ctx context.Context, caller uuid.UUID, key string, p CloseWithNftParams) (*Operation, error) {
	if !fpmath.IsPositive(p.BurnAmount) {
		return nil, fmt.Errorf("%w: burn amount must be positive", ErrInvalidAmount)
	}
	pct := p.LiquidityPercentage
	if pct == nil {
		pct = fpmath.Wad
	}
	if pct.Sign() <= 0 || pct.Cmp(fpmath.Wad) > 0 {
		return nil, fmt.Errorf("%w: liquidity percentage %s", ErrInvalidAmount, fpmath.FormatWad(pct))
	}
	return h.run(ctx, KindCloseShortWithUserNft, caller, key, func(s *core.Session, op *Operation) error {
		op.VaultID = p.VaultID
		op.TokenID = p.TokenID

		info, err := h.lpm.PositionInfo(s.Context(), p.TokenID)
		if err != nil {
			return err
		}
		liq := fpmath.WadMul(info.Liquidity, pct)
		osqth, _, err := h.removeLiquidity(s, caller, p.TokenID, liq, p.Amount0Min, p.Amount1Min)
		if err != nil {
			return err
		}

		withdraw := orZero(p.CollateralToWithdraw)
		if osqth.Cmp(p.BurnAmount) >= 0 {
			if err := s.BurnAndWithdraw(caller, p.VaultID, p.BurnAmount, withdraw); err != nil {
				return err
			}
			return h.sell(s, caller, new(big.Int).Sub(osqth, p.BurnAmount), p.LimitPrice)
		}

		deficit := new(big.Int).Sub(p.BurnAmount, osqth)
		_, err = h.flash(s.Context(), op, pool.FlashParams{
			TokenIn:  ledger.AssetETH,
			TokenOut: ledger.AssetOSQTH,
			Amount:   deficit,
		}, func(fs pool.FlashSettlement) error {
			if err := checkAtMost("eth paid", fs.AmountOwed, maxCost(deficit, p.LimitPrice)); err != nil {
				return err
			}
			if err := h.forward(s, caller, ledger.AssetOSQTH, fs.AmountOut); err != nil {
				return err
			}
			if err := s.BurnAndWithdraw(caller, p.VaultID, p.BurnAmount, withdraw); err != nil {
				return err
			}
			return h.pool.Pay(s.Context(), caller, ledger.AssetETH, fs.AmountOwed)
		})
		return err
	})
}

// SellAllParams redeems an LP position into ETH.
type SellAllParams struct {
	TokenID    uint64
	Liquidity  *big.Int // nil removes all
	LimitPrice *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
}

func (h *Helper) SellAll(ctx context.Context, caller uuid.UUID, key string, p SellAllParams) (*Operation, error) {
	return h.run(ctx, KindSellAll, caller, key, func(s *core.Session, op *Operation) error {
		op.TokenID = p.TokenID
		osqth, _, err := h.removeLiquidity(s, caller, p.TokenID, p.Liquidity, p.Amount0Min, p.Amount1Min)
		if err != nil {
			return err
		}
		return h.sell(s, caller, osqth, p.LimitPrice)
	})
}

package core

import (
	"fmt"
	"math/big"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
)

// DepositLPPosition moves the caller's LP position into the controller's
// custody and attaches it to the vault as extra collateral.
func (s *Session) DepositLPPosition(caller uuid.UUID, vaultID uint64, tokenID uint64) error {
	if s.c.lpm == nil {
		return ErrNoLiquidityManager
	}
	if _, err := s.Settle(); err != nil {
		return err
	}
	v, err := s.authorize(vaultID, caller)
	if err != nil {
		return err
	}
	if v.LPPosition != nil {
		return fmt.Errorf("%w: vault=%d token=%d", state.ErrLPPositionAttached, v.ID, v.LPPosition.TokenID)
	}

	info, err := s.c.lpm.PositionInfo(s.ctx, tokenID)
	if err != nil {
		return fmt.Errorf("deposit lp position %d: %w", tokenID, err)
	}
	if oracle.PoolRef(info.Pool) != s.c.feed.Config().DerivEthPool {
		return fmt.Errorf("%w: token=%d pool=%s", ErrWrongPool, tokenID, info.Pool)
	}
	if err := s.c.lpm.TransferPosition(s.ctx, tokenID, caller, ControllerIdentity); err != nil {
		return fmt.Errorf("deposit lp position %d: %w", tokenID, err)
	}

	v.LPPosition = &state.LPPositionRef{
		TokenID:   tokenID,
		TickLower: info.TickLower,
		TickUpper: info.TickUpper,
		Liquidity: fpmath.Copy(info.Liquidity),
	}
	if err := s.checkVault(v, false); err != nil {
		return err
	}
	if err := s.c.vaults.Put(v); err != nil {
		return err
	}
	return s.Emit(&event.LPPositionDeposited{VaultID: v.ID, TokenID: tokenID, Liquidity: fpmath.Copy(info.Liquidity)})
}

// WithdrawLPPosition detaches the vault's LP position and returns it to the
// vault owner. Fails with ErrUndercollateralized if the vault needs it.
func (s *Session) WithdrawLPPosition(caller uuid.UUID, vaultID uint64) error {
	if s.c.lpm == nil {
		return ErrNoLiquidityManager
	}
	if _, err := s.Settle(); err != nil {
		return err
	}
	v, err := s.authorize(vaultID, caller)
	if err != nil {
		return err
	}
	if v.LPPosition == nil {
		return fmt.Errorf("%w: vault=%d", state.ErrNoLPPosition, v.ID)
	}
	tokenID := v.LPPosition.TokenID
	v.LPPosition = nil

	if err := s.checkVault(v, false); err != nil {
		return err
	}
	if err := s.c.lpm.TransferPosition(s.ctx, tokenID, ControllerIdentity, v.Owner); err != nil {
		return fmt.Errorf("withdraw lp position %d: %w", tokenID, err)
	}
	if err := s.c.vaults.Put(v); err != nil {
		return err
	}
	return s.Emit(&event.LPPositionWithdrawn{VaultID: v.ID, TokenID: tokenID, To: v.Owner})
}

// redeemLP pulls all liquidity out of the vault's position. ETH goes to
// collateral, oSQTH is burned against the short and any surplus oSQTH is
// paid to the owner. The emptied position is returned to the owner.
func (s *Session) redeemLP(v *state.Vault) error {
	if s.c.lpm == nil {
		return ErrNoLiquidityManager
	}
	tokenID := v.LPPosition.TokenID

	info, err := s.c.lpm.PositionInfo(s.ctx, tokenID)
	if err != nil {
		return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
	}
	if info.Liquidity.Sign() > 0 {
		if _, err := s.c.lpm.DecreaseLiquidity(s.ctx, tokenID, ControllerIdentity, info.Liquidity); err != nil {
			return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
		}
	}
	amts, err := s.c.lpm.Collect(s.ctx, tokenID, ControllerIdentity, ControllerIdentity)
	if err != nil {
		return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
	}
	derivOut, ethOut := amts.Amount0, amts.Amount1

	if ethOut.Sign() > 0 {
		if err := s.c.book.Transfer(ledger.NewWalletKey(ControllerIdentity, ledger.AssetETH), ledger.VaultCollateralKey(), ethOut, ledger.JournalTypeCollateralDeposit); err != nil {
			return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
		}
		v.CollateralAmount.Add(v.CollateralAmount, ethOut)
	}

	toBurn := fpmath.Min(derivOut, v.ShortAmount)
	if toBurn.Sign() > 0 {
		if err := s.burn(v, ControllerIdentity, toBurn); err != nil {
			return err
		}
	}
	if surplus := new(big.Int).Sub(derivOut, toBurn); surplus.Sign() > 0 {
		if err := s.Transfer(ControllerIdentity, v.Owner, ledger.AssetOSQTH, surplus); err != nil {
			return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
		}
	}

	if err := s.c.lpm.TransferPosition(s.ctx, tokenID, ControllerIdentity, v.Owner); err != nil {
		return fmt.Errorf("redeem lp position %d: %w", tokenID, err)
	}
	v.LPPosition = nil
	return s.Emit(&event.LPPositionWithdrawn{VaultID: v.ID, TokenID: tokenID, Redeemed: true, To: v.Owner})
}

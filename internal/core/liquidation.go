package core

import (
	"fmt"
	"math/big"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
)

// Liquidate repays debtToRepay of an unsafe vault's short with the
// liquidator's oSQTH and pays the liquidator the seized collateral. An
// attached LP position is redeemed first; if that alone makes the vault
// safe the record has kind ReducedDebtOnly and nothing is repaid.
func (s *Session) Liquidate(liquidator uuid.UUID, vaultID uint64, debtToRepay *big.Int) (*state.LiquidationRecord, error) {
	if _, err := s.Settle(); err != nil {
		return nil, err
	}
	v, err := s.Vault(vaultID)
	if err != nil {
		return nil, err
	}
	p, err := s.pricesFor(v)
	if err != nil {
		return nil, err
	}
	val, err := s.c.calc.Value(v, p)
	if err != nil {
		return nil, err
	}
	if s.c.calc.IsSafe(val) {
		return nil, fmt.Errorf("%w: vault=%d", state.ErrVaultSafe, v.ID)
	}

	lpRedeemed := false
	if v.LPPosition != nil {
		if err := s.redeemLP(v); err != nil {
			return nil, err
		}
		lpRedeemed = true
		if p, err = s.pricesFor(v); err != nil {
			return nil, err
		}
		if val, err = s.c.calc.Value(v, p); err != nil {
			return nil, err
		}
		if s.c.calc.IsSafe(val) {
			rec := &state.LiquidationRecord{
				VaultID:          v.ID,
				Liquidator:       liquidator,
				DebtRepaid:       new(big.Int),
				CollateralSeized: new(big.Int),
				Kind:             state.LiquidationReducedDebtOnly,
				LPRedeemed:       true,
				Factor:           fpmath.Copy(p.Factor),
				EthUsd:           fpmath.Copy(p.EthUsd),
			}
			if err := s.c.vaults.Put(v); err != nil {
				return nil, err
			}
			return rec, s.emitLiquidation(rec)
		}
	}

	rec, err := s.c.liq.Plan(v, liquidator, debtToRepay, p)
	if err != nil {
		return nil, err
	}
	rec.LPRedeemed = lpRedeemed

	if err := s.burn(v, liquidator, rec.DebtRepaid); err != nil {
		return nil, err
	}
	if err := s.c.book.Transfer(ledger.VaultCollateralKey(), ledger.NewWalletKey(liquidator, ledger.AssetETH), rec.CollateralSeized, ledger.JournalTypeLiquidationSeize); err != nil {
		return nil, fmt.Errorf("liquidate vault %d: %w", v.ID, err)
	}
	v.CollateralAmount.Sub(v.CollateralAmount, rec.CollateralSeized)

	if err := s.c.vaults.Put(v); err != nil {
		return nil, err
	}
	return rec, s.emitLiquidation(rec)
}

func (s *Session) emitLiquidation(rec *state.LiquidationRecord) error {
	s.afterCommit(func() { s.c.recordLiquidation(rec) })
	return s.Emit(&event.VaultLiquidated{
		VaultID:          rec.VaultID,
		Liquidator:       rec.Liquidator,
		DebtRepaid:       fpmath.Copy(rec.DebtRepaid),
		CollateralSeized: fpmath.Copy(rec.CollateralSeized),
		Kind:             rec.Kind.String(),
		LPRedeemed:       rec.LPRedeemed,
		Factor:           rec.Factor,
		EthUsd:           rec.EthUsd,
	})
}

func (c *Controller) recordLiquidation(rec *state.LiquidationRecord) {
	c.logger.Info().
		Uint64("vault_id", rec.VaultID).
		Str("liquidator", rec.Liquidator.String()).
		Str("debt_repaid", fpmath.FormatWad(rec.DebtRepaid)).
		Str("collateral_seized", fpmath.FormatWad(rec.CollateralSeized)).
		Str("kind", rec.Kind.String()).
		Bool("lp_redeemed", rec.LPRedeemed).
		Msg("vault liquidated")

	if m := c.metrics; m != nil {
		m.Liquidations.WithLabelValues(rec.Kind.String()).Inc()
		repaid, _ := new(big.Float).Quo(new(big.Float).SetInt(rec.DebtRepaid), big.NewFloat(1e18)).Float64()
		seized, _ := new(big.Float).Quo(new(big.Float).SetInt(rec.CollateralSeized), big.NewFloat(1e18)).Float64()
		m.LiquidationRepaid.Add(repaid)
		m.LiquidationSeized.Add(seized)
	}
}

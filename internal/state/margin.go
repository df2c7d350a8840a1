package state

import (
	"fmt"
	"math/big"

	fpmath "PowerPerp/internal/math"
)

// CollateralCalculator values vaults against a price context.
type CollateralCalculator struct {
	params *ProtocolParams
}

func NewCollateralCalculator(params *ProtocolParams) *CollateralCalculator {
	return &CollateralCalculator{params: params}
}

// Params exposes the parameter set in use.
func (cc *CollateralCalculator) Params() *ProtocolParams {
	return cc.params
}

// DebtValue returns the ETH value of shortAmount:
// shortAmount * factor * ethUsd / 1e36 / indexScale, rounded down.
func (cc *CollateralCalculator) DebtValue(shortAmount, factor, ethUsd *big.Int) *big.Int {
	num := new(big.Int).Mul(shortAmount, factor)
	num.Mul(num, ethUsd)
	den := new(big.Int).Mul(fpmath.WadSquared, cc.params.IndexScale)
	return fpmath.Div(num, den, fpmath.RoundDown)
}

// Valuation is a vault evaluated at one price context.
type Valuation struct {
	Collateral     *big.Int // ETH, LP ETH and surplus LP oSQTH included
	EffectiveShort *big.Int // short amount not covered by LP oSQTH
	DebtValue      *big.Int // ETH value of EffectiveShort
	LPEth          *big.Int
	LPDerivative   *big.Int
}

// Ratio returns collateral/debt as a wad, or nil when there is no debt.
func (v *Valuation) Ratio() *big.Int {
	if v.DebtValue.Sign() == 0 {
		return nil
	}
	return fpmath.WadDiv(v.Collateral, v.DebtValue)
}

// Value evaluates v. An attached LP position is decomposed at the
// derivative TWAP; its oSQTH first nets against the short amount and any
// surplus counts as collateral at the index price.
func (cc *CollateralCalculator) Value(v *Vault, p Prices) (*Valuation, error) {
	val := &Valuation{
		Collateral:     fpmath.Copy(v.CollateralAmount),
		EffectiveShort: fpmath.Copy(v.ShortAmount),
		LPEth:          new(big.Int),
		LPDerivative:   new(big.Int),
	}

	if v.LPPosition != nil {
		ethAmt, derivAmt, err := cc.LPAmounts(v.LPPosition, p.Derivative)
		if err != nil {
			return nil, err
		}
		val.LPEth, val.LPDerivative = ethAmt, derivAmt
		val.Collateral.Add(val.Collateral, ethAmt)
		if derivAmt.Cmp(val.EffectiveShort) > 0 {
			surplus := new(big.Int).Sub(derivAmt, val.EffectiveShort)
			val.Collateral.Add(val.Collateral, cc.DebtValue(surplus, p.Factor, p.EthUsd))
			val.EffectiveShort.SetInt64(0)
		} else {
			val.EffectiveShort.Sub(val.EffectiveShort, derivAmt)
		}
	}

	val.DebtValue = cc.DebtValue(val.EffectiveShort, p.Factor, p.EthUsd)
	return val, nil
}

// LPAmounts decomposes an LP position at the given oSQTH/ETH price. The
// pool orders oSQTH as token0 and ETH as token1.
func (cc *CollateralCalculator) LPAmounts(lp *LPPositionRef, derivEth *big.Int) (ethAmount, derivAmount *big.Int, err error) {
	if derivEth == nil || derivEth.Sign() <= 0 {
		return nil, nil, fmt.Errorf("value lp position %d: missing derivative price", lp.TokenID)
	}
	sqrtPrice, err := fpmath.SqrtPriceFromWad(derivEth)
	if err != nil {
		return nil, nil, fmt.Errorf("value lp position %d: %w", lp.TokenID, err)
	}
	amount0, amount1, err := fpmath.AmountsForLiquidity(lp.Liquidity, sqrtPrice, lp.TickLower, lp.TickUpper)
	if err != nil {
		return nil, nil, fmt.Errorf("value lp position %d: %w", lp.TokenID, err)
	}
	return amount1, amount0, nil
}

// IsSafe reports debt == 0 || collateral*1e18/debt >= MinCollateralRatio.
func (cc *CollateralCalculator) IsSafe(val *Valuation) bool {
	ratio := val.Ratio()
	return ratio == nil || ratio.Cmp(cc.params.MinCollateralRatio) >= 0
}

// CheckPostCondition returns ErrUndercollateralized when v is not safe.
func (cc *CollateralCalculator) CheckPostCondition(v *Vault, p Prices) error {
	val, err := cc.Value(v, p)
	if err != nil {
		return err
	}
	if !cc.IsSafe(val) {
		return fmt.Errorf("%w: vault=%d collateral=%s debt_value=%s",
			ErrUndercollateralized, v.ID, val.Collateral, val.DebtValue)
	}
	return nil
}

// CheckMinCollateral enforces the floor for a vault that keeps debt.
func (cc *CollateralCalculator) CheckMinCollateral(v *Vault) error {
	if v.HasDebt() && v.CollateralAmount.Cmp(cc.params.MinCollateral) < 0 {
		return fmt.Errorf("%w: vault=%d collateral=%s min=%s",
			ErrDustVault, v.ID, fpmath.FormatWad(v.CollateralAmount), fpmath.FormatWad(cc.params.MinCollateral))
	}
	return nil
}

// LiquidationPrice returns the ETH/USD price above which a vault with the
// given collateral and short amount becomes unsafe. nil when there is no debt.
func (cc *CollateralCalculator) LiquidationPrice(collateral, shortAmount, factor *big.Int) *big.Int {
	if shortAmount.Sign() == 0 || factor.Sign() == 0 {
		return nil
	}
	// debtValue(p) = collateral*1e18/minRatio
	// p = collateral * 1e18 * 1e36 * indexScale / (minRatio * short * factor)
	num := new(big.Int).Mul(collateral, fpmath.Wad)
	num.Mul(num, fpmath.WadSquared)
	num.Mul(num, cc.params.IndexScale)
	den := new(big.Int).Mul(cc.params.MinCollateralRatio, shortAmount)
	den.Mul(den, factor)
	return fpmath.Div(num, den, fpmath.RoundDown)
}

// VaultStatus classifies a vault for views and liquidation scans.
type VaultStatus int

const (
	VaultStatusNoDebt VaultStatus = iota
	VaultStatusSafe
	VaultStatusLiquidatable
)

func (vs VaultStatus) String() string {
	switch vs {
	case VaultStatusNoDebt:
		return "NoDebt"
	case VaultStatusSafe:
		return "Safe"
	case VaultStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// Status classifies a valuation.
func (cc *CollateralCalculator) Status(val *Valuation) VaultStatus {
	if val.DebtValue.Sign() == 0 {
		return VaultStatusNoDebt
	}
	if cc.IsSafe(val) {
		return VaultStatusSafe
	}
	return VaultStatusLiquidatable
}

package state

import (
	"fmt"
	"math/big"
	"time"

	fpmath "PowerPerp/internal/math"
)

// ProtocolParams are the collateral and funding parameters of the protocol.
// Ratios are wads; amounts are ETH wei.
type ProtocolParams struct {
	MinCollateralRatio *big.Int // 1.5e18
	LiquidationBonus   *big.Int // 0.1e18
	MinCollateral      *big.Int // floor for a vault that keeps debt
	DustDebtValue      *big.Int // below this remaining debt value a liquidation may repay everything
	IndexScale         *big.Int // ETH/USD divisor for the per-unit index

	LowerMarkRatio *big.Int // mark clamp, fraction of index
	UpperMarkRatio *big.Int

	FundingPeriod time.Duration
	TwapPeriod    time.Duration
	// OracleFallback lets price reads fall back to the longest available
	// window when TwapPeriod is not fully covered.
	OracleFallback bool
}

// DefaultParams returns the production parameter set.
func DefaultParams() *ProtocolParams {
	return &ProtocolParams{
		MinCollateralRatio: fpmath.WadFromFraction(3, 2),
		LiquidationBonus:   fpmath.WadFromFraction(1, 10),
		MinCollateral:      fpmath.WadFromFraction(15, 2),
		DustDebtValue:      fpmath.WadFromInt(5),
		IndexScale:         big.NewInt(10_000),
		LowerMarkRatio:     fpmath.MustParseWad("0.714285714285714285"),
		UpperMarkRatio:     fpmath.WadFromFraction(7, 5),
		FundingPeriod:      420 * time.Hour,
		TwapPeriod:         420 * time.Second,
		OracleFallback:     true,
	}
}

// Clone returns a deep copy.
func (p *ProtocolParams) Clone() *ProtocolParams {
	c := *p
	c.MinCollateralRatio = fpmath.Copy(p.MinCollateralRatio)
	c.LiquidationBonus = fpmath.Copy(p.LiquidationBonus)
	c.MinCollateral = fpmath.Copy(p.MinCollateral)
	c.DustDebtValue = fpmath.Copy(p.DustDebtValue)
	c.IndexScale = fpmath.Copy(p.IndexScale)
	c.LowerMarkRatio = fpmath.Copy(p.LowerMarkRatio)
	c.UpperMarkRatio = fpmath.Copy(p.UpperMarkRatio)
	return &c
}

// Validate checks that parameters are within usable ranges.
func (p *ProtocolParams) Validate() error {
	for name, v := range map[string]*big.Int{
		"min_collateral_ratio": p.MinCollateralRatio,
		"liquidation_bonus":    p.LiquidationBonus,
		"min_collateral":       p.MinCollateral,
		"dust_debt_value":      p.DustDebtValue,
		"index_scale":          p.IndexScale,
		"lower_mark_ratio":     p.LowerMarkRatio,
		"upper_mark_ratio":     p.UpperMarkRatio,
	} {
		if v == nil {
			return fmt.Errorf("%s is required", name)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, v)
		}
	}
	if p.MinCollateralRatio.Cmp(fpmath.Wad) <= 0 {
		return fmt.Errorf("min_collateral_ratio must be > 1.0, got %s", fpmath.FormatWad(p.MinCollateralRatio))
	}
	if p.IndexScale.Sign() == 0 {
		return fmt.Errorf("index_scale must be > 0")
	}
	if p.LowerMarkRatio.Sign() == 0 || p.LowerMarkRatio.Cmp(fpmath.Wad) > 0 {
		return fmt.Errorf("lower_mark_ratio must be in (0, 1], got %s", fpmath.FormatWad(p.LowerMarkRatio))
	}
	if p.UpperMarkRatio.Cmp(fpmath.Wad) < 0 {
		return fmt.Errorf("upper_mark_ratio must be >= 1, got %s", fpmath.FormatWad(p.UpperMarkRatio))
	}
	if p.FundingPeriod <= 0 {
		return fmt.Errorf("funding_period must be > 0, got %s", p.FundingPeriod)
	}
	if p.TwapPeriod <= 0 {
		return fmt.Errorf("twap_period must be > 0, got %s", p.TwapPeriod)
	}
	return nil
}

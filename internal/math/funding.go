package math

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// multiplierPrecision is the decimal precision used for ln/exp of the
// funding multiplier. Elapsed/period ratios are tiny for short gaps, so this
// has to sit well above the 18 wad decimals.
const multiplierPrecision int32 = 36

// ClampMark bounds mark to [index*lower, index*upper]. lower and upper are
// wad ratios (0.714e18, 1.4e18 by default).
func ClampMark(mark, index, lower, upper *big.Int) *big.Int {
	floor := WadMul(index, lower)
	ceil := WadMul(index, upper)
	if mark.Cmp(floor) < 0 {
		return floor
	}
	if mark.Cmp(ceil) > 0 {
		return ceil
	}
	return new(big.Int).Set(mark)
}

// NormalizationMultiplier returns (index/mark)^(elapsed/period), evaluated as
// exp(ln(index/mark) * elapsed/period). The result is a plain decimal, not a wad.
func NormalizationMultiplier(index, mark *big.Int, elapsed, period time.Duration) (decimal.Decimal, error) {
	if index.Sign() <= 0 || mark.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("normalization multiplier: non-positive price index=%s mark=%s", index, mark)
	}
	if period <= 0 {
		return decimal.Decimal{}, fmt.Errorf("normalization multiplier: funding period must be positive")
	}
	if elapsed <= 0 {
		return decimal.NewFromInt(1), nil
	}

	ratio := decimal.NewFromBigInt(index, 0).DivRound(decimal.NewFromBigInt(mark, 0), multiplierPrecision)
	lnRatio, err := ratio.Ln(multiplierPrecision)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalization multiplier: ln: %w", err)
	}

	fraction := decimal.NewFromInt(int64(elapsed)).DivRound(decimal.NewFromInt(int64(period)), multiplierPrecision)
	exponent := lnRatio.Mul(fraction).Round(multiplierPrecision)

	mult, err := exponent.ExpTaylor(multiplierPrecision)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalization multiplier: exp: %w", err)
	}
	return mult, nil
}

// NextNormalizationFactor applies one settlement step to factor. mark is
// clamped around index before the multiplier is derived.
func NextNormalizationFactor(
	factor, index, mark, lowerRatio, upperRatio *big.Int,
	elapsed, period time.Duration,
) (*big.Int, error) {
	if elapsed <= 0 {
		return new(big.Int).Set(factor), nil
	}
	clamped := ClampMark(mark, index, lowerRatio, upperRatio)
	mult, err := NormalizationMultiplier(index, clamped, elapsed, period)
	if err != nil {
		return nil, err
	}
	next := decimal.NewFromBigInt(factor, 0).Mul(mult).BigInt()
	if next.Sign() <= 0 {
		return nil, fmt.Errorf("normalization factor underflow: factor=%s multiplier=%s", factor, mult)
	}
	return next, nil
}

// ImpliedFunding returns ln(mark/index) scaled from the funding period to the
// given horizon, e.g. horizon = 24h yields the daily funding rate.
func ImpliedFunding(mark, index *big.Int, fundingPeriod, horizon time.Duration) (decimal.Decimal, error) {
	if index.Sign() <= 0 || mark.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("implied funding: non-positive price index=%s mark=%s", index, mark)
	}
	ratio := decimal.NewFromBigInt(mark, 0).DivRound(decimal.NewFromBigInt(index, 0), multiplierPrecision)
	lnRatio, err := ratio.Ln(multiplierPrecision)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("implied funding: ln: %w", err)
	}
	scale := decimal.NewFromInt(int64(horizon)).DivRound(decimal.NewFromInt(int64(fundingPeriod)), multiplierPrecision)
	return lnRatio.Mul(scale).Round(WadDecimals), nil
}

// WadToDecimal renders a wad as a decimal value (1e18 -> 1).
func WadToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -WadDecimals)
}

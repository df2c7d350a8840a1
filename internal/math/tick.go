package math

import (
	"fmt"
	"math/big"
)

// Tick bounds of a concentrated-liquidity pool, with the full-range bounds
// usable at tick spacing 60.
const (
	MinTick            int32 = -887272
	MaxTick            int32 = 887272
	TickSpacing        int32 = 60
	FullRangeTickLower int32 = -887220
	FullRangeTickUpper int32 = 887220
)

const floatPrec = 256

var sqrtTickBase = func() *big.Float {
	base, _ := new(big.Float).SetPrec(floatPrec).SetString("1.0001")
	return new(big.Float).SetPrec(floatPrec).Sqrt(base)
}()

// SqrtRatioAtTick returns sqrt(1.0001^tick).
func SqrtRatioAtTick(tick int32) (*big.Float, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of range [%d, %d]", tick, MinTick, MaxTick)
	}
	n := int64(tick)
	if n < 0 {
		n = -n
	}
	result := new(big.Float).SetPrec(floatPrec).SetInt64(1)
	base := new(big.Float).SetPrec(floatPrec).Set(sqrtTickBase)
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, base)
		}
		base.Mul(base, base)
		n >>= 1
	}
	if tick < 0 {
		one := new(big.Float).SetPrec(floatPrec).SetInt64(1)
		result = one.Quo(one, result)
	}
	return result, nil
}

// SqrtPriceFromWad converts a wad price (token1 per token0) into sqrt(price).
func SqrtPriceFromWad(price *big.Int) (*big.Float, error) {
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("sqrt price: non-positive price %s", price)
	}
	p := new(big.Float).SetPrec(floatPrec).SetInt(price)
	p.Quo(p, new(big.Float).SetPrec(floatPrec).SetInt(Wad))
	return new(big.Float).SetPrec(floatPrec).Sqrt(p), nil
}

// AmountsForLiquidity decomposes liquidity over [tickLower, tickUpper] at
// sqrtPrice into token0 and token1 amounts, rounded down.
func AmountsForLiquidity(liquidity *big.Int, sqrtPrice *big.Float, tickLower, tickUpper int32) (*big.Int, *big.Int, error) {
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("invalid tick range [%d, %d]", tickLower, tickUpper)
	}
	sqrtA, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	l := new(big.Float).SetPrec(floatPrec).SetInt(liquidity)
	amount0 := new(big.Float).SetPrec(floatPrec)
	amount1 := new(big.Float).SetPrec(floatPrec)

	switch {
	case sqrtPrice.Cmp(sqrtA) <= 0:
		amount0 = amount0Delta(l, sqrtA, sqrtB)
	case sqrtPrice.Cmp(sqrtB) >= 0:
		amount1 = amount1Delta(l, sqrtA, sqrtB)
	default:
		amount0 = amount0Delta(l, sqrtPrice, sqrtB)
		amount1 = amount1Delta(l, sqrtA, sqrtPrice)
	}

	a0, _ := amount0.Int(nil)
	a1, _ := amount1.Int(nil)
	return a0, a1, nil
}

// L * (sqrtB - sqrtA) / (sqrtA * sqrtB)
func amount0Delta(l, sqrtA, sqrtB *big.Float) *big.Float {
	num := new(big.Float).SetPrec(floatPrec).Sub(sqrtB, sqrtA)
	num.Mul(num, l)
	den := new(big.Float).SetPrec(floatPrec).Mul(sqrtA, sqrtB)
	return num.Quo(num, den)
}

// L * (sqrtB - sqrtA)
func amount1Delta(l, sqrtA, sqrtB *big.Float) *big.Float {
	out := new(big.Float).SetPrec(floatPrec).Sub(sqrtB, sqrtA)
	return out.Mul(out, l)
}

// ISqrt returns floor(sqrt(v)).
func ISqrt(v *big.Int) *big.Int {
	if v.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(v)
}

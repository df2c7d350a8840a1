package math

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// WadDecimals is the number of decimals carried by every on-ledger amount
// (ETH wei, oSQTH units, normalization factor, prices).
const WadDecimals = 18

var (
	// Wad is 1e18.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)
	// WadSquared is 1e36, used when two wad factors are multiplied before scaling down.
	WadSquared = new(big.Int).Mul(Wad, Wad)
)

// RoundingMode controls the direction of integer division.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// WadFromInt returns n * 1e18.
func WadFromInt(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Wad)
}

// WadFromFraction returns num/den as a wad, rounded down.
func WadFromFraction(num, den int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(num), Wad)
	return v.Quo(v, big.NewInt(den))
}

// Copy returns an independent copy; nil becomes zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsPositive reports v > 0 (nil is zero).
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// IsZero reports v == 0 (nil is zero).
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Min returns the smaller of a and b as a new value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b as a new value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Add returns a + b as a new value.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// Sub returns a - b as a new value.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// MulDiv computes a * b / denominator with the requested rounding. The
// intermediate product is held in a pooled big.Int.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("fixedpoint: division by zero")
	}
	product := getInt()
	product.Mul(a, b)
	result := divRound(product, denominator, mode)
	putInt(product)
	return result
}

// Div computes numerator / denominator with the requested rounding.
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("fixedpoint: division by zero")
	}
	return divRound(numerator, denominator, mode)
}

func divRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	// Euclidean division keeps the remainder non-negative, so the rounding
	// below only has to consider the upward direction.
	quotient.DivMod(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	absDen := getInt()
	defer putInt(absDen)
	absDen.Abs(denominator)

	switch mode {
	case RoundDown:
		// DivMod floors toward -inf for a positive denominator.
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		twice := getInt()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(absDen)
		putInt(twice)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// WadMul returns a * b / 1e18 rounded down.
func WadMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Wad, RoundDown)
}

// WadMulUp returns a * b / 1e18 rounded up.
func WadMulUp(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Wad, RoundUp)
}

// WadDiv returns a * 1e18 / b rounded down.
func WadDiv(a, b *big.Int) *big.Int {
	return MulDiv(a, Wad, b, RoundDown)
}

// ParseWad parses a decimal string such as "45", "0.01" or "-7.5" into a wad.
func ParseWad(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("parse wad: empty string")
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(fracPart) > WadDecimals {
		return nil, fmt.Errorf("parse wad %q: more than %d decimals", s, WadDecimals)
	}
	if intPart == "" {
		intPart = "0"
	}
	digits := intPart + fracPart + strings.Repeat("0", WadDecimals-len(fracPart))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("parse wad %q: invalid number", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) *big.Int {
	v, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatWad renders a wad as a decimal string without trailing zeros.
func FormatWad(v *big.Int) string {
	if v == nil {
		return "0"
	}
	abs := new(big.Int).Abs(v)
	q, r := new(big.Int).QuoRem(abs, Wad, new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", WadDecimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

package fixed

import (
	"math/big"
	"sync"
)

// One fixed-point scale per dimension, used consistently across every derived
// quantity. The distinct defined types make a scale-mismatched multiplication
// a compile error; cross-dimension arithmetic must go through the helpers
// below, which rescale through big.Int.
type (
	// Usd is a USD amount at scale 1e6 (micro-USD).
	Usd int64
	// Tokens is an asset amount at scale 1e9.
	Tokens int64
	// Price is a USD-per-token price at scale 1e6.
	Price int64
	// Factor is a dimensionless rate or ratio at scale 1e12.
	Factor int64
)

const (
	UsdScale    int64 = 1_000_000
	TokenScale  int64 = 1_000_000_000
	PriceScale  int64 = 1_000_000
	FactorScale int64 = 1_000_000_000_000
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // Toward zero
	RoundUp                           // Away from zero
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// MulDiv computes a*b/denom through a big.Int intermediate so that the
// product never overflows int64. denom must be nonzero.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	num := getInt()
	num.Mul(big.NewInt(a), big.NewInt(b))
	result := divBig(num, denom, mode)
	putInt(num)
	return result
}

// divBig divides numerator by denom with the given rounding mode. The
// quotient is truncated toward zero first, then adjusted.
func divBig(numerator *big.Int, denom int64, mode RoundingMode) int64 {
	d := big.NewInt(denom)
	quo := getInt()
	rem := getInt()
	quo.QuoRem(numerator, d, rem)

	result := quo.Int64()
	if rem.Sign() != 0 {
		switch mode {
		case RoundUp:
			if (numerator.Sign() < 0) != (denom < 0) {
				result--
			} else {
				result++
			}
		case RoundHalfEven:
			remAbs := getInt()
			remAbs.Abs(rem)
			remAbs.Lsh(remAbs, 1) // 2*|rem|
			dAbs := getInt()
			dAbs.Abs(d)
			cmp := remAbs.Cmp(dAbs)
			if cmp > 0 || (cmp == 0 && result%2 != 0) {
				if (numerator.Sign() < 0) != (denom < 0) {
					result--
				} else {
					result++
				}
			}
			putInt(remAbs)
			putInt(dAbs)
		}
	}

	putInt(quo)
	putInt(rem)
	return result
}

// TokensFromUsd converts a USD amount to token units at the given price.
// Rounds down so a conversion can never mint value.
func TokensFromUsd(usd Usd, price Price) Tokens {
	if price == 0 {
		return 0
	}
	return Tokens(MulDiv(int64(usd), TokenScale, int64(price), RoundDown))
}

// UsdFromTokens converts a token amount to USD at the given price.
func UsdFromTokens(tokens Tokens, price Price) Usd {
	return Usd(MulDiv(int64(tokens), int64(price), TokenScale, RoundHalfEven))
}

// ApplyFactor scales a USD amount by a factor.
func ApplyFactor(usd Usd, f Factor) Usd {
	return Usd(MulDiv(int64(usd), int64(f), FactorScale, RoundHalfEven))
}

// FactorFromRatio returns num/den as a Factor. den must be positive.
func FactorFromRatio(num, den Usd) Factor {
	if den == 0 {
		return 0
	}
	return Factor(MulDiv(int64(num), FactorScale, int64(den), RoundHalfEven))
}

// MulFactors multiplies two factors, rescaling the product back to Factor.
func MulFactors(a, b Factor) Factor {
	return Factor(MulDiv(int64(a), int64(b), FactorScale, RoundHalfEven))
}

// PowFactor raises a factor to an integer exponent, rescaling after each
// multiplication so intermediates stay at Factor scale.
func PowFactor(f Factor, exp uint) Factor {
	if exp == 0 {
		return Factor(FactorScale)
	}
	result := f
	for i := uint(1); i < exp; i++ {
		result = MulFactors(result, f)
	}
	return result
}

// ImpactTerm evaluates factor * diff^exp with diff in USD, returning USD.
// The full product is held in a big.Int and rescaled once at the end, so no
// intermediate ever mixes effective scales.
func ImpactTerm(diff Usd, f Factor, exp uint) Usd {
	if exp == 0 || diff == 0 {
		return 0
	}
	v := getInt()
	v.SetInt64(int64(diff))
	base := big.NewInt(int64(diff))
	for i := uint(1); i < exp; i++ {
		v.Mul(v, base)
	}
	// Rescale diff^exp from UsdScale^exp down to UsdScale.
	scaleDiv := getInt()
	scaleDiv.Exp(big.NewInt(UsdScale), big.NewInt(int64(exp-1)), nil)
	v.Quo(v, scaleDiv)
	putInt(scaleDiv)

	v.Mul(v, big.NewInt(int64(f)))
	result := divBig(v, FactorScale, RoundHalfEven)
	putInt(v)
	return Usd(result)
}

// EntryPrice derives the implied entry price of a position from its USD and
// token sizes.
func EntryPrice(sizeUsd Usd, sizeTokens Tokens) Price {
	if sizeTokens == 0 {
		return 0
	}
	return Price(MulDiv(int64(sizeUsd), TokenScale, int64(sizeTokens), RoundHalfEven))
}

// PositionPnl returns the signed PnL of closing sizeTokens at markPrice for a
// position entered at entryPrice. sideSign is +1 for long, -1 for short.
func PositionPnl(sideSign int64, markPrice, entryPrice Price, sizeTokens Tokens) Usd {
	diff := int64(markPrice) - int64(entryPrice)
	return Usd(MulDiv(sideSign*diff, int64(sizeTokens), TokenScale, RoundHalfEven))
}

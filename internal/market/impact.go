package market

import (
	"PoolPerp/internal/fixed"
)

// PriceImpactUsd computes the signed price impact of a trade from the
// before/after open interest imbalance curve. A trade that reduces the
// imbalance earns a positive amount; one that increases it is charged a
// negative amount. sizeDeltaUsd is signed: positive for an increase of the
// given direction, negative for a decrease.
func (m *Market) PriceImpactUsd(side Side, sizeDeltaUsd fixed.Usd) fixed.Usd {
	longOI := m.openInterestUsd[Long]
	shortOI := m.openInterestUsd[Short]

	nextLong, nextShort := longOI, shortOI
	if side == Long {
		nextLong += sizeDeltaUsd
	} else {
		nextShort += sizeDeltaUsd
	}
	if nextLong < 0 {
		nextLong = 0
	}
	if nextShort < 0 {
		nextShort = 0
	}

	initialDiff := absUsd(longOI - shortOI)
	nextDiff := absUsd(nextLong - nextShort)

	crossover := (longOI-shortOI)*(nextLong-nextShort) < 0
	exp := m.Config.ImpactExponent

	if crossover {
		// Flipping the skew direction: reward the rebalancing leg at the
		// positive factor, charge the new imbalance at the negative factor.
		return fixed.ImpactTerm(initialDiff, m.Config.ImpactPositiveFactor, exp) -
			fixed.ImpactTerm(nextDiff, m.Config.ImpactNegativeFactor, exp)
	}

	factor := m.Config.ImpactNegativeFactor
	if nextDiff < initialDiff {
		factor = m.Config.ImpactPositiveFactor
	}
	return fixed.ImpactTerm(initialDiff, factor, exp) - fixed.ImpactTerm(nextDiff, factor, exp)
}

// CapPositiveImpact bounds a positive impact credit by what the impact pool
// can pay at the given execution price. Both the cap and the later pool
// debit use the same price basis.
func (m *Market) CapPositiveImpact(impactUsd fixed.Usd, executionPrice fixed.Price) fixed.Usd {
	if impactUsd <= 0 {
		return impactUsd
	}
	poolValue := fixed.UsdFromTokens(m.impactPoolAmount, executionPrice)
	if impactUsd > poolValue {
		return poolValue
	}
	return impactUsd
}

// ApplyImpactToPool settles an impact amount against the impact pool at the
// realized execution price. Positive impact debits the pool (paid to the
// trader); negative impact credits it. The token amount is derived from the
// same execution price the trader was credited at, never a refreshed one.
func (m *Market) ApplyImpactToPool(impactUsd fixed.Usd, executionPrice fixed.Price) fixed.Tokens {
	if impactUsd == 0 || executionPrice == 0 {
		return 0
	}
	deltaTokens := fixed.TokensFromUsd(absUsd(impactUsd), executionPrice)
	if impactUsd > 0 {
		if deltaTokens > m.impactPoolAmount {
			deltaTokens = m.impactPoolAmount
		}
		m.impactPoolAmount -= deltaTokens
		return -deltaTokens
	}
	m.impactPoolAmount += deltaTokens
	return deltaTokens
}

// FundImpactPool seeds the impact pool (long-side asset units).
func (m *Market) FundImpactPool(amount fixed.Tokens) {
	if amount > 0 {
		m.impactPoolAmount += amount
	}
}

func absUsd(v fixed.Usd) fixed.Usd {
	if v < 0 {
		return -v
	}
	return v
}

package market

import (
	"fmt"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/price"
)

// PoolValueUsd prices the pool's side reserves with the min bounds of the
// supplied price set.
func (m *Market) PoolValueUsd(ps *price.Set) (fixed.Usd, error) {
	longPrice, err := ps.MinPrice(m.LongAsset)
	if err != nil {
		return 0, err
	}
	shortPrice, err := ps.MinPrice(m.ShortAsset)
	if err != nil {
		return 0, err
	}
	longValue := fixed.UsdFromTokens(m.reserves[m.LongAsset], longPrice)
	shortValue := fixed.UsdFromTokens(m.reserves[m.ShortAsset], shortPrice)
	return longValue + shortValue, nil
}

// BorrowingFactorPerSecond derives the effective per-second borrowing factor
// for a direction from the exponentiated utilization curve:
//
//	base * (openInterestUsd / poolValueUsd)^exponent
func (m *Market) BorrowingFactorPerSecond(side Side, poolValueUsd fixed.Usd) fixed.Factor {
	if poolValueUsd <= 0 || m.openInterestUsd[side] == 0 {
		return 0
	}
	utilization := fixed.FactorFromRatio(m.openInterestUsd[side], poolValueUsd)
	return fixed.MulFactors(m.Config.BorrowingFactorPerSecond, fixed.PowFactor(utilization, m.Config.BorrowingExponent))
}

func (m *Market) elapsedSince(now int64) int64 {
	if m.lastAccrualAt == 0 || now <= m.lastAccrualAt {
		return 0
	}
	return now - m.lastAccrualAt
}

// BorrowingFactorAt reads through to the up-to-date cumulative borrowing
// factor at the given instant, without writing. Liquidation checks use this
// so fees that have economically accrued are never skipped just because no
// accrual write has landed yet.
func (m *Market) BorrowingFactorAt(side Side, ps *price.Set, now int64) (fixed.Factor, error) {
	elapsed := m.elapsedSince(now)
	if elapsed == 0 {
		return m.cumulativeBorrowingFactor[side], nil
	}
	poolValue, err := m.PoolValueUsd(ps)
	if err != nil {
		return 0, err
	}
	perSecond := m.BorrowingFactorPerSecond(side, poolValue)
	return m.cumulativeBorrowingFactor[side] + perSecond*fixed.Factor(elapsed), nil
}

// fundingRates returns the signed per-second funding accumulator rates for
// both directions. The larger side pays (positive rate), the smaller side
// receives (negative rate), with the received value scaled so payments
// balance across open interest.
func (m *Market) fundingRates() [2]fixed.Factor {
	var rates [2]fixed.Factor
	longOI := m.openInterestUsd[Long]
	shortOI := m.openInterestUsd[Short]
	total := longOI + shortOI
	if total == 0 || longOI == shortOI {
		return rates
	}

	paying := Long
	if shortOI > longOI {
		paying = Short
	}
	receiving := paying.Opposite()

	skew := longOI - shortOI
	if skew < 0 {
		skew = -skew
	}
	payRate := fixed.MulFactors(m.Config.FundingFactorPerSecond, fixed.FactorFromRatio(skew, total))
	rates[paying] = payRate

	if m.openInterestUsd[receiving] > 0 {
		// receivedRate * recvOI == payRate * payOI
		rates[receiving] = -fixed.Factor(fixed.MulDiv(
			int64(payRate),
			int64(m.openInterestUsd[paying]),
			int64(m.openInterestUsd[receiving]),
			fixed.RoundDown,
		))
	}
	return rates
}

// FundingFeePerSizeAt reads through to the funding accumulator at the given
// instant, without writing.
func (m *Market) FundingFeePerSizeAt(side Side, now int64) fixed.Factor {
	elapsed := m.elapsedSince(now)
	if elapsed == 0 {
		return m.fundingFeePerSize[side]
	}
	rates := m.fundingRates()
	return m.fundingFeePerSize[side] + rates[side]*fixed.Factor(elapsed)
}

// AccrueFees advances the cumulative borrowing factors and funding
// accumulators to now. The cumulative borrowing factor is monotone
// non-decreasing by construction.
func (m *Market) AccrueFees(ps *price.Set, now int64) error {
	if m.lastAccrualAt == 0 {
		m.lastAccrualAt = now
		return nil
	}
	for _, side := range []Side{Long, Short} {
		factor, err := m.BorrowingFactorAt(side, ps, now)
		if err != nil {
			return fmt.Errorf("accrue borrowing for %s %s: %w", m.ID, side, err)
		}
		m.cumulativeBorrowingFactor[side] = factor
		m.fundingFeePerSize[side] = m.FundingFeePerSizeAt(side, now)
	}
	if now > m.lastAccrualAt {
		m.lastAccrualAt = now
	}
	return nil
}

// SeedAccrualClock initializes the accrual clock for a freshly registered
// market so the first accrual does not span from the epoch.
func (m *Market) SeedAccrualClock(now int64) {
	if m.lastAccrualAt == 0 {
		m.lastAccrualAt = now
	}
}

// TotalBorrowingFees returns the pending borrowing owed by a direction:
// openInterest x cumulativeFactor minus what positions have recorded. Both
// operands are rescaled to USD before subtraction so the identity is
// evaluated at one consistent scale.
func (m *Market) TotalBorrowingFees(side Side) fixed.Usd {
	accrued := fixed.ApplyFactor(m.openInterestUsd[side], m.cumulativeBorrowingFactor[side])
	return accrued - m.totalBorrowingUsd[side]
}

// Pnl returns the pool-level unrealized trader PnL for a direction, derived
// from the open interest aggregates. Positive means traders are winning.
// Longs are marked at the max bound and shorts at the min bound, the worse
// case for the pool.
func (m *Market) Pnl(side Side, ps *price.Set) (fixed.Usd, error) {
	var indexPrice fixed.Price
	var err error
	if side == Long {
		indexPrice, err = ps.MaxPrice(m.IndexAsset)
	} else {
		indexPrice, err = ps.MinPrice(m.IndexAsset)
	}
	if err != nil {
		return 0, err
	}
	tokenValue := fixed.UsdFromTokens(m.openInterestTokens[side], indexPrice)
	if side == Long {
		return tokenValue - m.openInterestUsd[side], nil
	}
	return m.openInterestUsd[side] - tokenValue, nil
}

// PnlFactor returns trader PnL over pool value for a direction.
func (m *Market) PnlFactor(side Side, ps *price.Set) (fixed.Factor, error) {
	pnl, err := m.Pnl(side, ps)
	if err != nil {
		return 0, err
	}
	poolValue, err := m.PoolValueUsd(ps)
	if err != nil {
		return 0, err
	}
	if poolValue <= 0 {
		return 0, fmt.Errorf("market %s has no pool value", m.ID)
	}
	return fixed.FactorFromRatio(pnl, poolValue), nil
}

// CheckOpenInterestReconciliation verifies that token-denominated open
// interest valued at the current index price matches the USD-denominated
// open interest within tolerance.
func (m *Market) CheckOpenInterestReconciliation(ps *price.Set, tolerance fixed.Usd) error {
	minPrice, err := ps.MinPrice(m.IndexAsset)
	if err != nil {
		return err
	}
	maxPrice, err := ps.MaxPrice(m.IndexAsset)
	if err != nil {
		return err
	}
	for _, side := range []Side{Long, Short} {
		usd := m.openInterestUsd[side]
		atMin := fixed.UsdFromTokens(m.openInterestTokens[side], minPrice)
		atMax := fixed.UsdFromTokens(m.openInterestTokens[side], maxPrice)
		if usd < atMin-tolerance || usd > atMax+tolerance {
			return fmt.Errorf("open interest mismatch for %s %s: usd=%d repriced=[%d,%d]",
				m.ID, side, usd, atMin, atMax)
		}
	}
	return nil
}

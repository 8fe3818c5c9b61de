// Package fees computes borrowing, funding, and price impact charges. All
// functions are pure reads: they never advance accumulators or mutate the
// position, so executors and risk checks can share them freely.
package fees

import (
	"fmt"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// Pending is the fee state of a position at an instant, evaluated against
// the up-to-date accumulators rather than the last stored accrual.
type Pending struct {
	// BorrowingFeeUsd is always owed (non-negative).
	BorrowingFeeUsd fixed.Usd
	// FundingFeeUsd is owed when positive, claimable when negative.
	FundingFeeUsd fixed.Usd

	// Accumulator snapshots the position restamps to after settling.
	BorrowingFactor   fixed.Factor
	FundingFeePerSize fixed.Factor
}

// CostUsd is what the position must cover from collateral right now.
// Claimable funding does not offset borrowing here; it is paid out
// separately on settlement.
func (p Pending) CostUsd() fixed.Usd {
	cost := p.BorrowingFeeUsd
	if p.FundingFeeUsd > 0 {
		cost += p.FundingFeeUsd
	}
	return cost
}

// PendingFees evaluates the position's accrued borrowing and funding at now,
// reading through to rates the market has not yet written.
func PendingFees(pos *position.Position, m *market.Market, ps *price.Set, now int64) (Pending, error) {
	side := pos.Side()
	borrowingFactor, err := m.BorrowingFactorAt(side, ps, now)
	if err != nil {
		return Pending{}, fmt.Errorf("pending fees for %s: %w", pos.Market, err)
	}
	fundingPerSize := m.FundingFeePerSizeAt(side, now)

	return Pending{
		BorrowingFeeUsd:   pos.PendingBorrowingFeeUsd(borrowingFactor),
		FundingFeeUsd:     pos.PendingFundingFeeUsd(fundingPerSize),
		BorrowingFactor:   borrowingFactor,
		FundingFeePerSize: fundingPerSize,
	}, nil
}

// Trade is the full fee quote for a size change: the position's pending fees
// plus the price impact of the delta, capped on the positive side by the
// impact pool at the execution price.
type Trade struct {
	Pending
	PriceImpactUsd fixed.Usd
}

// QuoteTrade prices a signed size delta (positive increase, negative
// decrease) for the position's direction.
func QuoteTrade(pos *position.Position, m *market.Market, ec price.ExecutionContext, sizeDeltaUsd fixed.Usd) (Trade, error) {
	pending, err := PendingFees(pos, m, ec.Prices, ec.Now)
	if err != nil {
		return Trade{}, err
	}
	impact := m.PriceImpactUsd(pos.Side(), sizeDeltaUsd)
	impact = m.CapPositiveImpact(impact, ec.ExecutionPrice)
	return Trade{Pending: pending, PriceImpactUsd: impact}, nil
}

// ImpactedExecutionPrice adjusts the picked price by the trade's impact so
// the trader's fill reflects the charge or rebate. sizeDeltaUsd must be the
// same delta the impact was quoted for. favorDown is true when a lower price
// benefits the trader (long increase, short decrease).
func ImpactedExecutionPrice(pickedPrice fixed.Price, impactUsd fixed.Usd, sizeDeltaUsd fixed.Usd, favorDown bool) fixed.Price {
	if impactUsd == 0 || sizeDeltaUsd == 0 {
		return pickedPrice
	}
	delta := sizeDeltaUsd
	if delta < 0 {
		delta = -delta
	}
	// adjustment = price * impact / size, applied in the trader's favor for
	// positive impact and against for negative.
	adj := fixed.Price(fixed.MulDiv(int64(pickedPrice), int64(impactUsd), int64(delta), fixed.RoundHalfEven))
	if favorDown {
		adj = -adj
	}
	next := pickedPrice + adj
	if next <= 0 {
		return pickedPrice
	}
	return next
}

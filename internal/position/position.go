package position

import (
	"github.com/google/uuid"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
)

// Key identifies a position. One account can hold independent positions in
// the same market that differ only by collateral asset or direction.
type Key struct {
	Account         uuid.UUID
	Market          string
	CollateralAsset string
	IsLong          bool
}

// Position is a leveraged claim against the pool. Sizes are tracked in both
// USD and index tokens so entry price and PnL are derived, never stored.
type Position struct {
	Key

	SizeUsd    fixed.Usd
	SizeTokens fixed.Tokens

	// CollateralAmount is denominated in CollateralAsset units.
	CollateralAmount fixed.Tokens

	// Fee stamps record the market accumulators at the last touch; pending
	// fees are the accumulator deltas since then.
	BorrowingFactorStamp   fixed.Factor
	FundingFeePerSizeStamp fixed.Factor

	IncreasedAt int64
	DecreasedAt int64
	Version     int64
}

func (p *Position) Side() market.Side {
	return market.SideOf(p.IsLong)
}

// IsEmpty reports whether the position carries no exposure and no collateral.
func (p *Position) IsEmpty() bool {
	return p.SizeUsd == 0 && p.SizeTokens == 0 && p.CollateralAmount == 0
}

// EntryPrice is the average entry derived from the two size aggregates.
func (p *Position) EntryPrice() fixed.Price {
	return fixed.EntryPrice(p.SizeUsd, p.SizeTokens)
}

// Pnl returns the unrealized PnL at a mark price.
func (p *Position) Pnl(markPrice fixed.Price) fixed.Usd {
	if p.SizeTokens == 0 {
		return 0
	}
	return fixed.PositionPnl(p.Side().Sign(), markPrice, p.EntryPrice(), p.SizeTokens)
}

// CollateralValueUsd prices the collateral at the given bound.
func (p *Position) CollateralValueUsd(collateralPrice fixed.Price) fixed.Usd {
	return fixed.UsdFromTokens(p.CollateralAmount, collateralPrice)
}

// ProportionalTokens returns the token size closed by a USD size decrease,
// pro rata against the current aggregates. A full-size decrease always
// returns the entire token size so no dust is stranded.
func (p *Position) ProportionalTokens(sizeDeltaUsd fixed.Usd) fixed.Tokens {
	if p.SizeUsd == 0 || sizeDeltaUsd >= p.SizeUsd {
		return p.SizeTokens
	}
	return fixed.Tokens(fixed.MulDiv(int64(p.SizeTokens), int64(sizeDeltaUsd), int64(p.SizeUsd), fixed.RoundDown))
}

// PendingBorrowingFeeUsd is the borrowing owed since the last stamp, given
// the up-to-date cumulative factor.
func (p *Position) PendingBorrowingFeeUsd(cumulativeFactor fixed.Factor) fixed.Usd {
	delta := cumulativeFactor - p.BorrowingFactorStamp
	if delta <= 0 {
		return 0
	}
	return fixed.ApplyFactor(p.SizeUsd, delta)
}

// PendingFundingFeeUsd is the funding owed (positive) or claimable
// (negative) since the last stamp.
func (p *Position) PendingFundingFeeUsd(fundingFeePerSize fixed.Factor) fixed.Usd {
	delta := fundingFeePerSize - p.FundingFeePerSizeStamp
	if delta == 0 {
		return 0
	}
	return fixed.ApplyFactor(p.SizeUsd, delta)
}

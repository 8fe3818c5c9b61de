package market

import (
	"errors"
	"fmt"

	"PoolPerp/internal/fixed"
)

// ErrInsufficientReserve marks a reserve delta that would take a pool side
// balance negative.
var ErrInsufficientReserve = errors.New("insufficient reserve")

// Side is a position direction.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int64 {
	if s == Long {
		return 1
	}
	return -1
}

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// SideOf maps the isLong flag carried by orders and positions to a Side.
func SideOf(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// Config holds per-market risk and fee parameters.
type Config struct {
	// MaxLeverage is the plain multiplier bound (e.g. 50 for 50x).
	MaxLeverage int64
	// MinCollateralUsd is the floor below which a position is liquidatable.
	MinCollateralUsd fixed.Usd

	// BorrowingFactorPerSecond is the base borrowing rate; the effective
	// per-second factor scales it by (openInterest/poolValue)^BorrowingExponent.
	BorrowingFactorPerSecond fixed.Factor
	BorrowingExponent        uint

	// FundingFactorPerSecond scales the skew-proportional funding rate.
	FundingFactorPerSecond fixed.Factor

	// Price impact curve parameters (per-USD factors at Factor scale).
	ImpactPositiveFactor fixed.Factor
	ImpactNegativeFactor fixed.Factor
	ImpactExponent       uint

	// ADL thresholds on the pool PnL factor.
	MaxPnlFactorForAdl   fixed.Factor
	MinPnlFactorAfterAdl fixed.Factor
}

// Market is the per-market pool state: reserves per side asset, open
// interest per direction, borrowing and funding accumulators, the impact
// pool, and the ADL latch.
type Market struct {
	ID         string
	IndexAsset string
	LongAsset  string
	ShortAsset string
	Config     Config

	reserves map[string]fixed.Tokens

	openInterestUsd    [2]fixed.Usd
	openInterestTokens [2]fixed.Tokens

	// cumulativeBorrowingFactor is monotone non-decreasing per side.
	cumulativeBorrowingFactor [2]fixed.Factor
	// totalBorrowingUsd is the accrued-but-unclaimed borrowing recorded
	// against open positions (sum of size x stamp at position touch).
	totalBorrowingUsd [2]fixed.Usd

	fundingFeePerSize [2]fixed.Factor

	// impactPoolAmount is denominated in the long-side asset.
	impactPoolAmount fixed.Tokens

	adlEnabled [2]bool

	lastAccrualAt int64
}

func New(id, indexAsset, longAsset, shortAsset string, cfg Config) *Market {
	return &Market{
		ID:         id,
		IndexAsset: indexAsset,
		LongAsset:  longAsset,
		ShortAsset: shortAsset,
		Config:     cfg,
		reserves:   make(map[string]fixed.Tokens),
	}
}

// SideAsset returns the collateral asset backing a direction.
func (m *Market) SideAsset(side Side) string {
	if side == Long {
		return m.LongAsset
	}
	return m.ShortAsset
}

// ReserveAmount returns the pool reserve for a side asset.
func (m *Market) ReserveAmount(asset string) fixed.Tokens {
	return m.reserves[asset]
}

// ApplyReserveDelta adjusts a side asset reserve, failing if it would go
// negative.
func (m *Market) ApplyReserveDelta(asset string, delta fixed.Tokens) error {
	next := m.reserves[asset] + delta
	if next < 0 {
		return fmt.Errorf("%w: %s reserve %d, delta %d", ErrInsufficientReserve, asset, m.reserves[asset], delta)
	}
	m.reserves[asset] = next
	return nil
}

// OpenInterestUsd returns the USD-denominated open interest for a direction.
func (m *Market) OpenInterestUsd(side Side) fixed.Usd {
	return m.openInterestUsd[side]
}

// OpenInterestTokens returns the asset-denominated open interest.
func (m *Market) OpenInterestTokens(side Side) fixed.Tokens {
	return m.openInterestTokens[side]
}

// TotalOpenInterestUsd returns combined long and short open interest.
func (m *Market) TotalOpenInterestUsd() fixed.Usd {
	return m.openInterestUsd[Long] + m.openInterestUsd[Short]
}

// UpdateOpenInterest applies a signed open interest delta for a direction.
func (m *Market) UpdateOpenInterest(side Side, usdDelta fixed.Usd, tokenDelta fixed.Tokens) error {
	nextUsd := m.openInterestUsd[side] + usdDelta
	nextTokens := m.openInterestTokens[side] + tokenDelta
	if nextUsd < 0 || nextTokens < 0 {
		return fmt.Errorf("open interest underflow for %s %s: usd=%d tokens=%d",
			m.ID, side, nextUsd, nextTokens)
	}
	m.openInterestUsd[side] = nextUsd
	m.openInterestTokens[side] = nextTokens
	return nil
}

// UpdateTotalBorrowing adjusts the recorded borrowing for a direction. The
// position ledger calls this when stamps move.
func (m *Market) UpdateTotalBorrowing(side Side, delta fixed.Usd) {
	m.totalBorrowingUsd[side] += delta
	if m.totalBorrowingUsd[side] < 0 {
		m.totalBorrowingUsd[side] = 0
	}
}

// TotalBorrowingRecorded returns the recorded borrowing for a direction.
func (m *Market) TotalBorrowingRecorded(side Side) fixed.Usd {
	return m.totalBorrowingUsd[side]
}

// CumulativeBorrowingFactor returns the stored cumulative factor.
func (m *Market) CumulativeBorrowingFactor(side Side) fixed.Factor {
	return m.cumulativeBorrowingFactor[side]
}

// FundingFeePerSize returns the stored funding accumulator for a direction.
func (m *Market) FundingFeePerSize(side Side) fixed.Factor {
	return m.fundingFeePerSize[side]
}

// ImpactPoolAmount returns the impact pool balance (long-side asset).
func (m *Market) ImpactPoolAmount() fixed.Tokens {
	return m.impactPoolAmount
}

// AdlEnabled reports the persisted ADL latch for a direction. Enabled only
// by the ADL update pass; execution clears it once the factor is back at
// the floor.
func (m *Market) AdlEnabled(side Side) bool {
	return m.adlEnabled[side]
}

// SetAdlEnabled writes the ADL latch for a direction.
func (m *Market) SetAdlEnabled(side Side, enabled bool) {
	m.adlEnabled[side] = enabled
}

// LastAccrualAt returns the timestamp of the last fee accrual write.
func (m *Market) LastAccrualAt() int64 {
	return m.lastAccrualAt
}

package event

import (
	"fmt"

	"github.com/google/uuid"
)

// AdlStateUpdated records a write to the persisted deleveraging latch.
// Idempotency key: "{market}:{side}:{block}".
type AdlStateUpdated struct {
	Market    string
	IsLong    bool
	Enabled   bool
	PnlFactor int64
	Block     int64
}

func (e *AdlStateUpdated) IdempotencyKey() string {
	return fmt.Sprintf("adl-state:%s:%t:%d", e.Market, e.IsLong, e.Block)
}

func (e *AdlStateUpdated) EventType() EventType {
	return EventTypeAdlStateUpdated
}

func (e *AdlStateUpdated) MarketID() *string {
	s := e.Market
	return &s
}

// AdlExecuted records a forced decrease applied to a winning position.
type AdlExecuted struct {
	Account         uuid.UUID
	Market          string
	CollateralAsset string
	IsLong          bool

	SizeDeltaUsd   int64
	ExecutionPrice int64
	PayoutAmount   int64
	PnlFactorAfter int64
	// AdlDisabled reports that this execution pulled the factor to or below
	// the post-deleverage floor and cleared the latch.
	AdlDisabled bool

	Block int64
}

func (e *AdlExecuted) IdempotencyKey() string {
	return fmt.Sprintf("adl:%s:%s:%t:%d", e.Account, e.Market, e.IsLong, e.Block)
}

func (e *AdlExecuted) EventType() EventType {
	return EventTypeAdlExecuted
}

func (e *AdlExecuted) MarketID() *string {
	s := e.Market
	return &s
}

// FeesAccrued records an accumulator advance for a market.
type FeesAccrued struct {
	Market                  string
	LongBorrowingFactor     int64
	ShortBorrowingFactor    int64
	LongFundingFeePerSize   int64
	ShortFundingFeePerSize  int64
	AccruedAt               int64
}

func (e *FeesAccrued) IdempotencyKey() string {
	return fmt.Sprintf("accrual:%s:%d", e.Market, e.AccruedAt)
}

func (e *FeesAccrued) EventType() EventType {
	return EventTypeFeesAccrued
}

func (e *FeesAccrued) MarketID() *string {
	s := e.Market
	return &s
}

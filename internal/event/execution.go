package event

import (
	"fmt"

	"github.com/google/uuid"
)

// OrderExecuted records a completed increase or decrease against a position.
// All amounts are fixed-point integers at the ledger scales.
type OrderExecuted struct {
	OrderID         uuid.UUID
	Account         uuid.UUID
	Market          string
	CollateralAsset string
	IsLong          bool
	IsIncrease      bool

	SizeDeltaUsd    int64
	ExecutionPrice  int64
	PriceImpactUsd  int64
	BorrowingFeeUsd int64
	FundingFeeUsd   int64
	CollateralDelta int64
	PayoutAmount    int64
	PayoutHeld      bool

	// Cost passthrough for the external refund accounting: the order's
	// allowance and the account any refund goes to.
	CostAllowance int64
	CostRecipient uuid.UUID

	Block int64
}

func (e *OrderExecuted) IdempotencyKey() string {
	return e.OrderID.String()
}

func (e *OrderExecuted) EventType() EventType {
	return EventTypeOrderExecuted
}

func (e *OrderExecuted) MarketID() *string {
	s := e.Market
	return &s
}

// OrderRejected records a validation failure that cancelled the order. Orders
// failed on economic state stay pending and emit nothing.
type OrderRejected struct {
	OrderID uuid.UUID
	Account uuid.UUID
	Market  string
	Reason  string
	Block   int64
}

func (e *OrderRejected) IdempotencyKey() string {
	return e.OrderID.String() + ":rejected"
}

func (e *OrderRejected) EventType() EventType {
	return EventTypeOrderRejected
}

func (e *OrderRejected) MarketID() *string {
	s := e.Market
	return &s
}

// LiquidationExecuted records a forced full close.
type LiquidationExecuted struct {
	Account         uuid.UUID
	Market          string
	CollateralAsset string
	IsLong          bool

	SizeUsd         int64
	ExecutionPrice  int64
	BorrowingFeeUsd int64
	FundingFeeUsd   int64
	PayoutAmount    int64

	Block int64
}

func (e *LiquidationExecuted) IdempotencyKey() string {
	return fmt.Sprintf("liq:%s:%s:%s:%t:%d", e.Account, e.Market, e.CollateralAsset, e.IsLong, e.Block)
}

func (e *LiquidationExecuted) EventType() EventType {
	return EventTypeLiquidationExecuted
}

func (e *LiquidationExecuted) MarketID() *string {
	s := e.Market
	return &s
}

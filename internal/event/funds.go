package event

import (
	"fmt"

	"github.com/google/uuid"
)

// DepositConfirmed credits an account balance.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Amount    int64
}

func (e *DepositConfirmed) IdempotencyKey() string {
	return e.DepositID.String()
}

func (e *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (e *DepositConfirmed) MarketID() *string {
	return nil // Global event
}

// WithdrawalConfirmed debits an account balance.
type WithdrawalConfirmed struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Asset        string
	Amount       int64
}

func (e *WithdrawalConfirmed) IdempotencyKey() string {
	return e.WithdrawalID.String()
}

func (e *WithdrawalConfirmed) EventType() EventType {
	return EventTypeWithdrawalConfirmed
}

func (e *WithdrawalConfirmed) MarketID() *string {
	return nil
}

// HeldFundsClaimed records a successful retry of a previously parked payout.
type HeldFundsClaimed struct {
	Account uuid.UUID
	Asset   string
	Amount  int64
	Block   int64
}

func (e *HeldFundsClaimed) IdempotencyKey() string {
	return fmt.Sprintf("claim:%s:%s:%d", e.Account, e.Asset, e.Block)
}

func (e *HeldFundsClaimed) EventType() EventType {
	return EventTypeHeldFundsClaimed
}

func (e *HeldFundsClaimed) MarketID() *string {
	return nil
}

package core

import (
	"github.com/google/uuid"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// Command is one instruction for the single-writer core. CommandKey returns
// the stable dedup key, or "" for commands that are legitimately retried
// (execution passes, risk checks).
type Command interface {
	CommandType() string
	CommandKey() string
}

// SubmitOrder registers an order as pending. Dedup key: order ID.
type SubmitOrder struct {
	Order *orders.Order
}

func (c SubmitOrder) CommandType() string { return "SubmitOrder" }
func (c SubmitOrder) CommandKey() string  { return c.Order.ID.String() }

// CancelOrder removes a pending order without executing it.
type CancelOrder struct {
	OrderID uuid.UUID
}

func (c CancelOrder) CommandType() string { return "CancelOrder" }
func (c CancelOrder) CommandKey() string  { return c.OrderID.String() + ":cancel" }

// ExecuteOrders attempts every pending order against one price basis.
type ExecuteOrders struct {
	Prices *price.Set
}

func (c ExecuteOrders) CommandType() string { return "ExecuteOrders" }
func (c ExecuteOrders) CommandKey() string  { return "" }

// LiquidatePosition checks and force-closes one position.
type LiquidatePosition struct {
	Key    position.Key
	Prices *price.Set
}

func (c LiquidatePosition) CommandType() string { return "LiquidatePosition" }
func (c LiquidatePosition) CommandKey() string  { return "" }

// UpdateAdlState recomputes and writes the deleveraging latch for one side.
type UpdateAdlState struct {
	Market string
	IsLong bool
	Prices *price.Set
}

func (c UpdateAdlState) CommandType() string { return "UpdateAdlState" }
func (c UpdateAdlState) CommandKey() string  { return "" }

// ExecuteAdl force-decreases one winning position under the latch.
type ExecuteAdl struct {
	Key          position.Key
	SizeDeltaUsd fixed.Usd
	Prices       *price.Set
}

func (c ExecuteAdl) CommandType() string { return "ExecuteAdl" }
func (c ExecuteAdl) CommandKey() string  { return "" }

// AccrueFees advances one market's borrowing and funding accumulators to the
// price set's instant and records the sweep.
type AccrueFees struct {
	Market string
	Prices *price.Set
}

func (c AccrueFees) CommandType() string { return "AccrueFees" }
func (c AccrueFees) CommandKey() string  { return "" }

// Deposit credits an account balance. Dedup key: deposit ID.
type Deposit struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Amount    fixed.Tokens
	At        int64
}

func (c Deposit) CommandType() string { return "Deposit" }
func (c Deposit) CommandKey() string  { return c.DepositID.String() }

// Withdraw debits an account balance. Dedup key: withdrawal ID.
type Withdraw struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Asset        string
	Amount       fixed.Tokens
	At           int64
}

func (c Withdraw) CommandType() string { return "Withdraw" }
func (c Withdraw) CommandKey() string  { return c.WithdrawalID.String() }

// ClaimHeldFunds retries delivery of funds parked by a failed payout.
type ClaimHeldFunds struct {
	Account uuid.UUID
	Asset   string
	Block   int64
	At      int64
}

func (c ClaimHeldFunds) CommandType() string { return "ClaimHeldFunds" }
func (c ClaimHeldFunds) CommandKey() string  { return "" }

package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"PoolPerp/internal/core"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// ParseRawCommand converts a raw NATS message into a typed core command. The
// shell validates here so the core only ever sees well-formed input.
func ParseRawCommand(raw RawCommand) (core.Command, error) {
	switch raw.CommandType {
	case "SubmitOrder":
		return parseSubmitOrder(raw.Data)
	case "CancelOrder":
		return parseCancelOrder(raw.Data)
	case "ExecuteOrders":
		return parseExecuteOrders(raw.Data)
	case "LiquidatePosition":
		return parseLiquidatePosition(raw.Data)
	case "UpdateAdlState":
		return parseUpdateAdlState(raw.Data)
	case "ExecuteAdl":
		return parseExecuteAdl(raw.Data)
	case "AccrueFees":
		return parseAccrueFees(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "ClaimHeldFunds":
		return parseClaimHeldFunds(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", raw.CommandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. All amounts are
// fixed-point integers at the ledger scales.

type boundsJSON struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

type priceSetJSON struct {
	Block     int64                 `json:"block"`
	Timestamp int64                 `json:"timestamp"`
	Prices    map[string]boundsJSON `json:"prices"`
}

func parsePriceSet(j priceSetJSON) (*price.Set, error) {
	bounds := make(map[string]price.Bounds, len(j.Prices))
	for asset, b := range j.Prices {
		bounds[asset] = price.Bounds{Min: fixed.Price(b.Min), Max: fixed.Price(b.Max)}
	}
	ps, err := price.NewSet(j.Block, j.Timestamp, bounds)
	if err != nil {
		return nil, fmt.Errorf("parse price set: %w", err)
	}
	return ps, nil
}

type submitOrderJSON struct {
	OrderID         string   `json:"order_id"`
	AccountID       string   `json:"account_id"`
	Market          string   `json:"market"`
	CollateralAsset string   `json:"collateral_asset"`
	IsLong          bool     `json:"is_long"`
	Kind            string   `json:"kind"`
	SizeDeltaUsd    int64    `json:"size_delta_usd"`
	CollateralDelta int64    `json:"collateral_delta"`
	TriggerPrice    int64    `json:"trigger_price"`
	AcceptablePrice int64    `json:"acceptable_price"`
	SwapPath        []string `json:"swap_path,omitempty"`
	CostAllowance   int64    `json:"cost_allowance,omitempty"`
	CostRecipient   string   `json:"cost_recipient,omitempty"`
	CreatedAt       int64    `json:"created_at"`
}

func parseKind(s string) (orders.Kind, error) {
	switch s {
	case "market_increase":
		return orders.KindMarketIncrease, nil
	case "limit_increase":
		return orders.KindLimitIncrease, nil
	case "market_decrease":
		return orders.KindMarketDecrease, nil
	case "limit_decrease":
		return orders.KindLimitDecrease, nil
	case "stop_loss_decrease":
		return orders.KindStopLossDecrease, nil
	default:
		return 0, fmt.Errorf("unknown order kind: %q", s)
	}
}

func parseSubmitOrder(data []byte) (core.Command, error) {
	var j submitOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SubmitOrder: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	kind, err := parseKind(j.Kind)
	if err != nil {
		return nil, err
	}
	if j.SizeDeltaUsd < 0 || j.CollateralDelta < 0 {
		return nil, fmt.Errorf("negative deltas in order %s", j.OrderID)
	}
	if j.CostAllowance < 0 {
		return nil, fmt.Errorf("negative cost allowance in order %s", j.OrderID)
	}
	costRecipient := uuid.Nil
	if j.CostRecipient != "" {
		costRecipient, err = uuid.Parse(j.CostRecipient)
		if err != nil {
			return nil, fmt.Errorf("parse cost_recipient: %w", err)
		}
	}
	return core.SubmitOrder{Order: &orders.Order{
		ID:              orderID,
		Account:         account,
		Market:          j.Market,
		CollateralAsset: j.CollateralAsset,
		IsLong:          j.IsLong,
		Kind:            kind,
		SizeDeltaUsd:    fixed.Usd(j.SizeDeltaUsd),
		CollateralDelta: fixed.Tokens(j.CollateralDelta),
		TriggerPrice:    fixed.Price(j.TriggerPrice),
		AcceptablePrice: fixed.Price(j.AcceptablePrice),
		SwapPath:        j.SwapPath,
		CostAllowance:   fixed.Usd(j.CostAllowance),
		CostRecipient:   costRecipient,
		CreatedAt:       j.CreatedAt,
	}}, nil
}

type cancelOrderJSON struct {
	OrderID string `json:"order_id"`
}

func parseCancelOrder(data []byte) (core.Command, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return core.CancelOrder{OrderID: orderID}, nil
}

type executeOrdersJSON struct {
	Prices priceSetJSON `json:"prices"`
}

func parseExecuteOrders(data []byte) (core.Command, error) {
	var j executeOrdersJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExecuteOrders: %w", err)
	}
	ps, err := parsePriceSet(j.Prices)
	if err != nil {
		return nil, err
	}
	return core.ExecuteOrders{Prices: ps}, nil
}

type positionKeyJSON struct {
	AccountID       string `json:"account_id"`
	Market          string `json:"market"`
	CollateralAsset string `json:"collateral_asset"`
	IsLong          bool   `json:"is_long"`
}

func parsePositionKey(j positionKeyJSON) (position.Key, error) {
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return position.Key{}, fmt.Errorf("parse account_id: %w", err)
	}
	return position.Key{
		Account:         account,
		Market:          j.Market,
		CollateralAsset: j.CollateralAsset,
		IsLong:          j.IsLong,
	}, nil
}

type liquidateJSON struct {
	Key    positionKeyJSON `json:"key"`
	Prices priceSetJSON    `json:"prices"`
}

func parseLiquidatePosition(data []byte) (core.Command, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidatePosition: %w", err)
	}
	key, err := parsePositionKey(j.Key)
	if err != nil {
		return nil, err
	}
	ps, err := parsePriceSet(j.Prices)
	if err != nil {
		return nil, err
	}
	return core.LiquidatePosition{Key: key, Prices: ps}, nil
}

type adlStateJSON struct {
	Market string       `json:"market"`
	IsLong bool         `json:"is_long"`
	Prices priceSetJSON `json:"prices"`
}

func parseUpdateAdlState(data []byte) (core.Command, error) {
	var j adlStateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateAdlState: %w", err)
	}
	ps, err := parsePriceSet(j.Prices)
	if err != nil {
		return nil, err
	}
	return core.UpdateAdlState{Market: j.Market, IsLong: j.IsLong, Prices: ps}, nil
}

type adlExecuteJSON struct {
	Key          positionKeyJSON `json:"key"`
	SizeDeltaUsd int64           `json:"size_delta_usd"`
	Prices       priceSetJSON    `json:"prices"`
}

func parseExecuteAdl(data []byte) (core.Command, error) {
	var j adlExecuteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExecuteAdl: %w", err)
	}
	key, err := parsePositionKey(j.Key)
	if err != nil {
		return nil, err
	}
	ps, err := parsePriceSet(j.Prices)
	if err != nil {
		return nil, err
	}
	return core.ExecuteAdl{Key: key, SizeDeltaUsd: fixed.Usd(j.SizeDeltaUsd), Prices: ps}, nil
}

type accrueFeesJSON struct {
	Market string       `json:"market"`
	Prices priceSetJSON `json:"prices"`
}

func parseAccrueFees(data []byte) (core.Command, error) {
	var j accrueFeesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccrueFees: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("accrual sweep without a market")
	}
	ps, err := parsePriceSet(j.Prices)
	if err != nil {
		return nil, err
	}
	return core.AccrueFees{Market: j.Market, Prices: ps}, nil
}

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func parseDeposit(data []byte) (core.Command, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("non-positive deposit amount %d", j.Amount)
	}
	return core.Deposit{
		DepositID: depositID,
		Account:   account,
		Asset:     j.Asset,
		Amount:    fixed.Tokens(j.Amount),
		At:        j.Timestamp,
	}, nil
}

type withdrawJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	AccountID    string `json:"account_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

func parseWithdraw(data []byte) (core.Command, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("non-positive withdrawal amount %d", j.Amount)
	}
	return core.Withdraw{
		WithdrawalID: withdrawalID,
		Account:      account,
		Asset:        j.Asset,
		Amount:       fixed.Tokens(j.Amount),
		At:           j.Timestamp,
	}, nil
}

type claimJSON struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
	Block     int64  `json:"block"`
	Timestamp int64  `json:"timestamp"`
}

func parseClaimHeldFunds(data []byte) (core.Command, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimHeldFunds: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	return core.ClaimHeldFunds{
		Account: account,
		Asset:   j.Asset,
		Block:   j.Block,
		At:      j.Timestamp,
	}, nil
}

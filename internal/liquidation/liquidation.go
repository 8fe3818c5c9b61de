// Package liquidation decides and executes forced full closes. There is no
// per-position watcher: a check evaluates the position on demand against the
// supplied price basis, reading fees through to the current instant so an
// unwritten accrual can never keep an insolvent position alive.
package liquidation

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"PoolPerp/internal/event"
	"PoolPerp/internal/fees"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// ErrPositionShouldNotBeLiquidated marks a liquidation attempt against a
// healthy position. The attempt leaves no trace and may be retried.
var ErrPositionShouldNotBeLiquidated = errors.New("position should not be liquidated")

type Engine struct {
	markets   *market.Ledger
	positions *position.Ledger
	executor  *orders.Executor
	log       zerolog.Logger
}

func NewEngine(markets *market.Ledger, positions *position.Ledger, executor *orders.Executor, log zerolog.Logger) *Engine {
	return &Engine{
		markets:   markets,
		positions: positions,
		executor:  executor,
		log:       log.With().Str("component", "liquidation").Logger(),
	}
}

// RemainingCollateralUsd values the position's equity at the close-out
// bound: collateral plus unrealized PnL minus all pending fees, evaluated
// with read-through accruals.
func (e *Engine) RemainingCollateralUsd(pos *position.Position, m *market.Market, ps *price.Set, now int64) (fixed.Usd, error) {
	pending, err := fees.PendingFees(pos, m, ps, now)
	if err != nil {
		return 0, err
	}
	markPrice, err := ps.PickPrice(m.IndexAsset, pos.IsLong, false)
	if err != nil {
		return 0, err
	}
	colPrice, err := ps.MinPrice(pos.CollateralAsset)
	if err != nil {
		return 0, err
	}
	// Claimable funding (negative FundingFeeUsd) credits the equity.
	return pos.CollateralValueUsd(colPrice) + pos.Pnl(markPrice) - pending.BorrowingFeeUsd - pending.FundingFeeUsd, nil
}

// IsLiquidatable reports whether any of the three conditions hold: equity
// gone, leverage above the cap, or equity below the collateral floor. Pure
// read, no accrual writes.
func (e *Engine) IsLiquidatable(pos *position.Position, m *market.Market, ps *price.Set, now int64) (bool, error) {
	if pos == nil || pos.SizeUsd == 0 {
		return false, nil
	}
	rcv, err := e.RemainingCollateralUsd(pos, m, ps, now)
	if err != nil {
		return false, err
	}
	if rcv <= 0 {
		return true, nil
	}
	if rcv < m.Config.MinCollateralUsd {
		return true, nil
	}
	if m.Config.MaxLeverage > 0 && pos.SizeUsd > rcv*fixed.Usd(m.Config.MaxLeverage) {
		return true, nil
	}
	return false, nil
}

// Liquidate force-closes a position after re-verifying the decision against
// the execution price basis. Proceeds, if any remain, are paid in the
// position's collateral asset.
func (e *Engine) Liquidate(key position.Key, ec price.ExecutionContext) (*event.LiquidationExecuted, error) {
	pos := e.positions.Get(key)
	if pos == nil || pos.SizeUsd == 0 {
		return nil, fmt.Errorf("%w: no position for %s in %s", orders.ErrEmptyPosition, key.Account, key.Market)
	}
	m, err := e.markets.Get(key.Market)
	if err != nil {
		return nil, err
	}

	liquidatable, err := e.IsLiquidatable(pos, m, ec.Prices, ec.Now)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, fmt.Errorf("%w: %s in %s", ErrPositionShouldNotBeLiquidated, key.Account, key.Market)
	}

	sizeUsd := pos.SizeUsd
	res, err := e.executor.ForceDecrease(pos, m, sizeUsd, ec)
	if err != nil {
		return nil, fmt.Errorf("liquidate %s in %s: %w", key.Account, key.Market, err)
	}

	e.log.Info().
		Str("account", key.Account.String()).
		Str("market", key.Market).
		Int64("size_usd", int64(sizeUsd)).
		Int64("payout", int64(res.PayoutAmount)).
		Msg("position liquidated")

	return &event.LiquidationExecuted{
		Account:         key.Account,
		Market:          key.Market,
		CollateralAsset: key.CollateralAsset,
		IsLong:          key.IsLong,
		SizeUsd:         int64(sizeUsd),
		ExecutionPrice:  int64(res.ExecutionPrice),
		BorrowingFeeUsd: int64(res.BorrowingFeeUsd),
		FundingFeeUsd:   int64(res.FundingFeeUsd),
		PayoutAmount:    int64(res.PayoutAmount),
		Block:           ec.Prices.Block,
	}, nil
}

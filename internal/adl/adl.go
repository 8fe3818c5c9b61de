// Package adl implements auto-deleveraging in two phases. A keeper pass
// enables the per-side latch from the pool PnL factor; execution
// force-decreases winning positions gated on the latch alone, never on a
// freshly computed factor. After a decrease, execution recomputes the factor
// and clears the latch once it is at or below the post-deleverage floor, so
// a restored pool cannot keep authorizing forced closes. Only the keeper
// pass can turn the latch on.
package adl

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"PoolPerp/internal/event"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// ErrAdlNotEnabled marks an execution attempt while the latch is off. The
// attempt leaves no trace and may be retried after the next state update.
var ErrAdlNotEnabled = errors.New("adl not enabled")

// ErrPositionNotProfitable marks an execution attempt against a position
// with no unrealized profit. Deleveraging trims winners; closing a losing
// position is the liquidation path's job.
var ErrPositionNotProfitable = errors.New("position not profitable")

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
		log:       log.With().Str("component", "adl").Logger(),
	}
}

// UpdateAdlState recomputes the pool PnL factor for one side and writes the
// latch. This is the only path that can enable the latch; deleveraging is
// enabled strictly above the threshold.
func (e *Engine) UpdateAdlState(marketID string, side market.Side, ec price.ExecutionContext) (*event.AdlStateUpdated, error) {
	m, err := e.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	if err := m.AccrueFees(ec.Prices, ec.Now); err != nil {
		return nil, err
	}
	factor, err := m.PnlFactor(side, ec.Prices)
	if err != nil {
		return nil, fmt.Errorf("adl state for %s %s: %w", marketID, side, err)
	}

	enabled := factor > m.Config.MaxPnlFactorForAdl
	m.SetAdlEnabled(side, enabled)

	e.log.Info().
		Str("market", marketID).
		Str("side", side.String()).
		Bool("enabled", enabled).
		Int64("pnl_factor", int64(factor)).
		Msg("adl latch updated")

	return &event.AdlStateUpdated{
		Market:    marketID,
		IsLong:    side == market.Long,
		Enabled:   enabled,
		PnlFactor: int64(factor),
		Block:     ec.Prices.Block,
	}, nil
}

// ExecuteAdl force-decreases one winning position. Permission to execute
// comes from the persisted latch alone: a factor that has drifted since the
// last state update neither blocks nor permits execution. Afterwards the
// factor is recomputed and the latch is cleared once it sits at or below
// the post-deleverage floor.
func (e *Engine) ExecuteAdl(key position.Key, sizeDeltaUsd fixed.Usd, ec price.ExecutionContext) (*event.AdlExecuted, error) {
	m, err := e.markets.Get(key.Market)
	if err != nil {
		return nil, err
	}
	side := market.SideOf(key.IsLong)
	if !m.AdlEnabled(side) {
		return nil, fmt.Errorf("%w: %s %s", ErrAdlNotEnabled, key.Market, side)
	}

	pos := e.positions.Get(key)
	if pos == nil || pos.SizeUsd == 0 {
		return nil, fmt.Errorf("%w: no position for %s in %s", orders.ErrEmptyPosition, key.Account, key.Market)
	}

	marked, err := ec.Prices.PickPrice(m.IndexAsset, pos.IsLong, false)
	if err != nil {
		return nil, err
	}
	if fixed.PositionPnl(pos.Side().Sign(), marked, pos.EntryPrice(), pos.SizeTokens) <= 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrPositionNotProfitable, key.Account, key.Market)
	}

	if sizeDeltaUsd <= 0 || sizeDeltaUsd > pos.SizeUsd {
		sizeDeltaUsd = pos.SizeUsd
	}

	res, err := e.executor.ForceDecrease(pos, m, sizeDeltaUsd, ec)
	if err != nil {
		return nil, fmt.Errorf("adl %s in %s: %w", key.Account, key.Market, err)
	}

	// The decrease has committed. Re-read the factor and drop the latch
	// once the pool is back at or below the floor; a stale latch must not
	// authorize further forced closes of healthy positions.
	factorAfter, err := m.PnlFactor(side, ec.Prices)
	if err != nil {
		return nil, fmt.Errorf("adl factor after decrease for %s %s: %w", key.Market, side, err)
	}
	disabled := factorAfter <= m.Config.MinPnlFactorAfterAdl
	if disabled {
		m.SetAdlEnabled(side, false)
	}

	e.log.Info().
		Str("account", key.Account.String()).
		Str("market", key.Market).
		Int64("size_delta_usd", int64(res.SizeDeltaUsd)).
		Int64("pnl_factor_after", int64(factorAfter)).
		Bool("latch_cleared", disabled).
		Msg("position deleveraged")

	return &event.AdlExecuted{
		Account:         key.Account,
		Market:          key.Market,
		CollateralAsset: key.CollateralAsset,
		IsLong:          key.IsLong,
		SizeDeltaUsd:    int64(res.SizeDeltaUsd),
		ExecutionPrice:  int64(res.ExecutionPrice),
		PayoutAmount:    int64(res.PayoutAmount),
		PnlFactorAfter:  int64(factorAfter),
		AdlDisabled:     disabled,
		Block:           ec.Prices.Block,
	}, nil
}

// Candidates returns the side's open positions in deleveraging order,
// largest first.
func (e *Engine) Candidates(marketID string, side market.Side) []*position.Position {
	return e.positions.ByMarketSide(marketID, side)
}

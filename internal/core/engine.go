package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PoolPerp/internal/adl"
	"PoolPerp/internal/bank"
	"PoolPerp/internal/event"
	"PoolPerp/internal/liquidation"
	"PoolPerp/internal/market"
	"PoolPerp/internal/observability"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// Engine is the single-threaded command processor. All ledger state is owned
// here; commands arrive on one channel and every state change leaves as an
// enveloped event. Timestamps are versioned inputs carried by the commands,
// never wall clock.
type Engine struct {
	sequence int64

	markets      *market.Ledger
	positions    *position.Ledger
	vault        *bank.Vault
	store        *orders.Store
	executor     *orders.Executor
	liquidations *liquidation.Engine
	adl          *adl.Engine

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

// Output pairs the sealed envelope with the affected position states, ready
// for the persistence worker and the outbound publisher.
type Output struct {
	Envelope  *event.Envelope
	Positions []PositionRecord
}

// PositionRecord is a flattened position snapshot taken after an event.
type PositionRecord struct {
	Account                uuid.UUID
	Market                 string
	CollateralAsset        string
	IsLong                 bool
	SizeUsd                int64
	SizeTokens             int64
	CollateralAmount       int64
	BorrowingFactorStamp   int64
	FundingFeePerSizeStamp int64
	Version                int64
	Closed                 bool
}

func NewEngine(
	startSequence int64,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	log := observability.NewLogger("core")
	markets := market.NewLedger()
	positions := position.NewLedger()
	vault := bank.NewVault()
	executor := orders.NewExecutor(markets, positions, vault, log)

	return &Engine{
		sequence:     startSequence,
		markets:      markets,
		positions:    positions,
		vault:        vault,
		store:        orders.NewStore(),
		executor:     executor,
		liquidations: liquidation.NewEngine(markets, positions, executor, log),
		adl:          adl.NewEngine(markets, positions, executor, log),
		idempotency:  NewIdempotencyChecker(1_000_000, dbChecker),
		metrics:      metrics,
		log:          log,
		persistChan:  persistChan,
		publishChan:  publishChan,
	}
}

// RegisterMarket adds a market and seeds its accrual clock. Setup phase
// only, before the command loop starts.
func (e *Engine) RegisterMarket(m *market.Market, now int64) error {
	if err := e.markets.Add(m); err != nil {
		return err
	}
	m.SeedAccrualClock(now)
	return nil
}

// Sequence returns the next event sequence to be assigned.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// Read accessors for the query layer and tests. Safe only from the core
// goroutine or before the loop starts.

func (e *Engine) Markets() *market.Ledger { return e.markets }

func (e *Engine) Positions() *position.Ledger { return e.positions }

func (e *Engine) Vault() *bank.Vault { return e.vault }

func (e *Engine) PendingOrders() int { return e.store.Count() }

// WarmIdempotency preloads composite dedup keys recovered from the event
// log. Called once before the command loop starts.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.WarmFromKeys(keys)
}

// Run consumes commands until the context is cancelled or the channel
// closes. Command failures are logged, not fatal: a bad command must not
// take the core down.
func (e *Engine) Run(ctx context.Context, commands <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			if err := e.Apply(cmd); err != nil {
				e.log.Warn().Err(err).Str("command", cmd.CommandType()).Msg("command failed")
			}
		}
	}
}

// Apply processes one command.
func (e *Engine) Apply(cmd Command) error {
	start := time.Now()
	ctype := cmd.CommandType()
	key := cmd.CommandKey()

	if key != "" && e.idempotency.IsDuplicate(ctype, key) {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(ctype, "duplicate").Inc()
		}
		return nil
	}

	var err error
	switch c := cmd.(type) {
	case SubmitOrder:
		err = e.handleSubmitOrder(c)
	case CancelOrder:
		err = e.handleCancelOrder(c)
	case ExecuteOrders:
		err = e.handleExecuteOrders(c)
	case LiquidatePosition:
		err = e.handleLiquidatePosition(c)
	case UpdateAdlState:
		err = e.handleUpdateAdlState(c)
	case ExecuteAdl:
		err = e.handleExecuteAdl(c)
	case AccrueFees:
		err = e.handleAccrueFees(c)
	case Deposit:
		err = e.handleDeposit(c)
	case Withdraw:
		err = e.handleWithdraw(c)
	case ClaimHeldFunds:
		err = e.handleClaimHeldFunds(c)
	default:
		err = fmt.Errorf("unhandled command type %T", cmd)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(ctype, "error").Inc()
		}
		return err
	}

	if key != "" {
		e.idempotency.MarkProcessed(ctype, key)
	}
	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(ctype).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(ctype).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.OrdersPending.Set(float64(e.store.Count()))
	}
	return nil
}

func (e *Engine) handleSubmitOrder(c SubmitOrder) error {
	if c.Order == nil {
		return fmt.Errorf("nil order submitted")
	}
	if err := e.store.Add(c.Order); err != nil {
		return err
	}
	e.log.Debug().
		Str("order_id", c.Order.ID.String()).
		Str("market", c.Order.Market).
		Str("kind", c.Order.Kind.String()).
		Msg("order accepted")
	return nil
}

func (e *Engine) handleCancelOrder(c CancelOrder) error {
	if e.store.Get(c.OrderID) == nil {
		return fmt.Errorf("unknown order %s", c.OrderID)
	}
	e.store.Remove(c.OrderID)
	return nil
}

func (e *Engine) handleExecuteOrders(c ExecuteOrders) error {
	ec := price.NewExecutionContext(c.Prices)
	for _, o := range e.store.Pending() {
		e.attemptOrder(o, ec)
	}
	return nil
}

func (e *Engine) attemptOrder(o *orders.Order, ec price.ExecutionContext) {
	ev, err := e.executor.Execute(o, ec)
	if err == nil {
		e.store.Remove(o.ID)
		e.emit(ev, time.Unix(ec.Now, 0), e.recordsFor(positionKeyOf(o)))
		if e.metrics != nil {
			e.metrics.OrdersExecuted.WithLabelValues(o.Market, o.Kind.String()).Inc()
		}
		return
	}

	switch {
	case isEconomicStateErr(err):
		// The order waits for economic conditions to change.
		if e.metrics != nil {
			e.metrics.OrdersKeptPending.WithLabelValues(o.Market, "economic_state").Inc()
		}
		e.log.Debug().Err(err).Str("order_id", o.ID.String()).Msg("order kept pending")

	case o.Kind.IsConditional() && isRetryableValidationErr(err):
		// Conditional orders outlive a miss: the trigger or acceptable
		// bound is re-validated against the next price basis.
		if e.metrics != nil {
			e.metrics.OrdersKeptPending.WithLabelValues(o.Market, "price_window").Inc()
		}
		e.log.Debug().Err(err).Str("order_id", o.ID.String()).Msg("conditional order kept pending")

	default:
		e.store.Remove(o.ID)
		rejected := &event.OrderRejected{
			OrderID: o.ID,
			Account: o.Account,
			Market:  o.Market,
			Reason:  err.Error(),
			Block:   ec.Prices.Block,
		}
		e.emit(rejected, time.Unix(ec.Now, 0), nil)
		if e.metrics != nil {
			e.metrics.OrdersCancelled.WithLabelValues(o.Market, "validation").Inc()
		}
		e.log.Info().Err(err).Str("order_id", o.ID.String()).Msg("order cancelled")
	}
}

func (e *Engine) handleLiquidatePosition(c LiquidatePosition) error {
	ec := price.NewExecutionContext(c.Prices)
	ev, err := e.liquidations.Liquidate(c.Key, ec)
	if err != nil {
		if errors.Is(err, liquidation.ErrPositionShouldNotBeLiquidated) || errors.Is(err, orders.ErrEmptyPosition) {
			if e.metrics != nil {
				e.metrics.LiquidationsRefused.WithLabelValues(c.Key.Market).Inc()
			}
			e.log.Debug().Err(err).Str("market", c.Key.Market).Msg("liquidation refused")
			return nil
		}
		return err
	}
	e.emit(ev, time.Unix(ec.Now, 0), e.recordsFor(c.Key))
	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.WithLabelValues(c.Key.Market).Inc()
	}
	return nil
}

func (e *Engine) handleUpdateAdlState(c UpdateAdlState) error {
	ec := price.NewExecutionContext(c.Prices)
	side := market.SideOf(c.IsLong)
	ev, err := e.adl.UpdateAdlState(c.Market, side, ec)
	if err != nil {
		return err
	}
	e.emit(ev, time.Unix(ec.Now, 0), nil)
	if e.metrics != nil {
		enabled := 0.0
		if ev.Enabled {
			enabled = 1.0
		}
		e.metrics.AdlLatchEnabled.WithLabelValues(c.Market, side.String()).Set(enabled)
		e.metrics.PoolPnlFactor.WithLabelValues(c.Market, side.String()).Set(float64(ev.PnlFactor))
	}
	return nil
}

func (e *Engine) handleExecuteAdl(c ExecuteAdl) error {
	ec := price.NewExecutionContext(c.Prices)
	ev, err := e.adl.ExecuteAdl(c.Key, c.SizeDeltaUsd, ec)
	if err != nil {
		if errors.Is(err, adl.ErrAdlNotEnabled) || errors.Is(err, adl.ErrPositionNotProfitable) || errors.Is(err, orders.ErrEmptyPosition) {
			e.log.Debug().Err(err).Str("market", c.Key.Market).Msg("adl execution refused")
			return nil
		}
		return err
	}
	e.emit(ev, time.Unix(ec.Now, 0), e.recordsFor(c.Key))
	if e.metrics != nil {
		e.metrics.AdlExecutions.WithLabelValues(c.Key.Market).Inc()
	}
	return nil
}

func (e *Engine) handleAccrueFees(c AccrueFees) error {
	m, err := e.markets.Get(c.Market)
	if err != nil {
		return err
	}
	ec := price.NewExecutionContext(c.Prices)
	if err := m.AccrueFees(ec.Prices, ec.Now); err != nil {
		return err
	}
	e.emit(&event.FeesAccrued{
		Market:                 c.Market,
		LongBorrowingFactor:    int64(m.CumulativeBorrowingFactor(market.Long)),
		ShortBorrowingFactor:   int64(m.CumulativeBorrowingFactor(market.Short)),
		LongFundingFeePerSize:  int64(m.FundingFeePerSize(market.Long)),
		ShortFundingFeePerSize: int64(m.FundingFeePerSize(market.Short)),
		AccruedAt:              ec.Now,
	}, time.Unix(ec.Now, 0), nil)
	return nil
}

func (e *Engine) handleDeposit(c Deposit) error {
	if err := e.vault.Deposit(c.Account, c.Asset, c.Amount); err != nil {
		return err
	}
	e.emit(&event.DepositConfirmed{
		DepositID: c.DepositID,
		Account:   c.Account,
		Asset:     c.Asset,
		Amount:    int64(c.Amount),
	}, time.Unix(c.At, 0), nil)
	return nil
}

func (e *Engine) handleWithdraw(c Withdraw) error {
	if err := e.vault.Withdraw(c.Account, c.Asset, c.Amount); err != nil {
		return err
	}
	e.emit(&event.WithdrawalConfirmed{
		WithdrawalID: c.WithdrawalID,
		Account:      c.Account,
		Asset:        c.Asset,
		Amount:       int64(c.Amount),
	}, time.Unix(c.At, 0), nil)
	return nil
}

func (e *Engine) handleClaimHeldFunds(c ClaimHeldFunds) error {
	amount, err := e.vault.ClaimHeldFunds(c.Account, c.Asset)
	if err != nil {
		// Still blocked: the funds stay held and the claim can be retried.
		e.log.Debug().Err(err).Str("account", c.Account.String()).Msg("held funds claim refused")
		return nil
	}
	if amount == 0 {
		return nil
	}
	e.emit(&event.HeldFundsClaimed{
		Account: c.Account,
		Asset:   c.Asset,
		Amount:  int64(amount),
		Block:   c.Block,
	}, time.Unix(c.At, 0), nil)
	if e.metrics != nil {
		e.metrics.HeldFundsClaimed.WithLabelValues(c.Asset).Inc()
	}
	return nil
}

// emit seals an envelope at the next sequence and ships it. The persist send
// blocks (backpressure); the publish send drops on a full channel since
// downstream consumers can replay from the event log.
func (e *Engine) emit(ev event.Event, ts time.Time, records []PositionRecord) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("payload marshal failed")
		payload = nil
	}
	env := event.Seal(e.sequence, ev, payload, ts)
	e.sequence++

	out := Output{Envelope: &env, Positions: records}
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// recordsFor snapshots the position's state after an execution. A missing
// position is recorded as closed.
func (e *Engine) recordsFor(key position.Key) []PositionRecord {
	pos := e.positions.Get(key)
	if pos == nil {
		return []PositionRecord{{
			Account:         key.Account,
			Market:          key.Market,
			CollateralAsset: key.CollateralAsset,
			IsLong:          key.IsLong,
			Closed:          true,
		}}
	}
	return []PositionRecord{{
		Account:                pos.Account,
		Market:                 pos.Market,
		CollateralAsset:        pos.CollateralAsset,
		IsLong:                 pos.IsLong,
		SizeUsd:                int64(pos.SizeUsd),
		SizeTokens:             int64(pos.SizeTokens),
		CollateralAmount:       int64(pos.CollateralAmount),
		BorrowingFactorStamp:   int64(pos.BorrowingFactorStamp),
		FundingFeePerSizeStamp: int64(pos.FundingFeePerSizeStamp),
		Version:                pos.Version,
	}}
}

func positionKeyOf(o *orders.Order) position.Key {
	return position.Key{
		Account:         o.Account,
		Market:          o.Market,
		CollateralAsset: o.CollateralAsset,
		IsLong:          o.IsLong,
	}
}

func isEconomicStateErr(err error) bool {
	return errors.Is(err, orders.ErrEmptyPosition) || errors.Is(err, market.ErrInsufficientReserve)
}

func isRetryableValidationErr(err error) bool {
	return errors.Is(err, orders.ErrInvalidPriceRange) || errors.Is(err, orders.ErrUnacceptablePrice)
}

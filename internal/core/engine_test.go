package core_test

import (
	"testing"

	"github.com/google/uuid"

	"PoolPerp/internal/core"
	"PoolPerp/internal/event"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

var trader = uuid.MustParse("22222222-2222-2222-2222-222222222222")

type harness struct {
	engine  *core.Engine
	persist chan core.Output
	publish chan core.Output
}

// newHarness wires an engine with buffered output channels and one market
// with zero fee rates, so executions settle at clean numbers.
func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.Output, 64)
	publish := make(chan core.Output, 64)
	engine := core.NewEngine(0, persist, publish, nil, nil)

	m := market.New("BTC-USD", "WBTC", "WBTC", "USDC", market.Config{
		MaxLeverage:      50,
		MinCollateralUsd: fixed.Usd(10 * fixed.UsdScale),
	})
	if err := m.ApplyReserveDelta("USDC", 500_000*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	if err := engine.RegisterMarket(m, 1_000); err != nil {
		t.Fatal(err)
	}
	return &harness{engine: engine, persist: persist, publish: publish}
}

func (h *harness) apply(t *testing.T, cmd core.Command) {
	t.Helper()
	if err := h.engine.Apply(cmd); err != nil {
		t.Fatalf("apply %s: %v", cmd.CommandType(), err)
	}
}

// drainPersist returns all envelopes emitted so far.
func (h *harness) drainPersist() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case o := <-h.persist:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

func pricesAt(t *testing.T, ts int64, btcMin, btcMax int64) *price.Set {
	t.Helper()
	ps, err := price.NewSet(ts, ts, map[string]price.Bounds{
		"WBTC": {Min: fixed.Price(btcMin * fixed.PriceScale), Max: fixed.Price(btcMax * fixed.PriceScale)},
		"USDC": {Min: fixed.Price(fixed.PriceScale), Max: fixed.Price(fixed.PriceScale)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return ps
}

func deposit(amountTokens int64) core.Deposit {
	return core.Deposit{
		DepositID: uuid.New(),
		Account:   trader,
		Asset:     "USDC",
		Amount:    fixed.Tokens(amountTokens * fixed.TokenScale),
		At:        1_000,
	}
}

func submitMarketLong(sizeUsd, collateralTokens, acceptable int64) core.SubmitOrder {
	return core.SubmitOrder{Order: &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketIncrease,
		SizeDeltaUsd:    fixed.Usd(sizeUsd * fixed.UsdScale),
		CollateralDelta: fixed.Tokens(collateralTokens * fixed.TokenScale),
		AcceptablePrice: fixed.Price(acceptable * fixed.PriceScale),
		CreatedAt:       1_000,
	}}
}

func longKey() position.Key {
	return position.Key{Account: trader, Market: "BTC-USD", CollateralAsset: "USDC", IsLong: true}
}

// ============================================================================
// Test: submit and execute
// ============================================================================

func TestApply_SubmitThenExecute(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))

	if h.engine.PendingOrders() != 1 {
		t.Fatalf("pending orders: %d", h.engine.PendingOrders())
	}
	h.drainPersist()

	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	if h.engine.PendingOrders() != 0 {
		t.Errorf("order still pending after execution")
	}
	pos := h.engine.Positions().Get(longKey())
	if pos == nil {
		t.Fatal("position not created")
	}
	if pos.SizeUsd != 200_000*fixed.Usd(fixed.UsdScale) {
		t.Errorf("size: %d", pos.SizeUsd)
	}

	envs := h.drainPersist()
	if len(envs) != 1 {
		t.Fatalf("envelopes: %d", len(envs))
	}
	if envs[0].EventType != event.EventTypeOrderExecuted {
		t.Errorf("event type: %s", envs[0].EventType)
	}
	if envs[0].MarketID == nil || *envs[0].MarketID != "BTC-USD" {
		t.Errorf("market id: %v", envs[0].MarketID)
	}
}

func TestApply_SequenceIsMonotonic(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(100_000, 10_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	envs := h.drainPersist()
	for i, env := range envs {
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d: sequence %d", i, env.Sequence)
		}
	}
	if h.engine.Sequence() != int64(len(envs)) {
		t.Errorf("next sequence %d after %d envelopes", h.engine.Sequence(), len(envs))
	}
}

// ============================================================================
// Test: idempotency
// ============================================================================

func TestApply_DuplicateDepositIgnored(t *testing.T) {
	h := newHarness(t)
	d := deposit(20_000)
	h.apply(t, d)
	h.apply(t, d)

	got := h.engine.Vault().Balance(trader, "USDC")
	if got != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("balance after duplicate deposit: %d", got)
	}
	if envs := h.drainPersist(); len(envs) != 1 {
		t.Errorf("envelopes: %d", len(envs))
	}
}

func TestApply_DuplicateSubmitIgnored(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	s := submitMarketLong(100_000, 10_000, 50_000)
	h.apply(t, s)
	h.apply(t, s)

	if h.engine.PendingOrders() != 1 {
		t.Errorf("pending orders: %d", h.engine.PendingOrders())
	}
}

// ============================================================================
// Test: pending-order policy
// ============================================================================

// A market order that misses its acceptable price is cancelled with a
// rejection event.
func TestApply_MarketOrderCancelledOnPriceMiss(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(100_000, 10_000, 49_000))
	h.drainPersist()

	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	if h.engine.PendingOrders() != 0 {
		t.Errorf("market order should be cancelled, %d pending", h.engine.PendingOrders())
	}
	envs := h.drainPersist()
	if len(envs) != 1 || envs[0].EventType != event.EventTypeOrderRejected {
		t.Fatalf("expected one rejection envelope, got %d", len(envs))
	}
}

// A conditional order that misses its acceptable price stays pending and
// executes on a later basis that satisfies it.
func TestApply_ConditionalOrderSurvivesPriceMiss(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	h.apply(t, core.SubmitOrder{Order: &orders.Order{
		ID:              uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindLimitDecrease,
		SizeDeltaUsd:    fixed.Usd(200_000 * fixed.UsdScale),
		TriggerPrice:    fixed.Price(55_000 * fixed.PriceScale),
		AcceptablePrice: fixed.Price(54_800 * fixed.PriceScale),
		CreatedAt:       2_000,
	}})
	h.drainPersist()

	// Trigger reached but the min bound is below the acceptable price.
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 2_000, 54_000, 55_500)})
	if h.engine.PendingOrders() != 1 {
		t.Fatalf("conditional order should stay pending, %d pending", h.engine.PendingOrders())
	}
	if envs := h.drainPersist(); len(envs) != 0 {
		t.Fatalf("no envelope expected on a kept-pending attempt, got %d", len(envs))
	}

	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 3_000, 55_000, 55_200)})
	if h.engine.PendingOrders() != 0 {
		t.Errorf("conditional order should have executed")
	}
	if h.engine.Positions().Get(longKey()) != nil {
		t.Errorf("position should be closed")
	}
}

// An order against a missing position waits for economic conditions, it is
// not cancelled.
func TestApply_DecreaseWithoutPositionKeptPending(t *testing.T) {
	h := newHarness(t)
	h.apply(t, core.SubmitOrder{Order: &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    fixed.Usd(100_000 * fixed.UsdScale),
		CreatedAt:       1_000,
	}})
	h.drainPersist()

	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	if h.engine.PendingOrders() != 1 {
		t.Errorf("order should stay pending, %d pending", h.engine.PendingOrders())
	}
	if envs := h.drainPersist(); len(envs) != 0 {
		t.Errorf("no envelope expected, got %d", len(envs))
	}
}

// ============================================================================
// Test: cancel
// ============================================================================

func TestApply_CancelRemovesOrder(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	s := submitMarketLong(100_000, 10_000, 50_000)
	h.apply(t, s)
	h.apply(t, core.CancelOrder{OrderID: s.Order.ID})

	if h.engine.PendingOrders() != 0 {
		t.Errorf("pending orders: %d", h.engine.PendingOrders())
	}
	if err := h.engine.Apply(core.CancelOrder{OrderID: uuid.New()}); err == nil {
		t.Errorf("cancelling an unknown order should fail")
	}
}

// ============================================================================
// Test: risk commands
// ============================================================================

func TestApply_LiquidationRefusedIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})
	h.drainPersist()

	h.apply(t, core.LiquidatePosition{Key: longKey(), Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	if h.engine.Positions().Get(longKey()) == nil {
		t.Fatal("healthy position must survive a liquidation attempt")
	}
	if envs := h.drainPersist(); len(envs) != 0 {
		t.Errorf("no envelope expected for a refused liquidation, got %d", len(envs))
	}
}

func TestApply_LiquidationEmitsAndCloses(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})
	h.drainPersist()

	// $44k wipes the $20k collateral on a 4 BTC long.
	h.apply(t, core.LiquidatePosition{Key: longKey(), Prices: pricesAt(t, 2_000, 44_000, 44_000)})

	if h.engine.Positions().Get(longKey()) != nil {
		t.Fatal("position should be closed")
	}
	outs := h.drainPersist()
	if len(outs) != 1 || outs[0].EventType != event.EventTypeLiquidationExecuted {
		t.Fatalf("expected one liquidation envelope, got %d", len(outs))
	}
}

func TestApply_AdlStateThenExecute(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})
	h.drainPersist()

	// Latch off: execution refused, position untouched.
	h.apply(t, core.ExecuteAdl{Key: longKey(), Prices: pricesAt(t, 2_000, 50_000, 50_000)})
	if h.engine.Positions().Get(longKey()) == nil {
		t.Fatal("position must survive execution with the latch off")
	}
	if envs := h.drainPersist(); len(envs) != 0 {
		t.Fatalf("no envelope expected with the latch off, got %d", len(envs))
	}

	h.apply(t, core.UpdateAdlState{Market: "BTC-USD", IsLong: true, Prices: pricesAt(t, 2_000, 50_000, 50_000)})
	envs := h.drainPersist()
	if len(envs) != 1 || envs[0].EventType != event.EventTypeAdlStateUpdated {
		t.Fatalf("expected one state envelope, got %d", len(envs))
	}
}

// An accrual sweep advances the fee accumulators and records one envelope.
func TestApply_AccrueFeesEmitsSweep(t *testing.T) {
	persist := make(chan core.Output, 64)
	publish := make(chan core.Output, 64)
	engine := core.NewEngine(0, persist, publish, nil, nil)

	m := market.New("BTC-USD", "WBTC", "WBTC", "USDC", market.Config{
		MaxLeverage:              50,
		MinCollateralUsd:         fixed.Usd(10 * fixed.UsdScale),
		BorrowingFactorPerSecond: 100_000,
		BorrowingExponent:        2,
	})
	if err := m.ApplyReserveDelta("USDC", 500_000*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	if err := engine.RegisterMarket(m, 1_000); err != nil {
		t.Fatal(err)
	}
	h := &harness{engine: engine, persist: persist, publish: publish}

	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})
	h.drainPersist()

	h.apply(t, core.AccrueFees{Market: "BTC-USD", Prices: pricesAt(t, 1_000+14*86_400, 50_000, 50_000)})

	envs := h.drainPersist()
	if len(envs) != 1 || envs[0].EventType != event.EventTypeFeesAccrued {
		t.Fatalf("expected one accrual envelope, got %d", len(envs))
	}
	if envs[0].MarketID == nil || *envs[0].MarketID != "BTC-USD" {
		t.Errorf("market id: %v", envs[0].MarketID)
	}
	if m.CumulativeBorrowingFactor(market.Long) <= 0 {
		t.Errorf("borrowing factor did not advance: %d", m.CumulativeBorrowingFactor(market.Long))
	}

	if err := h.engine.Apply(core.AccrueFees{Market: "ETH-USD", Prices: pricesAt(t, 1_000, 50_000, 50_000)}); err == nil {
		t.Errorf("sweep on an unknown market should fail")
	}
}

// ============================================================================
// Test: funds commands
// ============================================================================

func TestApply_WithdrawEmitsConfirmation(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, core.Withdraw{
		WithdrawalID: uuid.New(),
		Account:      trader,
		Asset:        "USDC",
		Amount:       5_000 * fixed.Tokens(fixed.TokenScale),
		At:           1_100,
	})

	got := h.engine.Vault().Balance(trader, "USDC")
	if got != 15_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("balance: %d", got)
	}
	envs := h.drainPersist()
	if len(envs) != 2 || envs[1].EventType != event.EventTypeWithdrawalConfirmed {
		t.Fatalf("expected deposit and withdrawal envelopes, got %d", len(envs))
	}
}

func TestApply_OverdrawnWithdrawRejected(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(1_000))

	err := h.engine.Apply(core.Withdraw{
		WithdrawalID: uuid.New(),
		Account:      trader,
		Asset:        "USDC",
		Amount:       5_000 * fixed.Tokens(fixed.TokenScale),
		At:           1_100,
	})
	if err == nil {
		t.Fatal("overdrawn withdrawal should fail")
	}
	if got := h.engine.Vault().Balance(trader, "USDC"); got != 1_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("balance mutated on failed withdrawal: %d", got)
	}
}

func TestApply_ClaimHeldFundsAfterUnblock(t *testing.T) {
	h := newHarness(t)
	h.apply(t, deposit(20_000))
	h.apply(t, submitMarketLong(200_000, 20_000, 50_000))
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 1_000, 50_000, 50_000)})

	// Block the recipient, then close at entry: the collateral payout parks.
	h.engine.Vault().SetBlocked(trader, "USDC", true)
	h.apply(t, core.SubmitOrder{Order: &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    fixed.Usd(200_000 * fixed.UsdScale),
		CreatedAt:       2_000,
	}})
	h.apply(t, core.ExecuteOrders{Prices: pricesAt(t, 2_000, 50_000, 50_000)})

	held := h.engine.Vault().HeldBalance(trader, "USDC")
	if held != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Fatalf("held balance: %d", held)
	}
	h.drainPersist()

	// Claim while still blocked is refused without error or envelope.
	h.apply(t, core.ClaimHeldFunds{Account: trader, Asset: "USDC", Block: 2_000, At: 2_100})
	if envs := h.drainPersist(); len(envs) != 0 {
		t.Fatalf("no envelope expected while blocked, got %d", len(envs))
	}

	h.engine.Vault().SetBlocked(trader, "USDC", false)
	h.apply(t, core.ClaimHeldFunds{Account: trader, Asset: "USDC", Block: 2_001, At: 2_200})

	if got := h.engine.Vault().Balance(trader, "USDC"); got != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("balance after claim: %d", got)
	}
	envs := h.drainPersist()
	if len(envs) != 1 || envs[0].EventType != event.EventTypeHeldFundsClaimed {
		t.Fatalf("expected one claim envelope, got %d", len(envs))
	}
}

// ============================================================================
// Test: LRU
// ============================================================================

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil)
	ic.MarkProcessed("Deposit", "a")
	ic.MarkProcessed("Deposit", "b")
	ic.MarkProcessed("Deposit", "c")

	if ic.Size() != 2 {
		t.Errorf("size: %d", ic.Size())
	}
	if ic.IsDuplicate("Deposit", "a") {
		t.Errorf("oldest key should have been evicted")
	}
	if !ic.IsDuplicate("Deposit", "c") {
		t.Errorf("newest key missing")
	}
}

func TestIdempotencyChecker_DBFallback(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{"Deposit:x": true}}
	ic := core.NewIdempotencyChecker(8, db)

	if !ic.IsDuplicate("Deposit", "x") {
		t.Errorf("DB-known key should be duplicate")
	}
	// Second hit must come from the LRU, not the DB.
	db.calls = 0
	if !ic.IsDuplicate("Deposit", "x") {
		t.Errorf("cached key should be duplicate")
	}
	if db.calls != 0 {
		t.Errorf("DB consulted for a cached key")
	}
}

type stubDBChecker struct {
	known map[string]bool
	calls int
}

func (s *stubDBChecker) IsDuplicate(commandType, key string) (bool, error) {
	s.calls = s.calls + 1
	return s.known[commandType+":"+key], nil
}

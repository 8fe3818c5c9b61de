package orders_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PoolPerp/internal/bank"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/orders"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

var (
	trader = uuid.MustParse("11111111-1111-1111-1111-111111111111")
)

type fixture struct {
	markets   *market.Ledger
	positions *position.Ledger
	vault     *bank.Vault
	executor  *orders.Executor
}

// newFixture builds a $520k market with zero fee rates so executions settle
// at clean numbers. Fee math has its own coverage.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := market.New("BTC-USD", "WBTC", "WBTC", "USDC", market.Config{
		MaxLeverage:      50,
		MinCollateralUsd: fixed.Usd(10 * fixed.UsdScale),
	})
	if err := m.ApplyReserveDelta("USDC", 500_000*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	m.SeedAccrualClock(1_000)

	markets := market.NewLedger()
	if err := markets.Add(m); err != nil {
		t.Fatal(err)
	}
	positions := position.NewLedger()
	vault := bank.NewVault()
	if err := vault.Deposit(trader, "USDC", 20_000*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		markets:   markets,
		positions: positions,
		vault:     vault,
		executor:  orders.NewExecutor(markets, positions, vault, zerolog.Nop()),
	}
}

func ctxAt(t *testing.T, ts int64, btcMin, btcMax int64) price.ExecutionContext {
	t.Helper()
	ps, err := price.NewSet(ts, ts, map[string]price.Bounds{
		"WBTC": {Min: fixed.Price(btcMin * fixed.PriceScale), Max: fixed.Price(btcMax * fixed.PriceScale)},
		"USDC": {Min: fixed.Price(fixed.PriceScale), Max: fixed.Price(fixed.PriceScale)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return price.NewExecutionContext(ps)
}

func marketIncrease(sizeUsd, collateralTokens int64, acceptable int64) *orders.Order {
	return &orders.Order{
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
	}
}

func openLong(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := f.executor.Execute(marketIncrease(200_000, 20_000, 50_000), ctxAt(t, 1_000, 50_000, 50_000)); err != nil {
		t.Fatalf("open long: %v", err)
	}
}

func longKey() position.Key {
	return position.Key{Account: trader, Market: "BTC-USD", CollateralAsset: "USDC", IsLong: true}
}

// ============================================================================
// Test: increase
// ============================================================================

func TestExecute_IncreaseOpensPosition(t *testing.T) {
	f := newFixture(t)

	ev, err := f.executor.Execute(marketIncrease(200_000, 20_000, 50_000), ctxAt(t, 1_000, 50_000, 50_000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ev.IsIncrease || ev.ExecutionPrice != 50_000*fixed.PriceScale {
		t.Errorf("event: increase=%t price=%d", ev.IsIncrease, ev.ExecutionPrice)
	}

	pos := f.positions.Get(longKey())
	if pos == nil {
		t.Fatal("position not created")
	}
	if pos.SizeUsd != 200_000*fixed.Usd(fixed.UsdScale) || pos.SizeTokens != 4*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("position size: usd=%d tokens=%d", pos.SizeUsd, pos.SizeTokens)
	}
	if pos.CollateralAmount != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("collateral: %d", pos.CollateralAmount)
	}

	// Collateral moved from the vault into the pool reserve.
	if got := f.vault.Balance(trader, "USDC"); got != 0 {
		t.Errorf("vault balance: %d", got)
	}
	m, _ := f.markets.Get("BTC-USD")
	if got := m.ReserveAmount("USDC"); got != 520_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("reserve: %d", got)
	}
	if got := m.OpenInterestUsd(market.Long); got != 200_000*fixed.Usd(fixed.UsdScale) {
		t.Errorf("open interest: %d", got)
	}
}

func TestExecute_IncreaseRejectsOverLeverage(t *testing.T) {
	f := newFixture(t)

	// $200k on $100 collateral is 2000x against a 50x cap.
	_, err := f.executor.Execute(marketIncrease(200_000, 100, 50_000), ctxAt(t, 1_000, 50_000, 50_000))
	if err == nil {
		t.Fatal("over-leveraged increase should fail")
	}
	if f.positions.Get(longKey()) != nil {
		t.Error("failed increase must not create a position")
	}
	// Vault untouched: the check runs before the withdrawal.
	if got := f.vault.Balance(trader, "USDC"); got != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("vault balance after failed increase: %d", got)
	}
}

func TestExecute_IncreaseAcceptablePriceBound(t *testing.T) {
	f := newFixture(t)

	// Long increase picks the max bound ($51k), above the $50.5k acceptable.
	_, err := f.executor.Execute(marketIncrease(200_000, 20_000, 50_500), ctxAt(t, 1_000, 50_000, 51_000))
	if !errors.Is(err, orders.ErrUnacceptablePrice) {
		t.Fatalf("expected ErrUnacceptablePrice, got %v", err)
	}
}

// ============================================================================
// Test: decrease
// ============================================================================

func TestExecute_FullCloseWithProfit(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    200_000 * fixed.Usd(fixed.UsdScale),
		CreatedAt:       2_000,
	}
	ev, err := f.executor.Execute(o, ctxAt(t, 2_000, 55_000, 55_000))
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// 4 tokens x $5k profit = $20k, plus $20k collateral back.
	if ev.PayoutAmount != int64(40_000*fixed.Tokens(fixed.TokenScale)) {
		t.Errorf("payout: got %d, want 40k USDC", ev.PayoutAmount)
	}
	if f.positions.Get(longKey()) != nil {
		t.Error("full close should remove the position")
	}
	if got := f.vault.Balance(trader, "USDC"); got != 40_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("vault balance: %d", got)
	}
	m, _ := f.markets.Get("BTC-USD")
	if got := m.ReserveAmount("USDC"); got != 480_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("reserve after payout: %d", got)
	}
	if got := m.OpenInterestUsd(market.Long); got != 0 {
		t.Errorf("open interest after close: %d", got)
	}
}

func TestExecute_DecreaseOfMissingPositionIsEmpty(t *testing.T) {
	f := newFixture(t)

	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    1_000 * fixed.Usd(fixed.UsdScale),
	}
	_, err := f.executor.Execute(o, ctxAt(t, 1_000, 50_000, 50_000))
	if !errors.Is(err, orders.ErrEmptyPosition) {
		t.Fatalf("expected ErrEmptyPosition, got %v", err)
	}
}

func TestExecute_DustRemainderIsEmpty(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	// Leave one micro-USD of size: its token size rounds to zero at $50k,
	// so the decrease must fail instead of stranding unrepresentable
	// exposure.
	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    200_000*fixed.Usd(fixed.UsdScale) - 1,
	}
	_, err := f.executor.Execute(o, ctxAt(t, 2_000, 50_000, 50_000))
	if !errors.Is(err, orders.ErrEmptyPosition) {
		t.Fatalf("expected ErrEmptyPosition, got %v", err)
	}

	// Nothing committed.
	pos := f.positions.Get(longKey())
	if pos == nil || pos.SizeUsd != 200_000*fixed.Usd(fixed.UsdScale) {
		t.Error("failed decrease must leave the position untouched")
	}
}

func TestExecute_DustDecreaseIsEmpty(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	// One micro-USD of size closes zero tokens at $50k. Letting it through
	// would move USD open interest while token open interest stands still.
	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    1,
	}
	_, err := f.executor.Execute(o, ctxAt(t, 2_000, 50_000, 50_000))
	if !errors.Is(err, orders.ErrEmptyPosition) {
		t.Fatalf("expected ErrEmptyPosition, got %v", err)
	}

	m, _ := f.markets.Get("BTC-USD")
	if got := m.OpenInterestUsd(market.Long); got != 200_000*fixed.Usd(fixed.UsdScale) {
		t.Errorf("usd open interest moved: %d", got)
	}
	if got := m.OpenInterestTokens(market.Long); got != 4*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("token open interest moved: %d", got)
	}
}

// ============================================================================
// Test: swap path
// ============================================================================

func TestExecute_SwapPathConvertsCollateral(t *testing.T) {
	f := newFixture(t)
	if err := f.vault.Deposit(trader, "WETH", 1*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	ps, err := price.NewSet(1_000, 1_000, map[string]price.Bounds{
		"WBTC": {Min: fixed.Price(50_000 * fixed.PriceScale), Max: fixed.Price(50_000 * fixed.PriceScale)},
		"USDC": {Min: fixed.Price(fixed.PriceScale), Max: fixed.Price(fixed.PriceScale)},
		"WETH": {Min: fixed.Price(2_000 * fixed.PriceScale), Max: fixed.Price(2_000 * fixed.PriceScale)},
	})
	if err != nil {
		t.Fatal(err)
	}

	// 1 WETH at $2k converts to $2,000 of USDC collateral.
	o := marketIncrease(20_000, 1, 50_000)
	o.SwapPath = []string{"WETH", "USDC"}
	ev, err := f.executor.Execute(o, price.NewExecutionContext(ps))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ev.CollateralDelta != int64(2_000*fixed.Tokens(fixed.TokenScale)) {
		t.Errorf("credited collateral: got %d, want 2000 USDC", ev.CollateralDelta)
	}

	pos := f.positions.Get(longKey())
	if pos == nil || pos.CollateralAmount != 2_000*fixed.Tokens(fixed.TokenScale) {
		t.Fatal("position should hold the converted collateral")
	}
	// The pool took in the deposited asset, not the converted one.
	if got := f.vault.Balance(trader, "WETH"); got != 0 {
		t.Errorf("WETH balance: %d", got)
	}
	m, _ := f.markets.Get("BTC-USD")
	if got := m.ReserveAmount("WETH"); got != 1*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("WETH reserve: %d", got)
	}
}

func TestExecute_SwapPathMustEndAtCollateralAsset(t *testing.T) {
	f := newFixture(t)

	o := marketIncrease(20_000, 1, 50_000)
	o.SwapPath = []string{"USDC", "WETH"}
	if _, err := f.executor.Execute(o, ctxAt(t, 1_000, 50_000, 50_000)); err == nil {
		t.Fatal("path not ending at the collateral asset should fail")
	}
	if f.positions.Get(longKey()) != nil {
		t.Error("failed increase must not create a position")
	}
}

// ============================================================================
// Test: conditional orders
// ============================================================================

func TestExecute_TriggerNotReached(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	// Take-profit at $55k while the range never rises past $52k.
	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindLimitDecrease,
		SizeDeltaUsd:    200_000 * fixed.Usd(fixed.UsdScale),
		TriggerPrice:    fixed.Price(55_000 * fixed.PriceScale),
	}
	_, err := f.executor.Execute(o, ctxAt(t, 2_000, 51_000, 52_000))
	if !errors.Is(err, orders.ErrInvalidPriceRange) {
		t.Fatalf("expected ErrInvalidPriceRange, got %v", err)
	}
}

func TestExecute_AcceptablePriceRevalidatedPerAttempt(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindLimitDecrease,
		SizeDeltaUsd:    200_000 * fixed.Usd(fixed.UsdScale),
		TriggerPrice:    fixed.Price(55_000 * fixed.PriceScale),
		AcceptablePrice: fixed.Price(54_800 * fixed.PriceScale),
	}

	// First attempt: the wick to $55.5k satisfies the trigger, but a long
	// decrease executes at the min bound ($54k), below the acceptable
	// floor. The attempt fails and the order remains executable later.
	_, err := f.executor.Execute(o, ctxAt(t, 2_000, 54_000, 55_500))
	if !errors.Is(err, orders.ErrUnacceptablePrice) {
		t.Fatalf("first attempt: expected ErrUnacceptablePrice, got %v", err)
	}
	pos := f.positions.Get(longKey())
	if pos == nil || pos.SizeUsd != 200_000*fixed.Usd(fixed.UsdScale) {
		t.Fatal("failed attempt must not touch the position")
	}

	// Second attempt with a fresh basis passes both checks.
	ev, err := f.executor.Execute(o, ctxAt(t, 3_000, 55_000, 55_200))
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if ev.ExecutionPrice != 55_000*fixed.PriceScale {
		t.Errorf("execution price: %d", ev.ExecutionPrice)
	}
	if f.positions.Get(longKey()) != nil {
		t.Error("position should be closed after the second attempt")
	}
}

// ============================================================================
// Test: payout phase isolation
// ============================================================================

func TestExecute_HeldPayoutDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)
	f.vault.SetBlocked(trader, "USDC", true)

	o := &orders.Order{
		ID:              uuid.New(),
		Account:         trader,
		Market:          "BTC-USD",
		CollateralAsset: "USDC",
		IsLong:          true,
		Kind:            orders.KindMarketDecrease,
		SizeDeltaUsd:    200_000 * fixed.Usd(fixed.UsdScale),
	}
	ev, err := f.executor.Execute(o, ctxAt(t, 2_000, 50_000, 50_000))
	if err != nil {
		t.Fatalf("a failed transfer is not an execution failure: %v", err)
	}
	if !ev.PayoutHeld {
		t.Error("event should flag the held payout")
	}

	// Ledger effects stand: position closed, reserve debited, funds parked.
	if f.positions.Get(longKey()) != nil {
		t.Error("position should be closed despite the failed transfer")
	}
	if got := f.vault.HeldBalance(trader, "USDC"); got != 20_000*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("held funds: got %d, want 20k USDC", got)
	}
	if got := f.vault.Balance(trader, "USDC"); got != 0 {
		t.Errorf("delivered balance should be empty, got %d", got)
	}
}

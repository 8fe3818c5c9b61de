package market_test

import (
	"errors"
	"testing"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/price"
)

const (
	day = int64(86_400)

	btcPrice  = fixed.Price(50_000 * fixed.PriceScale)
	usdcPrice = fixed.Price(1 * fixed.PriceScale)
)

func testConfig() market.Config {
	return market.Config{
		MaxLeverage:              50,
		MinCollateralUsd:         fixed.Usd(1 * fixed.UsdScale),
		BorrowingFactorPerSecond: 100_000, // 1e-7 at 1e12
		BorrowingExponent:        2,
		FundingFactorPerSecond:   100_000,
		ImpactPositiveFactor:     10_000, // 1e-8 per USD
		ImpactNegativeFactor:     20_000, // 2e-8 per USD
		ImpactExponent:           2,
		MaxPnlFactorForAdl:       400_000_000_000, // 0.4
		MinPnlFactorAfterAdl:     300_000_000_000, // 0.3
	}
}

func testMarket(t *testing.T) *market.Market {
	t.Helper()
	m := market.New("BTC-USD", "WBTC", "WBTC", "USDC", testConfig())
	// $1M pool: 10 WBTC at $50k + 500k USDC.
	if err := m.ApplyReserveDelta("WBTC", 10*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatalf("seed WBTC reserve: %v", err)
	}
	if err := m.ApplyReserveDelta("USDC", 500_000*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatalf("seed USDC reserve: %v", err)
	}
	return m
}

func testPrices(t *testing.T, ts int64) *price.Set {
	t.Helper()
	ps, err := price.NewSet(1, ts, map[string]price.Bounds{
		"WBTC": {Min: btcPrice, Max: btcPrice},
		"USDC": {Min: usdcPrice, Max: usdcPrice},
	})
	if err != nil {
		t.Fatalf("price set: %v", err)
	}
	return ps
}

// ============================================================================
// Test: reserves
// ============================================================================

func TestApplyReserveDelta_Underflow(t *testing.T) {
	m := testMarket(t)
	err := m.ApplyReserveDelta("WBTC", -11*fixed.Tokens(fixed.TokenScale))
	if !errors.Is(err, market.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
	// Failed delta must not mutate.
	if got := m.ReserveAmount("WBTC"); got != 10*fixed.Tokens(fixed.TokenScale) {
		t.Errorf("reserve mutated on failed delta: %d", got)
	}
}

func TestUpdateOpenInterest_RejectsUnderflow(t *testing.T) {
	m := testMarket(t)
	if err := m.UpdateOpenInterest(market.Long, -1, 0); err == nil {
		t.Error("negative open interest should be rejected")
	}
}

// ============================================================================
// Test: borrowing accrual
// ============================================================================

func TestBorrowingFactorPerSecond_Curve(t *testing.T) {
	m := testMarket(t)
	ps := testPrices(t, 1_000)

	poolValue, err := m.PoolValueUsd(ps)
	if err != nil {
		t.Fatalf("pool value: %v", err)
	}
	if poolValue != fixed.Usd(1_000_000*fixed.UsdScale) {
		t.Fatalf("pool value: got %d, want $1M", poolValue)
	}

	// $200k OI on $1M pool, exponent 2: 1e-7 * 0.04 = 4e-9/sec.
	if err := m.UpdateOpenInterest(market.Long, 200_000*fixed.Usd(fixed.UsdScale), 4*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	got := m.BorrowingFactorPerSecond(market.Long, poolValue)
	if got != 4_000 {
		t.Errorf("per-second factor: got %d, want 4000 (4e-9 at 1e12)", got)
	}

	// No open interest on the short side: zero rate.
	if got := m.BorrowingFactorPerSecond(market.Short, poolValue); got != 0 {
		t.Errorf("short side should have zero rate, got %d", got)
	}
}

func TestBorrowingFactorAt_ReadThroughWithoutWrite(t *testing.T) {
	m := testMarket(t)
	start := int64(1_000_000)
	m.SeedAccrualClock(start)
	if err := m.UpdateOpenInterest(market.Long, 200_000*fixed.Usd(fixed.UsdScale), 4*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}

	later := start + 14*day
	ps := testPrices(t, later)

	factor, err := m.BorrowingFactorAt(market.Long, ps, later)
	if err != nil {
		t.Fatalf("read through: %v", err)
	}
	// 4e-9/sec * 14 days = 0.0048384.
	if factor != 4_838_400_000 {
		t.Errorf("cumulative factor: got %d, want 4838400000", factor)
	}

	// The read must not have advanced stored state.
	if got := m.CumulativeBorrowingFactor(market.Long); got != 0 {
		t.Errorf("stored factor mutated by read: %d", got)
	}

	// $200k * 0.0048384 = $967.68 over 14 days.
	fee := fixed.ApplyFactor(200_000*fixed.Usd(fixed.UsdScale), factor)
	if fee != 967_680_000 {
		t.Errorf("14-day borrowing fee: got %d micro-USD, want 967680000 ($967.68)", fee)
	}
}

func TestAccrueFees_MonotoneAndConsistent(t *testing.T) {
	m := testMarket(t)
	start := int64(1_000_000)
	m.SeedAccrualClock(start)
	if err := m.UpdateOpenInterest(market.Long, 200_000*fixed.Usd(fixed.UsdScale), 4*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}

	later := start + 14*day
	ps := testPrices(t, later)
	if err := m.AccrueFees(ps, later); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	stored := m.CumulativeBorrowingFactor(market.Long)
	if stored != 4_838_400_000 {
		t.Errorf("stored factor after accrual: got %d, want 4838400000", stored)
	}

	// Accrue-then-read must match the direct formula evaluation.
	if m.TotalBorrowingFees(market.Long) != 967_680_000 {
		t.Errorf("total borrowing fees: got %d, want 967680000", m.TotalBorrowingFees(market.Long))
	}

	// Accruing again at the same instant must not move the factor.
	if err := m.AccrueFees(ps, later); err != nil {
		t.Fatal(err)
	}
	if m.CumulativeBorrowingFactor(market.Long) != stored {
		t.Error("repeated accrual at same instant moved the cumulative factor")
	}

	// An earlier timestamp must not rewind it.
	if err := m.AccrueFees(ps, later-day); err != nil {
		t.Fatal(err)
	}
	if m.CumulativeBorrowingFactor(market.Long) != stored {
		t.Error("cumulative borrowing factor must be monotone non-decreasing")
	}
}

// ============================================================================
// Test: funding
// ============================================================================

func TestFundingRates_LargerSidePays(t *testing.T) {
	m := testMarket(t)
	start := int64(1_000_000)
	m.SeedAccrualClock(start)

	// Long $300k vs short $100k: longs pay, shorts receive 3x the rate.
	if err := m.UpdateOpenInterest(market.Long, 300_000*fixed.Usd(fixed.UsdScale), 6*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateOpenInterest(market.Short, 100_000*fixed.Usd(fixed.UsdScale), 2*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}

	elapsed := int64(3_600)
	longAccum := m.FundingFeePerSizeAt(market.Long, start+elapsed)
	shortAccum := m.FundingFeePerSizeAt(market.Short, start+elapsed)

	if longAccum <= 0 {
		t.Errorf("paying side accumulator should be positive, got %d", longAccum)
	}
	if shortAccum >= 0 {
		t.Errorf("receiving side accumulator should be negative, got %d", shortAccum)
	}

	// Value conservation: longOI * longRate == shortOI * |shortRate|.
	paid := fixed.ApplyFactor(300_000*fixed.Usd(fixed.UsdScale), longAccum)
	received := fixed.ApplyFactor(100_000*fixed.Usd(fixed.UsdScale), -shortAccum)
	diff := paid - received
	if diff < 0 {
		diff = -diff
	}
	if diff > 10 {
		t.Errorf("funding not conserved: paid %d, received %d", paid, received)
	}
}

func TestFundingRates_BalancedBookIsFree(t *testing.T) {
	m := testMarket(t)
	start := int64(1_000_000)
	m.SeedAccrualClock(start)
	if err := m.UpdateOpenInterest(market.Long, 100_000*fixed.Usd(fixed.UsdScale), 2*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateOpenInterest(market.Short, 100_000*fixed.Usd(fixed.UsdScale), 2*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}

	if got := m.FundingFeePerSizeAt(market.Long, start+3_600); got != 0 {
		t.Errorf("balanced book should accrue no funding, got %d", got)
	}
}

// ============================================================================
// Test: PnL factor
// ============================================================================

func TestPnlFactor_AgainstPoolValue(t *testing.T) {
	m := testMarket(t)
	// Longs hold 10 WBTC of open interest entered at $10k ($100k notional);
	// at $50k the token value is $500k, so trader PnL is $400k on a $1M pool:
	// PnL factor 0.4.
	if err := m.UpdateOpenInterest(market.Long, 100_000*fixed.Usd(fixed.UsdScale), 10*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	ps := testPrices(t, 1_000)

	factor, err := m.PnlFactor(market.Long, ps)
	if err != nil {
		t.Fatalf("pnl factor: %v", err)
	}
	if factor != 400_000_000_000 {
		t.Errorf("pnl factor: got %d, want 400000000000 (0.4)", factor)
	}
}

// ============================================================================
// Test: open interest reconciliation
// ============================================================================

func TestOpenInterestReconciliation(t *testing.T) {
	m := testMarket(t)
	// 4 WBTC entered at the current $50k price: $200k both ways.
	if err := m.UpdateOpenInterest(market.Long, 200_000*fixed.Usd(fixed.UsdScale), 4*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	ps := testPrices(t, 1_000)
	if err := m.CheckOpenInterestReconciliation(ps, fixed.Usd(fixed.UsdScale)); err != nil {
		t.Errorf("reconciliation should pass right after trade at current price: %v", err)
	}

	// A token aggregate drifted far from the USD aggregate must fail.
	if err := m.UpdateOpenInterest(market.Long, 0, 4*fixed.Tokens(fixed.TokenScale)); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckOpenInterestReconciliation(ps, fixed.Usd(fixed.UsdScale)); err == nil {
		t.Error("drifted aggregates should fail reconciliation")
	}
}

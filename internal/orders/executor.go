package orders

import (
	"fmt"

	"github.com/rs/zerolog"

	"PoolPerp/internal/bank"
	"PoolPerp/internal/event"
	"PoolPerp/internal/fees"
	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
	"PoolPerp/internal/position"
	"PoolPerp/internal/price"
)

// Executor applies orders against the ledgers. All validation happens before
// the first mutation; once the ledger phase commits, only the payout phase
// remains and its failure never rolls the ledger back.
type Executor struct {
	markets   *market.Ledger
	positions *position.Ledger
	vault     *bank.Vault
	log       zerolog.Logger
}

func NewExecutor(markets *market.Ledger, positions *position.Ledger, vault *bank.Vault, log zerolog.Logger) *Executor {
	return &Executor{
		markets:   markets,
		positions: positions,
		vault:     vault,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// Execute runs one order attempt against the given price basis. A returned
// error classifies the attempt for the caller: validation errors cancel the
// order, economic-state errors leave it pending for a retry.
func (x *Executor) Execute(o *Order, ec price.ExecutionContext) (*event.OrderExecuted, error) {
	m, err := x.markets.Get(o.Market)
	if err != nil {
		return nil, err
	}
	if o.CollateralAsset != m.LongAsset && o.CollateralAsset != m.ShortAsset {
		return nil, fmt.Errorf("collateral asset %s not backed by market %s", o.CollateralAsset, o.Market)
	}
	if o.SizeDeltaUsd < 0 || o.CollateralDelta < 0 {
		return nil, fmt.Errorf("order %s has negative deltas", o.ID)
	}

	// Bring stored accumulators up to the execution instant before quoting.
	if err := m.AccrueFees(ec.Prices, ec.Now); err != nil {
		return nil, err
	}
	if err := checkTrigger(o, m, ec); err != nil {
		return nil, err
	}

	if o.Kind.IsIncrease() {
		return x.executeIncrease(o, m, ec)
	}

	pos := x.positions.Get(position.Key{
		Account:         o.Account,
		Market:          o.Market,
		CollateralAsset: o.CollateralAsset,
		IsLong:          o.IsLong,
	})
	res, err := x.applyDecrease(pos, m, o.SizeDeltaUsd, o.CollateralDelta, o.AcceptablePrice, ec)
	if err != nil {
		return nil, err
	}
	return &event.OrderExecuted{
		OrderID:         o.ID,
		Account:         o.Account,
		Market:          o.Market,
		CollateralAsset: o.CollateralAsset,
		IsLong:          o.IsLong,
		IsIncrease:      false,
		SizeDeltaUsd:    int64(res.SizeDeltaUsd),
		ExecutionPrice:  int64(res.ExecutionPrice),
		PriceImpactUsd:  int64(res.PriceImpactUsd),
		BorrowingFeeUsd: int64(res.BorrowingFeeUsd),
		FundingFeeUsd:   int64(res.FundingFeeUsd),
		CollateralDelta: -int64(o.CollateralDelta),
		PayoutAmount:    int64(res.PayoutAmount),
		PayoutHeld:      res.PayoutHeld,
		CostAllowance:   int64(o.CostAllowance),
		CostRecipient:   o.CostRecipient,
		Block:           ec.Prices.Block,
	}, nil
}

// checkTrigger gates conditional orders on the oracle range. Limit orders
// wait for a favorable crossing, stop losses for an adverse one.
func checkTrigger(o *Order, m *market.Market, ec price.ExecutionContext) error {
	if !o.Kind.IsConditional() {
		return nil
	}
	b, err := ec.Prices.Bounds(m.IndexAsset)
	if err != nil {
		return err
	}

	var wantDip bool
	switch o.Kind {
	case KindLimitIncrease:
		wantDip = o.IsLong
	case KindLimitDecrease:
		wantDip = !o.IsLong
	case KindStopLossDecrease:
		wantDip = o.IsLong
	}

	if wantDip {
		if b.Min > o.TriggerPrice {
			return fmt.Errorf("%w: range [%d,%d] never reached trigger %d", ErrInvalidPriceRange, b.Min, b.Max, o.TriggerPrice)
		}
		return nil
	}
	if b.Max < o.TriggerPrice {
		return fmt.Errorf("%w: range [%d,%d] never reached trigger %d", ErrInvalidPriceRange, b.Min, b.Max, o.TriggerPrice)
	}
	return nil
}

func checkAcceptable(acceptable, execution fixed.Price, favorDown bool) error {
	if acceptable == 0 {
		return nil
	}
	if favorDown && execution > acceptable {
		return fmt.Errorf("%w: execution %d above acceptable %d", ErrUnacceptablePrice, execution, acceptable)
	}
	if !favorDown && execution < acceptable {
		return fmt.Errorf("%w: execution %d below acceptable %d", ErrUnacceptablePrice, execution, acceptable)
	}
	return nil
}

func (x *Executor) executeIncrease(o *Order, m *market.Market, ec price.ExecutionContext) (*event.OrderExecuted, error) {
	picked, err := ec.Prices.PickPrice(m.IndexAsset, o.IsLong, true)
	if err != nil {
		return nil, err
	}

	key := position.Key{
		Account:         o.Account,
		Market:          o.Market,
		CollateralAsset: o.CollateralAsset,
		IsLong:          o.IsLong,
	}
	pos := x.positions.Get(key)
	fresh := pos == nil
	if fresh {
		pos = &position.Position{Key: key}
	}

	quote, err := fees.QuoteTrade(pos, m, ec.WithExecutionPrice(picked), o.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	execPrice := fees.ImpactedExecutionPrice(picked, quote.PriceImpactUsd, o.SizeDeltaUsd, o.IsLong)
	if err := checkAcceptable(o.AcceptablePrice, execPrice, o.IsLong); err != nil {
		return nil, err
	}

	sizeDeltaTokens := fixed.TokensFromUsd(o.SizeDeltaUsd, execPrice)
	if o.SizeDeltaUsd > 0 && sizeDeltaTokens == 0 {
		return nil, fmt.Errorf("%w: size delta %d rounds to zero tokens at price %d", ErrEmptyPosition, o.SizeDeltaUsd, execPrice)
	}

	colBounds, err := ec.Prices.Bounds(o.CollateralAsset)
	if err != nil {
		return nil, err
	}
	depositAsset, collateralIn, err := resolveDeposit(o, ec)
	if err != nil {
		return nil, err
	}

	// Fees settle against collateral: charges valued at the min bound,
	// claimable funding credited at the max bound.
	chargeTokens := fixed.TokensFromUsd(quote.CostUsd(), colBounds.Min)
	var creditTokens fixed.Tokens
	if quote.FundingFeeUsd < 0 {
		creditTokens = fixed.TokensFromUsd(-quote.FundingFeeUsd, colBounds.Max)
	}
	newCollateral := pos.CollateralAmount + collateralIn - chargeTokens + creditTokens
	if newCollateral < 0 {
		return nil, fmt.Errorf("fees %d exceed collateral for order %s", quote.CostUsd(), o.ID)
	}

	newSizeUsd := pos.SizeUsd + o.SizeDeltaUsd
	colValue := fixed.UsdFromTokens(newCollateral, colBounds.Min)
	if colValue < m.Config.MinCollateralUsd {
		return nil, fmt.Errorf("collateral value %d below minimum %d", colValue, m.Config.MinCollateralUsd)
	}
	if m.Config.MaxLeverage > 0 && newSizeUsd > colValue*fixed.Usd(m.Config.MaxLeverage) {
		return nil, fmt.Errorf("size %d exceeds %dx leverage on collateral %d", newSizeUsd, m.Config.MaxLeverage, colValue)
	}

	// Commit. The vault withdrawal is the first mutation; everything before
	// it is a pure check.
	if o.CollateralDelta > 0 {
		if err := x.vault.Withdraw(o.Account, depositAsset, o.CollateralDelta); err != nil {
			return nil, fmt.Errorf("collateral for order %s: %w", o.ID, err)
		}
		if err := m.ApplyReserveDelta(depositAsset, o.CollateralDelta); err != nil {
			return nil, err
		}
	}
	if err := m.UpdateOpenInterest(pos.Side(), o.SizeDeltaUsd, sizeDeltaTokens); err != nil {
		return nil, err
	}
	m.UpdateTotalBorrowing(pos.Side(),
		fixed.ApplyFactor(newSizeUsd, quote.BorrowingFactor)-fixed.ApplyFactor(pos.SizeUsd, pos.BorrowingFactorStamp))
	m.ApplyImpactToPool(quote.PriceImpactUsd, execPrice)

	pos.SizeUsd = newSizeUsd
	pos.SizeTokens += sizeDeltaTokens
	pos.CollateralAmount = newCollateral
	pos.BorrowingFactorStamp = quote.BorrowingFactor
	pos.FundingFeePerSizeStamp = quote.FundingFeePerSize
	pos.IncreasedAt = ec.Now
	pos.Version++
	if fresh {
		x.positions.Set(pos)
	}

	x.log.Debug().
		Str("order_id", o.ID.String()).
		Str("market", o.Market).
		Int64("size_delta_usd", int64(o.SizeDeltaUsd)).
		Int64("execution_price", int64(execPrice)).
		Msg("increase executed")

	return &event.OrderExecuted{
		OrderID:         o.ID,
		Account:         o.Account,
		Market:          o.Market,
		CollateralAsset: o.CollateralAsset,
		IsLong:          o.IsLong,
		IsIncrease:      true,
		SizeDeltaUsd:    int64(o.SizeDeltaUsd),
		ExecutionPrice:  int64(execPrice),
		PriceImpactUsd:  int64(quote.PriceImpactUsd),
		BorrowingFeeUsd: int64(quote.BorrowingFeeUsd),
		FundingFeeUsd:   int64(quote.FundingFeeUsd),
		CollateralDelta: int64(collateralIn),
		CostAllowance:   int64(o.CostAllowance),
		CostRecipient:   o.CostRecipient,
		Block:           ec.Prices.Block,
	}, nil
}

// resolveDeposit returns the asset actually withdrawn for an increase and
// the collateral credited after any swap path conversion. Each hop values
// the source at its min bound and buys the destination at its max bound,
// the adverse side of both spreads.
func resolveDeposit(o *Order, ec price.ExecutionContext) (string, fixed.Tokens, error) {
	if len(o.SwapPath) == 0 {
		return o.CollateralAsset, o.CollateralDelta, nil
	}
	last := o.SwapPath[len(o.SwapPath)-1]
	if last != o.CollateralAsset {
		return "", 0, fmt.Errorf("swap path for order %s ends at %s, collateral asset is %s", o.ID, last, o.CollateralAsset)
	}
	out := o.CollateralDelta
	for i := 0; i+1 < len(o.SwapPath); i++ {
		src, err := ec.Prices.Bounds(o.SwapPath[i])
		if err != nil {
			return "", 0, err
		}
		dst, err := ec.Prices.Bounds(o.SwapPath[i+1])
		if err != nil {
			return "", 0, err
		}
		out = fixed.TokensFromUsd(fixed.UsdFromTokens(out, src.Min), dst.Max)
	}
	if o.CollateralDelta > 0 && out == 0 {
		return "", 0, fmt.Errorf("%w: swap of %d %s yields zero %s", ErrEmptyPosition, o.CollateralDelta, o.SwapPath[0], o.CollateralAsset)
	}
	return o.SwapPath[0], out, nil
}

// DecreaseResult reports the settled effects of a decrease.
type DecreaseResult struct {
	SizeDeltaUsd    fixed.Usd
	ClosedTokens    fixed.Tokens
	ExecutionPrice  fixed.Price
	RealizedPnlUsd  fixed.Usd
	BorrowingFeeUsd fixed.Usd
	FundingFeeUsd   fixed.Usd
	PriceImpactUsd  fixed.Usd
	PayoutAmount    fixed.Tokens
	PayoutHeld      bool
	FullClose       bool
}

// ForceDecrease closes size without an order, for liquidation and
// deleveraging. No acceptable-price bound applies; proceeds are paid to the
// position owner in the position's collateral asset.
func (x *Executor) ForceDecrease(pos *position.Position, m *market.Market, sizeDeltaUsd fixed.Usd, ec price.ExecutionContext) (*DecreaseResult, error) {
	if err := m.AccrueFees(ec.Prices, ec.Now); err != nil {
		return nil, err
	}
	return x.applyDecrease(pos, m, sizeDeltaUsd, 0, 0, ec)
}

func (x *Executor) applyDecrease(pos *position.Position, m *market.Market, sizeDeltaUsd fixed.Usd, withdraw fixed.Tokens, acceptable fixed.Price, ec price.ExecutionContext) (*DecreaseResult, error) {
	if pos == nil || (pos.SizeUsd == 0 && withdraw == 0) {
		return nil, fmt.Errorf("%w: nothing to decrease", ErrEmptyPosition)
	}
	if sizeDeltaUsd < 0 {
		return nil, fmt.Errorf("negative size delta %d", sizeDeltaUsd)
	}
	if sizeDeltaUsd > pos.SizeUsd {
		sizeDeltaUsd = pos.SizeUsd
	}

	picked, err := ec.Prices.PickPrice(m.IndexAsset, pos.IsLong, false)
	if err != nil {
		return nil, err
	}
	quote, err := fees.QuoteTrade(pos, m, ec.WithExecutionPrice(picked), -sizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	execPrice := fees.ImpactedExecutionPrice(picked, quote.PriceImpactUsd, sizeDeltaUsd, !pos.IsLong)
	if err := checkAcceptable(acceptable, execPrice, !pos.IsLong); err != nil {
		return nil, err
	}

	closedTokens := pos.ProportionalTokens(sizeDeltaUsd)
	if sizeDeltaUsd == 0 {
		closedTokens = 0
	}
	// A delta that moves USD open interest with zero token movement would
	// desync the two open interest books.
	if sizeDeltaUsd > 0 && closedTokens == 0 {
		return nil, fmt.Errorf("%w: size delta %d rounds to zero closed tokens", ErrEmptyPosition, sizeDeltaUsd)
	}
	remUsd := pos.SizeUsd - sizeDeltaUsd
	remTokens := pos.SizeTokens - closedTokens
	fullClose := remUsd == 0

	// A remainder the ledger cannot represent is forbidden: USD size left
	// over but no token size, at either bookkeeping or current price.
	if !fullClose && sizeDeltaUsd > 0 && (remTokens == 0 || fixed.TokensFromUsd(remUsd, execPrice) == 0) {
		return nil, fmt.Errorf("%w: remainder %d usd rounds to zero tokens at price %d", ErrEmptyPosition, remUsd, execPrice)
	}

	var pnl fixed.Usd
	if closedTokens > 0 {
		pnl = fixed.PositionPnl(pos.Side().Sign(), execPrice, pos.EntryPrice(), closedTokens)
	}

	colBounds, err := ec.Prices.Bounds(pos.CollateralAsset)
	if err != nil {
		return nil, err
	}

	// Net settlement in the collateral asset. Profit is paid at the max
	// bound, losses and fees charged at the min bound.
	netUsd := pnl - quote.BorrowingFeeUsd - quote.FundingFeeUsd
	collateral := pos.CollateralAmount
	if withdraw > collateral {
		withdraw = collateral
	}
	payout := withdraw
	newCollateral := collateral - withdraw
	if netUsd > 0 {
		payout += fixed.TokensFromUsd(netUsd, colBounds.Max)
	} else if netUsd < 0 {
		loss := fixed.TokensFromUsd(-netUsd, colBounds.Min)
		if loss > newCollateral {
			// Insolvent remainder: collateral is wiped and the pool
			// absorbs the shortfall.
			loss = newCollateral
		}
		newCollateral -= loss
	}
	if fullClose {
		payout += newCollateral
		newCollateral = 0
	}

	if !fullClose {
		colValue := fixed.UsdFromTokens(newCollateral, colBounds.Min)
		if remUsd > 0 && colValue < m.Config.MinCollateralUsd {
			return nil, fmt.Errorf("remaining collateral value %d below minimum %d", colValue, m.Config.MinCollateralUsd)
		}
		if m.Config.MaxLeverage > 0 && remUsd > colValue*fixed.Usd(m.Config.MaxLeverage) {
			return nil, fmt.Errorf("remainder %d exceeds %dx leverage on collateral %d", remUsd, m.Config.MaxLeverage, colValue)
		}
	}

	// Commit. The reserve debit is the only fallible mutation and runs
	// first.
	if payout > 0 {
		if err := m.ApplyReserveDelta(pos.CollateralAsset, -payout); err != nil {
			return nil, err
		}
	}
	if err := m.UpdateOpenInterest(pos.Side(), -sizeDeltaUsd, -closedTokens); err != nil {
		return nil, err
	}
	m.UpdateTotalBorrowing(pos.Side(),
		fixed.ApplyFactor(remUsd, quote.BorrowingFactor)-fixed.ApplyFactor(pos.SizeUsd, pos.BorrowingFactorStamp))
	m.ApplyImpactToPool(quote.PriceImpactUsd, execPrice)

	pos.SizeUsd = remUsd
	pos.SizeTokens = remTokens
	pos.CollateralAmount = newCollateral
	pos.BorrowingFactorStamp = quote.BorrowingFactor
	pos.FundingFeePerSizeStamp = quote.FundingFeePerSize
	pos.DecreasedAt = ec.Now
	pos.Version++
	if pos.IsEmpty() {
		x.positions.Remove(pos.Key)
	}

	res := &DecreaseResult{
		SizeDeltaUsd:    sizeDeltaUsd,
		ClosedTokens:    closedTokens,
		ExecutionPrice:  execPrice,
		RealizedPnlUsd:  pnl,
		BorrowingFeeUsd: quote.BorrowingFeeUsd,
		FundingFeeUsd:   quote.FundingFeeUsd,
		PriceImpactUsd:  quote.PriceImpactUsd,
		PayoutAmount:    payout,
		FullClose:       fullClose,
	}

	// Payout phase. The ledger above has committed; a failed transfer
	// parks the amount as held funds and is reported, never rolled back.
	if payout > 0 {
		if err := x.vault.PayOut(pos.Account, pos.CollateralAsset, payout); err != nil {
			res.PayoutHeld = true
			x.log.Warn().Err(err).
				Str("account", pos.Account.String()).
				Str("asset", pos.CollateralAsset).
				Int64("amount", int64(payout)).
				Msg("payout held after transfer failure")
		}
	}
	return res, nil
}

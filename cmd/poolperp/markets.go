package main

import (
	"encoding/json"
	"fmt"
	"os"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/market"
)

// marketSpec is the JSON form of one market definition. All factor fields
// are fixed-point integers at the ledger scales.
type marketSpec struct {
	ID         string `json:"id"`
	IndexAsset string `json:"index_asset"`
	LongAsset  string `json:"long_asset"`
	ShortAsset string `json:"short_asset"`

	MaxLeverage      int64 `json:"max_leverage"`
	MinCollateralUsd int64 `json:"min_collateral_usd"`

	BorrowingFactorPerSecond int64 `json:"borrowing_factor_per_second"`
	BorrowingExponent        uint  `json:"borrowing_exponent"`
	FundingFactorPerSecond   int64 `json:"funding_factor_per_second"`

	ImpactPositiveFactor int64 `json:"impact_positive_factor"`
	ImpactNegativeFactor int64 `json:"impact_negative_factor"`
	ImpactExponent       uint  `json:"impact_exponent"`

	MaxPnlFactorForAdl   int64 `json:"max_pnl_factor_for_adl"`
	MinPnlFactorAfterAdl int64 `json:"min_pnl_factor_after_adl"`
}

type marketsFile struct {
	Markets []marketSpec `json:"markets"`
}

// loadMarkets reads the market definitions file and builds the markets.
func loadMarkets(path string) ([]*market.Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}

	var f marketsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s defines no markets", path)
	}

	markets := make([]*market.Market, 0, len(f.Markets))
	for _, spec := range f.Markets {
		if spec.ID == "" || spec.IndexAsset == "" || spec.LongAsset == "" || spec.ShortAsset == "" {
			return nil, fmt.Errorf("market %q: id and assets are required", spec.ID)
		}
		markets = append(markets, market.New(spec.ID, spec.IndexAsset, spec.LongAsset, spec.ShortAsset, market.Config{
			MaxLeverage:              spec.MaxLeverage,
			MinCollateralUsd:         fixed.Usd(spec.MinCollateralUsd),
			BorrowingFactorPerSecond: fixed.Factor(spec.BorrowingFactorPerSecond),
			BorrowingExponent:        spec.BorrowingExponent,
			FundingFactorPerSecond:   fixed.Factor(spec.FundingFactorPerSecond),
			ImpactPositiveFactor:     fixed.Factor(spec.ImpactPositiveFactor),
			ImpactNegativeFactor:     fixed.Factor(spec.ImpactNegativeFactor),
			ImpactExponent:           spec.ImpactExponent,
			MaxPnlFactorForAdl:       fixed.Factor(spec.MaxPnlFactorForAdl),
			MinPnlFactorAfterAdl:     fixed.Factor(spec.MinPnlFactorAfterAdl),
		}))
	}
	return markets, nil
}

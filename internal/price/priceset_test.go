package price_test

import (
	"testing"

	"PoolPerp/internal/fixed"
	"PoolPerp/internal/price"
)

func mustSet(t *testing.T, prices map[string]price.Bounds) *price.Set {
	t.Helper()
	s, err := price.NewSet(100, 1_700_000_000, prices)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return s
}

func TestNewSet_RejectsInvertedBounds(t *testing.T) {
	_, err := price.NewSet(1, 1, map[string]price.Bounds{
		"BTC": {Min: 2_000_000, Max: 1_000_000},
	})
	if err == nil {
		t.Error("max < min should be rejected")
	}

	_, err = price.NewSet(1, 1, map[string]price.Bounds{
		"BTC": {Min: 0, Max: 1_000_000},
	})
	if err == nil {
		t.Error("zero min should be rejected")
	}
}

func TestPickPrice_SideSelection(t *testing.T) {
	s := mustSet(t, map[string]price.Bounds{
		"BTC": {Min: fixed.Price(49_000 * fixed.PriceScale), Max: fixed.Price(51_000 * fixed.PriceScale)},
	})

	cases := []struct {
		name               string
		isLong, isIncrease bool
		want               fixed.Price
	}{
		{"long increase pays max", true, true, fixed.Price(51_000 * fixed.PriceScale)},
		{"long decrease receives min", true, false, fixed.Price(49_000 * fixed.PriceScale)},
		{"short increase receives min", false, true, fixed.Price(49_000 * fixed.PriceScale)},
		{"short decrease pays max", false, false, fixed.Price(51_000 * fixed.PriceScale)},
	}
	for _, tc := range cases {
		got, err := s.PickPrice("BTC", tc.isLong, tc.isIncrease)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPickPrice_UnknownAsset(t *testing.T) {
	s := mustSet(t, map[string]price.Bounds{})
	if _, err := s.PickPrice("DOGE", true, true); err == nil {
		t.Error("unknown asset should error")
	}
}

func TestContains(t *testing.T) {
	s := mustSet(t, map[string]price.Bounds{
		"ETH": {Min: fixed.Price(3_000 * fixed.PriceScale), Max: fixed.Price(3_100 * fixed.PriceScale)},
	})

	if !s.Contains("ETH", fixed.Price(3_050*fixed.PriceScale)) {
		t.Error("in-range price should be contained")
	}
	if s.Contains("ETH", fixed.Price(2_999*fixed.PriceScale)) {
		t.Error("below-min price should not be contained")
	}
	if s.Contains("ETH", fixed.Price(3_101*fixed.PriceScale)) {
		t.Error("above-max price should not be contained")
	}
	if s.Contains("DOGE", 1) {
		t.Error("unknown asset should not be contained")
	}
}

func TestExecutionContext_CarriesTimestamp(t *testing.T) {
	s := mustSet(t, map[string]price.Bounds{
		"BTC": {Min: 1_000_000, Max: 1_000_000},
	})
	ec := price.NewExecutionContext(s)
	if ec.Now != s.Timestamp {
		t.Errorf("context clock: got %d, want %d", ec.Now, s.Timestamp)
	}

	ec2 := ec.WithExecutionPrice(42)
	if ec2.ExecutionPrice != 42 {
		t.Errorf("execution price: got %d, want 42", ec2.ExecutionPrice)
	}
	if ec.ExecutionPrice != 0 {
		t.Error("WithExecutionPrice must not mutate the original context")
	}
}

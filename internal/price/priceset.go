package price

import (
	"fmt"

	"PoolPerp/internal/fixed"
)

// Bounds is the validated {min,max} price pair for one asset.
type Bounds struct {
	Min fixed.Price
	Max fixed.Price
}

// Set is an immutable per-execution bundle of asset price bounds, tagged with
// the block/time context it was sampled for. The core treats a Set as already
// authenticated; only internal consistency is checked here.
type Set struct {
	prices    map[string]Bounds
	Block     int64
	Timestamp int64 // unix seconds
}

// NewSet builds a price set. Each bound must satisfy 0 < min <= max.
func NewSet(block, timestamp int64, prices map[string]Bounds) (*Set, error) {
	cp := make(map[string]Bounds, len(prices))
	for asset, b := range prices {
		if b.Min <= 0 || b.Max < b.Min {
			return nil, fmt.Errorf("invalid price bounds for %s: min=%d max=%d", asset, b.Min, b.Max)
		}
		cp[asset] = b
	}
	return &Set{prices: cp, Block: block, Timestamp: timestamp}, nil
}

// Bounds returns the price bounds for an asset.
func (s *Set) Bounds(asset string) (Bounds, error) {
	b, ok := s.prices[asset]
	if !ok {
		return Bounds{}, fmt.Errorf("no price for asset %s", asset)
	}
	return b, nil
}

// MinPrice returns the min bound for an asset, or an error if absent.
func (s *Set) MinPrice(asset string) (fixed.Price, error) {
	b, err := s.Bounds(asset)
	if err != nil {
		return 0, err
	}
	return b.Min, nil
}

// MaxPrice returns the max bound for an asset, or an error if absent.
func (s *Set) MaxPrice(asset string) (fixed.Price, error) {
	b, err := s.Bounds(asset)
	if err != nil {
		return 0, err
	}
	return b.Max, nil
}

// PickPrice resolves the execution-relevant bound for the index asset. The
// pool always takes the side less favorable to the trader: an increase of a
// long pays the max price, a decrease of a long receives the min price, and
// the reverse for shorts.
func (s *Set) PickPrice(asset string, isLong, isIncrease bool) (fixed.Price, error) {
	b, err := s.Bounds(asset)
	if err != nil {
		return 0, err
	}
	if isLong == isIncrease {
		return b.Max, nil
	}
	return b.Min, nil
}

// Contains reports whether p lies within the asset's [min, max] range.
func (s *Set) Contains(asset string, p fixed.Price) bool {
	b, ok := s.prices[asset]
	if !ok {
		return false
	}
	return p >= b.Min && p <= b.Max
}

// ExecutionContext threads one immutable price basis through an entire
// operation. Every sub-computation in an execution draws its price and clock
// from here; nothing may fetch a fresh price mid-operation.
type ExecutionContext struct {
	Prices         *Set
	Now            int64 // unix seconds, from the price set's sampling context
	ExecutionPrice fixed.Price
}

// NewExecutionContext captures the price set and its timestamp. The
// execution price is resolved later, exactly once, by the order executor.
func NewExecutionContext(set *Set) ExecutionContext {
	return ExecutionContext{Prices: set, Now: set.Timestamp}
}

// WithExecutionPrice returns a copy carrying the resolved execution price.
func (ec ExecutionContext) WithExecutionPrice(p fixed.Price) ExecutionContext {
	ec.ExecutionPrice = p
	return ec
}

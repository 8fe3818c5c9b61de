package position

import (
	"sort"

	"github.com/google/uuid"

	"PoolPerp/internal/market"
)

// Ledger manages position state keyed by the full position identity.
type Ledger struct {
	positions map[Key]*Position
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[Key]*Position)}
}

// Get returns the existing position or nil.
func (l *Ledger) Get(key Key) *Position {
	return l.positions[key]
}

// GetOrCreate returns the existing position or a fresh empty one.
func (l *Ledger) GetOrCreate(key Key) *Position {
	pos := l.positions[key]
	if pos == nil {
		pos = &Position{Key: key}
		l.positions[key] = pos
	}
	return pos
}

// Set stores a position directly (snapshot restore).
func (l *Ledger) Set(pos *Position) {
	l.positions[pos.Key] = pos
}

// Remove deletes a position from the ledger.
func (l *Ledger) Remove(key Key) {
	delete(l.positions, key)
}

func (l *Ledger) Count() int {
	return len(l.positions)
}

// All returns every position in deterministic key order.
func (l *Ledger) All() []*Position {
	result := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		result = append(result, pos)
	}
	sortPositions(result)
	return result
}

// ByAccount returns an account's positions in deterministic order.
func (l *Ledger) ByAccount(account uuid.UUID) []*Position {
	result := make([]*Position, 0)
	for key, pos := range l.positions {
		if key.Account == account {
			result = append(result, pos)
		}
	}
	sortPositions(result)
	return result
}

// ByMarketSide returns the open positions on one side of a market, largest
// size first. The deleveraging pass walks this order.
func (l *Ledger) ByMarketSide(marketID string, side market.Side) []*Position {
	result := make([]*Position, 0)
	for key, pos := range l.positions {
		if key.Market == marketID && market.SideOf(key.IsLong) == side && pos.SizeUsd > 0 {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SizeUsd != result[j].SizeUsd {
			return result[i].SizeUsd > result[j].SizeUsd
		}
		return lessKey(result[i].Key, result[j].Key)
	})
	return result
}

func sortPositions(positions []*Position) {
	sort.Slice(positions, func(i, j int) bool {
		return lessKey(positions[i].Key, positions[j].Key)
	})
}

func lessKey(a, b Key) bool {
	if a.Account != b.Account {
		return a.Account.String() < b.Account.String()
	}
	if a.Market != b.Market {
		return a.Market < b.Market
	}
	if a.CollateralAsset != b.CollateralAsset {
		return a.CollateralAsset < b.CollateralAsset
	}
	return !a.IsLong && b.IsLong
}

package market

import (
	"fmt"
	"sort"
)

// Ledger owns the market map. Operations receive the handle explicitly;
// there is no ambient singleton state.
type Ledger struct {
	markets map[string]*Market
}

func NewLedger() *Ledger {
	return &Ledger{markets: make(map[string]*Market)}
}

func (l *Ledger) Add(m *Market) error {
	if _, exists := l.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	l.markets[m.ID] = m
	return nil
}

func (l *Ledger) Get(id string) (*Market, error) {
	m, ok := l.markets[id]
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", id)
	}
	return m, nil
}

func (l *Ledger) Count() int {
	return len(l.markets)
}

// All returns markets in deterministic ID order.
func (l *Ledger) All() []*Market {
	result := make([]*Market, 0, len(l.markets))
	for _, m := range l.markets {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

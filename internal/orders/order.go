package orders

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"PoolPerp/internal/fixed"
)

var (
	// ErrEmptyPosition marks a size change that would leave exposure the
	// ledger cannot represent: a decrease of a position that does not
	// exist, or a remainder whose token size rounds to zero.
	ErrEmptyPosition = errors.New("empty position")

	// ErrInvalidPriceRange marks a conditional order whose trigger is not
	// satisfied by the oracle price range.
	ErrInvalidPriceRange = errors.New("invalid price range")

	// ErrUnacceptablePrice marks an execution price worse than the order's
	// acceptable bound. Checked on every execution attempt, never cached.
	ErrUnacceptablePrice = errors.New("unacceptable price")
)

// Kind discriminates order flavors.
type Kind int32

const (
	KindMarketIncrease Kind = iota
	KindLimitIncrease
	KindMarketDecrease
	KindLimitDecrease
	KindStopLossDecrease
)

func (k Kind) String() string {
	switch k {
	case KindMarketIncrease:
		return "MarketIncrease"
	case KindLimitIncrease:
		return "LimitIncrease"
	case KindMarketDecrease:
		return "MarketDecrease"
	case KindLimitDecrease:
		return "LimitDecrease"
	case KindStopLossDecrease:
		return "StopLossDecrease"
	default:
		return "Unknown"
	}
}

func (k Kind) IsIncrease() bool {
	return k == KindMarketIncrease || k == KindLimitIncrease
}

// IsConditional reports whether the order waits on a trigger price.
func (k Kind) IsConditional() bool {
	return k == KindLimitIncrease || k == KindLimitDecrease || k == KindStopLossDecrease
}

// Order is a pending instruction against one position.
type Order struct {
	ID              uuid.UUID
	Account         uuid.UUID
	Market          string
	CollateralAsset string
	IsLong          bool
	Kind            Kind

	SizeDeltaUsd fixed.Usd
	// CollateralDelta is added on increase, withdrawn on decrease
	// (collateral asset units).
	CollateralDelta fixed.Tokens

	TriggerPrice    fixed.Price
	AcceptablePrice fixed.Price

	// SwapPath routes the deposited asset into the collateral asset on an
	// increase: the first element is the asset withdrawn, the last must
	// equal CollateralAsset. Empty means the deposit already is the
	// collateral asset. Decreases always pay out in the collateral asset.
	SwapPath []string

	// CostAllowance caps what the caller driving execution may charge for
	// it; CostRecipient receives any refund. Both pass through to the
	// execution report for external cost accounting.
	CostAllowance fixed.Usd
	CostRecipient uuid.UUID

	CreatedAt int64
}

// Store holds pending orders. Execution removes an order only on success or
// on a validation failure; economic-state failures keep it pending.
type Store struct {
	orders map[uuid.UUID]*Order
}

func NewStore() *Store {
	return &Store{orders: make(map[uuid.UUID]*Order)}
}

func (s *Store) Add(o *Order) error {
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already pending", o.ID)
	}
	s.orders[o.ID] = o
	return nil
}

func (s *Store) Get(id uuid.UUID) *Order {
	return s.orders[id]
}

func (s *Store) Remove(id uuid.UUID) {
	delete(s.orders, id)
}

func (s *Store) Count() int {
	return len(s.orders)
}

// Pending returns orders in deterministic execution order: creation time,
// then ID as tiebreak.
func (s *Store) Pending() []*Order {
	result := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result
}

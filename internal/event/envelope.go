package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderExecuted
	EventTypeOrderRejected
	EventTypeLiquidationExecuted
	EventTypeAdlStateUpdated
	EventTypeAdlExecuted
	EventTypeFeesAccrued
	EventTypeDepositConfirmed
	EventTypeWithdrawalConfirmed
	EventTypeHeldFundsClaimed
)

// Envelope wraps every event the core emits.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the payload
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderExecuted:
		return "OrderExecuted"
	case EventTypeOrderRejected:
		return "OrderRejected"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeAdlStateUpdated:
		return "AdlStateUpdated"
	case EventTypeAdlExecuted:
		return "AdlExecuted"
	case EventTypeFeesAccrued:
		return "FeesAccrued"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalConfirmed:
		return "WithdrawalConfirmed"
	case EventTypeHeldFundsClaimed:
		return "HeldFundsClaimed"
	default:
		return "Unknown"
	}
}

// Seal builds the envelope for a payload at a core-assigned sequence.
func Seal(sequence int64, ev Event, payload []byte, ts time.Time) Envelope {
	return Envelope{
		Sequence:       sequence,
		IdempotencyKey: ev.IdempotencyKey(),
		EventType:      ev.EventType(),
		MarketID:       ev.MarketID(),
		Timestamp:      ts,
		Payload:        payload,
	}
}

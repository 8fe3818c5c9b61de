package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PositionResponse is one row of the position projection. Every response
// carries AsOfSequence so callers can reason about staleness.
type PositionResponse struct {
	Account                uuid.UUID `json:"account"`
	Market                 string    `json:"market"`
	CollateralAsset        string    `json:"collateral_asset"`
	IsLong                 bool      `json:"is_long"`
	SizeUsd                int64     `json:"size_usd"`
	SizeTokens             int64     `json:"size_tokens"`
	CollateralAmount       int64     `json:"collateral_amount"`
	BorrowingFactorStamp   int64     `json:"borrowing_factor_stamp"`
	FundingFeePerSizeStamp int64     `json:"funding_fee_per_size_stamp"`
	Version                int64     `json:"version"`
	AsOfSequence           int64     `json:"as_of_sequence"`
}

// EventResponse is one enveloped event from the log.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

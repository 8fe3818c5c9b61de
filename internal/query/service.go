// Package query serves read-only access to the Postgres projections. Reads
// never touch the core's in-memory state; they observe the event log and the
// position projection, each tagged with the as-of sequence.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPositions returns the account's open positions.
func (s *Service) GetPositions(ctx context.Context, account uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account, market, collateral_asset, is_long, size_usd, size_tokens,
		       collateral_amount, borrowing_factor_stamp, funding_fee_per_size_stamp, version
		FROM pool_core.positions
		WHERE account = $1 AND NOT closed
		ORDER BY market, collateral_asset, is_long
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows, asOfSeq)
}

// GetMarketPositions returns one side of a market in deleveraging order,
// largest first. Risk keepers use this to pick ADL candidates.
func (s *Service) GetMarketPositions(ctx context.Context, market string, isLong bool) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account, market, collateral_asset, is_long, size_usd, size_tokens,
		       collateral_amount, borrowing_factor_stamp, funding_fee_per_size_stamp, version
		FROM pool_core.positions
		WHERE market = $1 AND is_long = $2 AND NOT closed AND size_usd > 0
		ORDER BY size_usd DESC
	`, market, isLong)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows, asOfSeq)
}

// GetEvents returns events from the log, newest first, with cursor-based
// pagination on sequence. An optional market filter narrows the scan.
func (s *Service) GetEvents(ctx context.Context, marketID *string, limit int, beforeSequence *int64) ([]EventResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT sequence, event_type, idempotency_key, market_id, payload, ts
		FROM pool_core.events
	`
	var args []interface{}
	argIdx := 1
	where := ""

	if marketID != nil {
		where = fmt.Sprintf("WHERE market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}
	if beforeSequence != nil {
		if where == "" {
			where = fmt.Sprintf("WHERE sequence < $%d", argIdx)
		} else {
			where += fmt.Sprintf(" AND sequence < $%d", argIdx)
		}
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += where
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// getWatermark is the highest persisted sequence, 0 on an empty log.
func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM pool_core.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func scanPositions(rows *sql.Rows, asOfSeq int64) ([]PositionResponse, error) {
	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.Account, &p.Market, &p.CollateralAsset, &p.IsLong,
			&p.SizeUsd, &p.SizeTokens, &p.CollateralAmount,
			&p.BorrowingFactorStamp, &p.FundingFeePerSizeStamp, &p.Version,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

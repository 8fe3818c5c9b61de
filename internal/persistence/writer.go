// Package persistence drains the core's persist channel into Postgres. The
// event log is the source of truth; position snapshots are a projection kept
// in the same transaction so reads never observe an event without its state.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventLogWriter batch-writes events and position snapshots using multi-row
// INSERT. Portable across drivers; switch to pgx CopyFrom if write volume
// ever demands it.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is one row in pool_core.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte
	Timestamp      time.Time
}

// PositionRow is one row in pool_core.positions, upserted per event.
type PositionRow struct {
	Account                uuid.UUID
	Market                 string
	CollateralAsset        string
	IsLong                 bool
	SizeUsd                int64
	SizeTokens             int64
	CollateralAmount       int64
	BorrowingFactorStamp   int64
	FundingFeePerSizeStamp int64
	Version                int64
	Closed                 bool
	UpdatedSequence        int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch appends events inside the given transaction. Conflicting
// sequences are ignored so a replayed batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO pool_core.events
		(sequence, event_type, idempotency_key, market_id, payload, ts)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WritePositionBatch upserts position snapshots inside the given transaction.
// A stale snapshot never overwrites a newer one: the version guard keeps the
// projection monotonic even across replays.
func (w *EventLogWriter) WritePositionBatch(ctx context.Context, tx *sql.Tx, positions []PositionRow) error {
	if len(positions) == 0 {
		return nil
	}

	query := `INSERT INTO pool_core.positions
		(account, market, collateral_asset, is_long, size_usd, size_tokens,
		 collateral_amount, borrowing_factor_stamp, funding_fee_per_size_stamp,
		 version, closed, updated_sequence)
		VALUES `

	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*12)

	for i, p := range positions {
		base := i * 12
		placeholders := make([]string, 12)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			p.Account, p.Market, p.CollateralAsset, p.IsLong,
			p.SizeUsd, p.SizeTokens, p.CollateralAmount,
			p.BorrowingFactorStamp, p.FundingFeePerSizeStamp,
			p.Version, p.Closed, p.UpdatedSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (account, market, collateral_asset, is_long) DO UPDATE SET
		size_usd = EXCLUDED.size_usd,
		size_tokens = EXCLUDED.size_tokens,
		collateral_amount = EXCLUDED.collateral_amount,
		borrowing_factor_stamp = EXCLUDED.borrowing_factor_stamp,
		funding_fee_per_size_stamp = EXCLUDED.funding_fee_per_size_stamp,
		version = EXCLUDED.version,
		closed = EXCLUDED.closed,
		updated_sequence = EXCLUDED.updated_sequence
		WHERE pool_core.positions.updated_sequence <= EXCLUDED.updated_sequence`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// RecoverLastSequence returns the highest persisted sequence, or -1 when the
// log is empty. The core starts at last+1.
func (w *EventLogWriter) RecoverLastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM pool_core.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("recover last sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadRecentCommandKeys returns composite idempotency keys for the most
// recent events that map back to a deduplicated command, newest first. Used
// to warm the in-memory LRU on restart.
func (w *EventLogWriter) LoadRecentCommandKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM pool_core.events
		WHERE event_type IN ('OrderExecuted', 'DepositConfirmed', 'WithdrawalConfirmed')
		ORDER BY sequence DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		if ct, ok := commandTypeForEvent(eventType); ok {
			keys = append(keys, ct+":"+key)
		}
	}
	return keys, rows.Err()
}

// commandTypeForEvent maps a confirmed event back to the command whose dedup
// key it shares.
func commandTypeForEvent(eventType string) (string, bool) {
	switch eventType {
	case "OrderExecuted":
		return "SubmitOrder", true
	case "DepositConfirmed":
		return "Deposit", true
	case "WithdrawalConfirmed":
		return "Withdraw", true
	default:
		return "", false
	}
}

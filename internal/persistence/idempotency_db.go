package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the cold tier behind the core's in-memory
// LRU. Dedup keys are UUIDs from upstream systems, so the lookup matches the
// key alone; the command type narrows the scan through the event-type map.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether the command's outcome is already in the event
// log. Bounded by a short timeout: the caller treats an error as
// not-duplicate, so a slow Postgres degrades dedup, not throughput.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM pool_core.events
        WHERE idempotency_key = $1
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

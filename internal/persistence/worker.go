package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"PoolPerp/internal/core"
	"PoolPerp/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The core
// sends on that channel blocking, so a stalled worker stalls the core rather
// than losing events.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

func (w *Worker) Writer() *EventLogWriter {
	return w.writer
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until the context is cancelled or the
// channel closes; remaining rows are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	positionBatch := make([]PositionRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 {
				if err := w.flush(context.Background(), eventBatch, positionBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(eventBatch) > 0 {
					if err := w.flush(context.Background(), eventBatch, positionBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			eventBatch = append(eventBatch, rowFromEnvelope(out))
			positionBatch = append(positionBatch, rowsFromPositions(out)...)

			if len(eventBatch) >= w.batchSize {
				w.flushWithRetry(ctx, eventBatch, positionBatch)
				eventBatch = eventBatch[:0]
				positionBatch = positionBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				w.flushWithRetry(ctx, eventBatch, positionBatch)
				eventBatch = eventBatch[:0]
				positionBatch = positionBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func rowFromEnvelope(out core.Output) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	}
}

func rowsFromPositions(out core.Output) []PositionRow {
	rows := make([]PositionRow, 0, len(out.Positions))
	for _, p := range out.Positions {
		rows = append(rows, PositionRow{
			Account:                p.Account,
			Market:                 p.Market,
			CollateralAsset:        p.CollateralAsset,
			IsLong:                 p.IsLong,
			SizeUsd:                p.SizeUsd,
			SizeTokens:             p.SizeTokens,
			CollateralAmount:       p.CollateralAmount,
			BorrowingFactorStamp:   p.BorrowingFactorStamp,
			FundingFeePerSizeStamp: p.FundingFeePerSizeStamp,
			Version:                p.Version,
			Closed:                 p.Closed,
			UpdatedSequence:        out.Envelope.Sequence,
		})
	}
	return rows
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or shutdown forces one final attempt. The worker never drops a batch.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, positions []PositionRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, positions); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, positions)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events and snapshots in a single transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, positions []PositionRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := w.writer.WritePositionBatch(ctx, tx, positions); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_positions").Inc()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

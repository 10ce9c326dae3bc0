package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"percolator/internal/event"
	"percolator/internal/observability"
)

// EventRow is a row in percolator.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       sql.NullString
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func rowFromEnvelope(env event.Envelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.MarketID != "" {
		row.MarketID = sql.NullString{String: env.MarketID, Valid: true}
	}
	return row
}

// JournalWriter drains sealed envelopes into Postgres using batched
// multi-row inserts. It implements event.Sink with a BLOCKING Append:
// if the writer falls behind, the event log stalls rather than lose a
// journal row.
type JournalWriter struct {
	db           *sql.DB
	ch           chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewJournalWriter(
	db *sql.DB,
	batchSize int,
	flushTimeout time.Duration,
	bufferSize int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *JournalWriter {
	return &JournalWriter{
		db:           db,
		ch:           make(chan event.Envelope, bufferSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          logger,
		metrics:      metrics,
	}
}

// Append enqueues an envelope for durable write. Blocks when the buffer
// is full.
func (w *JournalWriter) Append(env event.Envelope) {
	w.ch <- env
	if w.metrics != nil {
		w.metrics.SetChannelMetrics("journal", len(w.ch), cap(w.ch))
	}
}

// Run batches incoming envelopes and flushes when the batch fills or the
// flush timeout fires. Blocks until ctx is cancelled or the channel is
// closed; remaining envelopes are flushed on the way out.
func (w *JournalWriter) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("rows", len(batch)).Msg("final journal flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("rows", len(batch)).Msg("final journal flush failed")
					}
				}
				return nil
			}

			batch = append(batch, rowFromEnvelope(env))
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The journal never
// drops a batch: it retries until the write succeeds or the context is
// cancelled, in which case one final attempt runs with a background
// context.
func (w *JournalWriter) flushWithRetry(ctx context.Context, rows []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("journal flush retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					w.log.Error().Err(err).Int("rows", len(rows)).Msg("shutdown journal flush failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("journal flush recovered")
			}
			return
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *JournalWriter) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()

	if err := w.writeBatch(ctx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRowsWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}

// writeBatch inserts rows with a multi-row INSERT. ON CONFLICT DO
// NOTHING makes replays after a crash idempotent.
func (w *JournalWriter) writeBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO percolator.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.EventType, r.IdempotencyKey, r.MarketID,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// Recovery reads the persisted journal back on startup so the in-memory
// event log resumes its hash chain and the idempotency LRU is warm.
type Recovery struct {
	db *sql.DB
}

func NewRecovery(db *sql.DB) *Recovery {
	return &Recovery{db: db}
}

// ChainHead returns the highest persisted sequence and its state hash.
// A zero sequence with ok=false means the journal is empty (cold start).
func (r *Recovery) ChainHead(ctx context.Context) (sequence int64, stateHash [32]byte, ok bool, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM percolator.events
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var hash []byte
	if err := row.Scan(&sequence, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, stateHash, false, nil
		}
		return 0, stateHash, false, fmt.Errorf("load chain head: %w", err)
	}
	if len(hash) != len(stateHash) {
		return 0, stateHash, false, fmt.Errorf("chain head hash is %d bytes, want %d", len(hash), len(stateHash))
	}
	copy(stateHash[:], hash)
	return sequence, stateHash, true, nil
}

// RecentKeys returns the composite idempotency keys of the most recent
// events, newest first, for warming the LRU on restart.
func (r *Recovery) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM percolator.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", eventType, key))
	}
	return keys, rows.Err()
}

// EventsFrom loads persisted rows from a given sequence, used by audit
// tooling to verify the hash chain offline.
func (r *Recovery) EventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp
		FROM percolator.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"percolator/internal/observability"
)

// Sink receives sealed envelopes in sequence order. Implementations must
// not block for long: the log holds its lock while fanning out so the
// chain stays ordered.
type Sink interface {
	Append(Envelope)
}

// Log is the append-only outbound event log. It assigns the global
// sequence, seals each event into a hash-chained envelope, deduplicates
// by idempotency key, and fans the envelope out to the attached sinks
// (journal writer, publisher).
type Log struct {
	mu       sync.Mutex
	sequence int64
	hasher   *ChainHasher
	checker  *IdempotencyChecker
	sinks    []Sink
	metrics  *observability.Metrics
}

func NewLog(checker *IdempotencyChecker, sinks ...Sink) *Log {
	return &Log{
		hasher:  NewChainHasher(),
		checker: checker,
		sinks:   sinks,
	}
}

// Emit seals and distributes one event. Returns the envelope and true if
// the event was appended, or a zero envelope and false if it was a
// duplicate.
func (l *Log) Emit(ev Event, ts time.Time) (Envelope, bool, error) {
	eventType := ev.EventType().String()
	key := ev.IdempotencyKey()

	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, false, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Check and mark share the sequencing lock so two concurrent emits
	// with the same key cannot both append.
	if l.checker != nil && l.checker.IsDuplicate(eventType, key) {
		if l.metrics != nil {
			l.metrics.EventsDeduplicated.WithLabelValues(eventType).Inc()
		}
		return Envelope{}, false, nil
	}

	l.sequence++
	env := Envelope{
		Sequence:       l.sequence,
		IdempotencyKey: key,
		EventType:      ev.EventType(),
		MarketID:       ev.MarketID(),
		Timestamp:      ts,
		Payload:        payload,
		PrevHash:       l.hasher.PrevHash(),
	}
	env.StateHash = l.hasher.ComputeHash(env.Sequence, payload)

	for _, s := range l.sinks {
		s.Append(env)
	}
	if l.checker != nil {
		l.checker.MarkProcessed(eventType, key)
	}
	if l.metrics != nil {
		l.metrics.EventsEmitted.WithLabelValues(eventType).Inc()
		l.metrics.EventSequence.Set(float64(l.sequence))
	}
	return env, true, nil
}

// Restore positions the log at a previously persisted chain head so new
// envelopes continue the chain instead of restarting from genesis. Call
// before the first Emit.
func (l *Log) Restore(sequence int64, stateHash [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = sequence
	l.hasher.Restore(stateHash)
}

// SetMetrics wires emit counters and the sequence gauge. Call before the
// log starts emitting.
func (l *Log) SetMetrics(m *observability.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// AttachSink adds a sink. Call before the log starts emitting.
func (l *Log) AttachSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Sequence returns the last assigned sequence number.
func (l *Log) Sequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

package publisher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"percolator/internal/event"
	"percolator/internal/observability"
)

// wireEnvelope is the JSON shape published to NATS. Hashes go out as hex
// so downstream consumers can verify the chain without binary handling.
type wireEnvelope struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

// Publisher fans sealed envelopes out to NATS JetStream, one subject per
// event type. It implements event.Sink with a buffered channel: Append
// never blocks the emitting critical section, a full buffer drops the
// envelope (downstream consumers can recover from the Postgres journal).
type Publisher struct {
	js      jetstream.JetStream
	ch      chan event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(js jetstream.JetStream, bufferSize int, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		ch:      make(chan event.Envelope, bufferSize),
		log:     logger,
		metrics: metrics,
	}
}

// Append queues an envelope for publishing. Implements event.Sink.
func (p *Publisher) Append(env event.Envelope) {
	select {
	case p.ch <- env:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Warn().Int64("sequence", env.Sequence).Msg("publish buffer full, envelope dropped")
	}
	if p.metrics != nil {
		p.metrics.SetChannelMetrics("publisher", len(p.ch), cap(p.ch))
	}
}

// Run drains the buffer until the context is cancelled. Publish failures
// are non-fatal: the journal remains the source of truth.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-p.ch:
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(wireEnvelope{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = p.js.Publish(ctx, SubjectFor(env), data)
	return err
}

// SubjectFor maps an envelope to its outbound subject, one family per
// event type with the market as the final token.
func SubjectFor(env event.Envelope) string {
	marketID := env.MarketID
	if marketID == "" {
		marketID = "global"
	}

	switch env.EventType {
	case event.TypeHoldReserved:
		return "perc.orders.reserved." + marketID
	case event.TypeHoldCancelled, event.TypeHoldExpired:
		return "perc.orders.cancelled." + marketID
	case event.TypeOrderCommitted:
		return "perc.orders.committed." + marketID
	case event.TypeOrderRejected:
		return "perc.orders.rejected." + marketID
	case event.TypeCapMinted:
		return "perc.caps.minted." + marketID
	case event.TypeFundingApplied:
		return "perc.funding.applied." + marketID
	case event.TypeLiquidationExecuted:
		return "perc.liquidations." + marketID
	case event.TypeMarketStatusChanged, event.TypeRiskParamUpdate:
		return "perc.markets." + marketID
	default:
		return "perc.events." + marketID
	}
}

// EnsureOutboundStream creates the stream holding all outbound subjects.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: "PERC_EVENTS",
		Subjects: []string{
			"perc.orders.>",
			"perc.caps.>",
			"perc.funding.applied.>",
			"perc.liquidations.>",
			"perc.markets.>",
			"perc.events.>",
		},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

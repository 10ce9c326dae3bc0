package ingestion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"percolator/internal/funding"
	"percolator/internal/observability"
	"percolator/internal/oracle"
)

// Consumer drains the inbound channel: oracle updates go to the price
// cache, funding snapshots trigger funding ticks. Parse failures are
// acked (poison messages are never redeliverable into validity); engine
// failures are nacked for redelivery, except funding gaps which need
// upstream repair and are acked with a loud log.
type Consumer struct {
	msgChan <-chan RawMessage
	oracles *oracle.Cache
	funding *funding.Engine
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewConsumer(
	msgChan <-chan RawMessage,
	oracles *oracle.Cache,
	fundingEngine *funding.Engine,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Consumer {
	return &Consumer{
		msgChan: msgChan,
		oracles: oracles,
		funding: fundingEngine,
		log:     logger,
		metrics: metrics,
	}
}

// Run processes messages until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.msgChan:
			if !ok {
				return nil
			}
			c.handle(msg)
		}
	}
}

func (c *Consumer) handle(msg RawMessage) {
	start := time.Now()
	switch {
	case strings.HasPrefix(msg.Subject, "perc.prices."):
		c.handleMarkPrice(msg)
	case strings.HasPrefix(msg.Subject, "perc.funding.rates."):
		c.handleFundingRate(msg)
	default:
		c.log.Warn().Str("subject", msg.Subject).Msg("unroutable inbound message")
		msg.AckFunc()
	}
	if c.metrics != nil {
		c.metrics.NATSPullLatency.WithLabelValues(msg.Subject).Observe(time.Since(start).Seconds())
	}
}

func (c *Consumer) handleMarkPrice(msg RawMessage) {
	upd, err := ParseMarkPriceUpdate(msg.Data)
	if err != nil {
		c.log.Error().Err(err).Str("subject", msg.Subject).Msg("invalid mark price update")
		msg.AckFunc()
		return
	}

	c.oracles.Update(upd.MarketID, upd.OracleData(), upd.Sequence)
	if c.metrics != nil {
		c.metrics.OracleUpdates.WithLabelValues(upd.MarketID).Inc()
	}
	msg.AckFunc()
}

func (c *Consumer) handleFundingRate(msg RawMessage) {
	snap, err := ParseFundingRateSnapshot(msg.Data)
	if err != nil {
		c.log.Error().Err(err).Str("subject", msg.Subject).Msg("invalid funding snapshot")
		msg.AckFunc()
		return
	}

	if _, err := c.funding.Tick(snap.MarketID, snap.InstrumentIndex, snap.RateBps, snap.FundingIndex); err != nil {
		if errors.Is(err, funding.ErrFundingGap) {
			// Redelivery cannot close a gap; the upstream producer must
			// resend the missing index first.
			c.log.Error().Err(err).Str("market", snap.MarketID).Msg("funding gap, dropping tick")
			msg.AckFunc()
			return
		}
		c.log.Warn().Err(err).Str("market", snap.MarketID).Msg("funding tick failed, will retry")
		msg.NakFunc()
		return
	}
	msg.AckFunc()
}

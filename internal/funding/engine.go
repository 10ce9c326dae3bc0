package funding

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"percolator/internal/collateral"
	"percolator/internal/event"
	"percolator/internal/fixedpoint"
	"percolator/internal/market"
	"percolator/internal/observability"
	"percolator/internal/oracle"
	"percolator/internal/position"
)

var ErrFundingGap = errors.New("funding index gap")

// TickResult summarizes one applied funding tick.
type TickResult struct {
	MarketID         string
	InstrumentIndex  int
	FundingIndex     int64
	RateBps          int64 // after clamping
	Clamped          bool
	PositionsSettled int
	TotalPaid        fixedpoint.FixedPoint // longs-pay side (absolute)
	TotalReceived    fixedpoint.FixedPoint // credited side (absolute)
	Residual         fixedpoint.FixedPoint // net pool flow (positive accrues to the pool)
	Shortfall        fixedpoint.FixedPoint
}

// Deps wires the engine to its collaborators.
type Deps struct {
	Registry   *market.Registry
	Oracles    *oracle.Cache
	Positions  *position.Ledger
	Collateral *collateral.Tracker
	Events     *event.Log
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Engine applies periodic funding against open positions. Rates are
// clamped to the market's fundingCapBps; funding indexes are strictly
// increasing per (market, instrument) and each index is applied to a
// position at most once, so redelivered ticks are idempotent.
type Engine struct {
	registry   *market.Registry
	oracles    *oracle.Cache
	positions  *position.Ledger
	collateral *collateral.Tracker
	events     *event.Log
	metrics    *observability.Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	nextIndex map[string]int64 // "market:instrument" -> expected next index
}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		registry:   d.Registry,
		oracles:    d.Oracles,
		positions:  d.Positions,
		collateral: d.Collateral,
		events:     d.Events,
		metrics:    d.Metrics,
		log:        d.Logger,
		now:        d.Now,
		nextIndex:  make(map[string]int64),
	}
}

// ClampRate bounds a funding rate to +/- capBps. Pure.
func ClampRate(rateBps int64, capBps uint32) (int64, bool) {
	bound := int64(capBps)
	if rateBps > bound {
		return bound, true
	}
	if rateBps < -bound {
		return -bound, true
	}
	return rateBps, false
}

// Payment computes one position's funding payment:
// size * rate * markPrice. Positive means the position pays the pool
// (longs pay on a positive rate, shorts receive, and vice versa).
// Truncates toward zero.
func Payment(size, markPrice fixedpoint.FixedPoint, rateBps int64) fixedpoint.FixedPoint {
	notional := size.Mul(markPrice)
	return fixedpoint.MulDiv(notional, fixedpoint.FixedPoint(rateBps), fixedpoint.BpsDenominator)
}

// Tick applies one funding index to every open position on the
// instrument. Index ordering per (market, instrument): duplicates are
// skipped (idempotent redelivery), gaps are an error. Settlement order
// is deterministic (traders sorted) so the truncation residual is
// reproducible; the net flow settles against the funding pool account.
func (e *Engine) Tick(marketID string, instrumentIndex int, rateBps int64, fundingIndex int64) (TickResult, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return TickResult{}, err
	}

	key := fmt.Sprintf("%s:%d", marketID, instrumentIndex)
	e.mu.Lock()
	expected := e.nextIndex[key] + 1
	if fundingIndex < expected {
		e.mu.Unlock()
		// Duplicate tick: skip, idempotent.
		return TickResult{MarketID: marketID, InstrumentIndex: instrumentIndex, FundingIndex: fundingIndex}, nil
	}
	if fundingIndex > expected {
		e.mu.Unlock()
		return TickResult{}, fmt.Errorf("%w for %s: expected=%d, got=%d", ErrFundingGap, key, expected, fundingIndex)
	}
	e.nextIndex[key] = fundingIndex
	e.mu.Unlock()

	now := e.now()
	nowSec := now.Unix()

	risk := mkt.Risk()
	clamped, wasClamped := ClampRate(rateBps, risk.FundingCapBps)
	if wasClamped && e.metrics != nil {
		e.metrics.FundingRateClamped.WithLabelValues(marketID).Inc()
	}

	od, err := e.oracles.Latest(marketID, nowSec)
	if err != nil {
		return TickResult{}, fmt.Errorf("funding tick for %s: %w", marketID, err)
	}
	markPrice := od.Realized

	open := e.positions.AllOn(marketID, instrumentIndex)
	sort.Slice(open, func(i, j int) bool { return open[i].Trader < open[j].Trader })

	result := TickResult{
		MarketID:        marketID,
		InstrumentIndex: instrumentIndex,
		FundingIndex:    fundingIndex,
		RateBps:         clamped,
		Clamped:         wasClamped,
	}

	var net fixedpoint.FixedPoint
	for _, pos := range open {
		payment := Payment(pos.Size, markPrice, clamped)
		if payment == 0 {
			continue
		}

		paid, shortfall, err := e.positions.ApplyFunding(pos.Trader, marketID, instrumentIndex, payment, fundingIndex)
		if errors.Is(err, position.ErrFundingReplayed) {
			continue
		}
		if err != nil {
			return TickResult{}, fmt.Errorf("funding apply for %s: %w", pos.Trader, err)
		}

		result.PositionsSettled++
		net += paid
		if paid > 0 {
			result.TotalPaid += paid
		} else {
			result.TotalReceived += -paid
		}
		if shortfall > 0 {
			result.Shortfall += shortfall
			if e.metrics != nil {
				e.metrics.FundingShortfall.WithLabelValues(marketID).Inc()
			}
		}

		if e.events != nil {
			ev := &event.FundingApplied{
				Market:          marketID,
				InstrumentIndex: instrumentIndex,
				Trader:          pos.Trader,
				FundingIndex:    fundingIndex,
				RateBps:         clamped,
				Payment:         paid,
				Shortfall:       shortfall,
				Timestamp:       now,
			}
			if _, _, err := e.events.Emit(ev, now); err != nil {
				e.log.Error().Err(err).Msg("funding event emit failed")
			}
		}
	}

	// Funding moves between position margin and the funding pool. Payer
	// debits fund receiver credits directly; the pool absorbs whatever
	// imbalance is left, so every margin credit has an offsetting debit.
	result.Residual = net
	switch {
	case net > 0:
		if err := e.collateral.Deposit(collateral.FundingPoolAccount, net); err != nil {
			e.log.Error().Err(err).Msg("funding pool credit failed")
		}
	case net < 0:
		if deficit := e.collateral.ApplyPnL(collateral.FundingPoolAccount, net); deficit > 0 {
			// Pool exhausted: the rest comes out of the insurance fund.
			if err := e.collateral.Withdraw(collateral.InsuranceFundAccount, deficit); err != nil {
				e.log.Error().Err(err).Str("deficit", deficit.String()).
					Msg("funding pool deficit not covered by insurance fund")
			}
		}
	}

	mkt.SetLastFundingTimestamp(nowSec)

	if e.metrics != nil {
		e.metrics.FundingTicksApplied.WithLabelValues(marketID).Inc()
		e.metrics.FundingPositionsSettled.WithLabelValues(marketID).Add(float64(result.PositionsSettled))
		e.metrics.FundingRoundingResidual.WithLabelValues(marketID).Set(float64(result.Residual))
	}
	e.log.Info().
		Str("market", marketID).
		Int64("funding_index", fundingIndex).
		Int64("rate_bps", clamped).
		Int("positions", result.PositionsSettled).
		Str("residual", result.Residual.String()).
		Msg("funding tick applied")

	return result, nil
}

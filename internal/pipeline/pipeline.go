package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"percolator/internal/cap"
	"percolator/internal/collateral"
	"percolator/internal/event"
	"percolator/internal/fixedpoint"
	"percolator/internal/hold"
	"percolator/internal/market"
	"percolator/internal/observability"
	"percolator/internal/oracle"
	"percolator/internal/position"
)

// OrderParams is one trading intent entering the pipeline.
type OrderParams struct {
	MarketID        string
	InstrumentIndex int
	Side            market.Side
	Quantity        fixedpoint.FixedPoint
	LimitPrice      fixedpoint.FixedPoint // 0 = market order
	Leverage        uint32
	HoldTTLMs       int64
	CapNonce        uint64
	SettlementMint  string
}

// OrderResult is returned on a fully committed order.
type OrderResult struct {
	FillID         uuid.UUID
	HoldID         uuid.UUID
	CapID          uuid.UUID
	FillPrice      fixedpoint.FixedPoint
	RequiredMargin fixedpoint.FixedPoint
	RealizedPnL    fixedpoint.FixedPoint
	Position       position.Position
}

// Deps wires the pipeline to its collaborators. Events and Metrics may
// be nil (unit tests); everything else is required.
type Deps struct {
	Registry   *market.Registry
	Oracles    *oracle.Cache
	Holds      *hold.Manager
	Caps       *cap.Manager
	Positions  *position.Ledger
	Collateral *collateral.Tracker
	Events     *event.Log
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Pipeline is the order orchestrator: admission guards, then
// Reserve -> Cap -> Commit, with compensating hold cancellation on any
// mid-pipeline failure. State machine per attempt:
// Initiated -> Reserved -> Capped -> Committed, error exits through
// Cancelling -> Cancelled.
type Pipeline struct {
	registry   *market.Registry
	oracles    *oracle.Cache
	holds      *hold.Manager
	caps       *cap.Manager
	positions  *position.Ledger
	collateral *collateral.Tracker
	events     *event.Log
	metrics    *observability.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{
		registry:   d.Registry,
		oracles:    d.Oracles,
		holds:      d.Holds,
		caps:       d.Caps,
		positions:  d.Positions,
		collateral: d.Collateral,
		events:     d.Events,
		metrics:    d.Metrics,
		log:        d.Logger,
		now:        d.Now,
	}
}

// CommitmentHash binds the reserved order parameters so the committing
// party cannot substitute different ones.
func CommitmentHash(trader, marketID string, instrumentIndex int, side market.Side, quantity, limitPrice fixedpoint.FixedPoint) [32]byte {
	h := sha256.New()
	h.Write([]byte(trader))
	h.Write([]byte{0})
	h.Write([]byte(marketID))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(instrumentIndex))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(side))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(quantity))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(limitPrice))
	h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PlaceOrder runs one order attempt end to end. Admission guard failures
// return before any state is touched; failures after Reserve cancel the
// hold before returning so no Open hold outlives the attempt.
func (p *Pipeline) PlaceOrder(ctx context.Context, trader string, params OrderParams) (OrderResult, error) {
	start := p.now()
	nowMs := start.UnixMilli()
	nowSec := nowMs / 1000

	mkt, err := p.registry.Get(params.MarketID)
	if err != nil {
		return OrderResult{}, p.reject(params.MarketID, "market_unavailable", fmt.Errorf("%w: %s", ErrMarketUnavailable, params.MarketID))
	}

	status := mkt.StatusAt(nowSec)
	if status == market.StatusFrozen || status == market.StatusSettled {
		return OrderResult{}, p.reject(mkt.ID, "market_unavailable", fmt.Errorf("%w: %s is %s", ErrMarketUnavailable, mkt.ID, status))
	}

	risk := mkt.Risk()
	if params.Leverage == 0 || params.Leverage > risk.MaxLeverage {
		return OrderResult{}, p.reject(mkt.ID, "leverage_cap", fmt.Errorf("%w: %d > %d", ErrLeverageCapExceeded, params.Leverage, risk.MaxLeverage))
	}
	if err := CheckWarmupGuards(status, mkt.Warmup(), params.Side, params.Leverage); err != nil {
		return OrderResult{}, p.reject(mkt.ID, "warmup_guard", err)
	}

	inst, err := mkt.Instrument(params.InstrumentIndex)
	if err != nil {
		return OrderResult{}, p.reject(mkt.ID, "instrument_not_found", err)
	}
	if params.Quantity <= 0 || !params.Quantity.IsAligned(inst.LotSize) {
		return OrderResult{}, p.reject(mkt.ID, "not_aligned", fmt.Errorf("%w: quantity %s", ErrNotAligned, params.Quantity))
	}
	if params.LimitPrice < 0 || (params.LimitPrice != 0 && !params.LimitPrice.IsAligned(inst.TickSize)) {
		return OrderResult{}, p.reject(mkt.ID, "not_aligned", fmt.Errorf("%w: price %s", ErrNotAligned, params.LimitPrice))
	}

	// Oracle fetch happens before any critical section.
	od, err := p.oracles.Latest(mkt.ID, nowSec)
	if err != nil {
		if p.metrics != nil {
			p.metrics.OracleStaleRejects.WithLabelValues(mkt.ID).Inc()
		}
		return OrderResult{}, p.reject(mkt.ID, "oracle", err)
	}

	fillPrice := params.LimitPrice
	if fillPrice == 0 {
		fillPrice = od.Realized
	} else if err := ValidatePriceBands(fillPrice, od.Realized, risk.BandBps); err != nil {
		return OrderResult{}, p.reject(mkt.ID, "price_band", err)
	}

	requiredMargin := CalculateRequiredMargin(params.Quantity, fillPrice, inst.ContractSize, risk.InitialMarginBps)
	if p.collateral.Available(trader) < requiredMargin {
		return OrderResult{}, p.reject(mkt.ID, "insufficient_margin", fmt.Errorf("%w: need %s", ErrInsufficientMargin, requiredMargin))
	}

	// Advisory cap check; the binding one is the atomic reservation in
	// commit.
	if risk.OpenInterestCap > 0 && mkt.OpenInterest()+params.Quantity > risk.OpenInterestCap {
		return OrderResult{}, p.reject(mkt.ID, "oi_cap", market.ErrOpenInterestCapExceeded)
	}

	// Reserve.
	hash := CommitmentHash(trader, mkt.ID, params.InstrumentIndex, params.Side, params.Quantity, params.LimitPrice)
	receipt, err := p.holds.Reserve(mkt, uuid.Nil, trader, params.InstrumentIndex, params.Side,
		params.Quantity, params.LimitPrice, params.HoldTTLMs, hash, nowMs)
	if err != nil {
		return OrderResult{}, p.reject(mkt.ID, "reserve", err)
	}
	if p.metrics != nil {
		p.metrics.HoldsReserved.WithLabelValues(mkt.ID).Inc()
	}
	p.emit(&event.HoldReserved{
		HoldID:          receipt.HoldID,
		Trader:          trader,
		Market:          mkt.ID,
		InstrumentIndex: params.InstrumentIndex,
		Side:            params.Side,
		Quantity:        params.Quantity,
		LimitPrice:      params.LimitPrice,
		ExpiryTimestamp: receipt.ExpiryTimestamp,
		Timestamp:       start,
	}, start)

	// Cap.
	token, err := p.caps.MintCap(trader, mkt.ID, params.SettlementMint, requiredMargin, params.HoldTTLMs, params.CapNonce, nowMs)
	if err != nil {
		p.cancelHold(receipt.HoldID, trader, mkt.ID, "cap_mint_failed", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "cap_mint", err)
	}
	if p.metrics != nil {
		p.metrics.CapsMinted.WithLabelValues(mkt.ID).Inc()
	}
	p.emit(&event.CapMinted{
		CapID:           token.CapID,
		User:            trader,
		Market:          mkt.ID,
		Mint:            params.SettlementMint,
		AmountMax:       token.AmountMax,
		ExpiryTimestamp: token.ExpiryTimestamp,
		Nonce:           token.Nonce,
		Timestamp:       start,
	}, start)

	// Commit.
	result, err := p.CommitOrder(ctx, trader, receipt.HoldID, token.CapID, hash, fillPrice, requiredMargin)
	if err != nil {
		return OrderResult{}, err
	}

	if p.metrics != nil {
		p.metrics.OrdersCommitted.WithLabelValues(mkt.ID, params.Side.String()).Inc()
		p.metrics.OrderCommitDur.WithLabelValues(mkt.ID).Observe(p.now().Sub(start).Seconds())
		p.metrics.OpenInterest.WithLabelValues(mkt.ID).Set(float64(mkt.OpenInterest()))
	}
	return result, nil
}

// CommitOrder settles a reserved, capped order: consume the hold, debit
// the cap, apply the fill, adjust open interest and collateral. The hold
// consumption and cap debit are linearizable for one attempt because
// each attempt owns its hold and its cap; the cap is pre-validated so a
// debit failure after consumption is an invariant violation, not a
// recoverable error.
func (p *Pipeline) CommitOrder(
	ctx context.Context,
	trader string,
	holdID, capID uuid.UUID,
	commitmentHash [32]byte,
	fillPrice, settlementAmount fixedpoint.FixedPoint,
) (OrderResult, error) {
	now := p.now()
	nowMs := now.UnixMilli()

	receipt, err := p.holds.Get(holdID, nowMs)
	if err != nil {
		return OrderResult{}, p.reject("", "hold_lookup", err)
	}
	switch receipt.State {
	case hold.StateCommitted:
		return OrderResult{}, p.reject(receipt.MarketID, "consume", hold.ErrAlreadyConsumed)
	case hold.StateCancelled:
		return OrderResult{}, p.reject(receipt.MarketID, "consume", hold.ErrAlreadyTerminal)
	}
	mkt, err := p.registry.Get(receipt.MarketID)
	if err != nil {
		return OrderResult{}, p.reject(receipt.MarketID, "market_unavailable", fmt.Errorf("%w: %s", ErrMarketUnavailable, receipt.MarketID))
	}
	qty := receipt.Quantity

	// Pre-validate the cap so the post-consumption debit cannot fail.
	token, err := p.caps.Get(capID)
	if err != nil {
		p.cancelHold(holdID, trader, mkt.ID, "cap_missing", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "cap_missing", err)
	}
	if cap.IsExpired(token, nowMs) {
		p.cancelHold(holdID, trader, mkt.ID, "cap_expired", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "cap_expired", cap.ErrCapExpired)
	}
	if settlementAmount > token.Remaining() {
		p.cancelHold(holdID, trader, mkt.ID, "cap_remaining", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "cap_remaining", cap.ErrInsufficientCapRemaining)
	}

	// Atomic open-interest reservation: check and increment share one
	// critical section. Reserved for the full quantity; corrected after
	// the fill once the opened/closed split is known.
	if err := mkt.ReserveOpenInterest(qty); err != nil {
		p.cancelHold(holdID, trader, mkt.ID, "oi_cap", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "oi_cap", err)
	}

	if err := p.collateral.Reserve(trader, settlementAmount); err != nil {
		p.mustReleaseOI(mkt, qty)
		p.cancelHold(holdID, trader, mkt.ID, "insufficient_margin", nowMs)
		return OrderResult{}, p.reject(mkt.ID, "insufficient_margin", fmt.Errorf("%w: %v", ErrInsufficientMargin, err))
	}

	consumed, err := p.holds.Consume(holdID, commitmentHash, nowMs)
	if err != nil {
		if rerr := p.collateral.Release(trader, settlementAmount); rerr != nil {
			panic(fmt.Sprintf("FATAL: collateral release failed during commit unwind: %v", rerr))
		}
		p.mustReleaseOI(mkt, qty)
		if errors.Is(err, hold.ErrCommitmentMismatch) {
			// Hold is still Open after a mismatch; cancel it.
			p.cancelHold(holdID, trader, mkt.ID, "commitment_mismatch", nowMs)
		}
		return OrderResult{}, p.reject(mkt.ID, "consume", err)
	}

	// Past the point of no return: the hold is consumed. The cap was
	// pre-validated and no other attempt debits it, so a failure here is
	// consumed-hold-without-debited-cap.
	if _, err := p.caps.Debit(capID, settlementAmount, nowMs); err != nil {
		panic(fmt.Sprintf("FATAL: cap debit failed after hold consumption: hold=%s cap=%s: %v", holdID, capID, err))
	}
	if p.metrics != nil {
		p.metrics.CapDebits.WithLabelValues(mkt.ID, "ok").Inc()
	}

	fillRes, err := p.positions.ApplyFill(trader, mkt.ID, consumed.InstrumentIndex, consumed.Side, qty, fillPrice)
	if err != nil {
		panic(fmt.Sprintf("FATAL: fill apply failed after hold consumption: hold=%s: %v", holdID, err))
	}

	// Lock margin proportional to the newly opened exposure; the rest of
	// the reservation goes back to the trader.
	lockForPosition := fixedpoint.FixedPoint(0)
	if fillRes.OpenedQuantity > 0 {
		lockForPosition = fixedpoint.MulDiv(settlementAmount, fillRes.OpenedQuantity, qty)
		if err := p.positions.AddMargin(trader, mkt.ID, consumed.InstrumentIndex, lockForPosition); err != nil {
			panic(fmt.Sprintf("FATAL: margin lock failed after fill: %v", err))
		}
	}
	if excess := settlementAmount - lockForPosition; excess > 0 {
		if err := p.collateral.Release(trader, excess); err != nil {
			panic(fmt.Sprintf("FATAL: collateral release failed after fill: %v", err))
		}
	}
	if fillRes.MarginReleased > 0 {
		if err := p.collateral.Release(trader, fillRes.MarginReleased); err != nil {
			panic(fmt.Sprintf("FATAL: position margin release failed: %v", err))
		}
	}
	if fillRes.RealizedPnL != 0 {
		if shortfall := p.collateral.ApplyPnL(trader, fillRes.RealizedPnL); shortfall > 0 {
			p.log.Warn().Str("trader", trader).Str("market", mkt.ID).
				Str("shortfall", shortfall.String()).
				Msg("realized loss exceeded available collateral")
		}
	}

	// Open-interest correction: the reservation covered the full
	// quantity; release the portion that reduced instead of opened.
	if correction := (qty - fillRes.OpenedQuantity) + fillRes.ClosedQuantity; correction > 0 {
		p.mustReleaseOI(mkt, correction)
	}

	fillID := uuid.New()

	// fillRes.Position was snapshotted before the margin lock; re-read so
	// the result and the committed event carry the locked margin.
	pos := fillRes.Position
	if fresh, ok := p.positions.Get(trader, mkt.ID, consumed.InstrumentIndex); ok {
		pos = fresh
	}
	p.emit(&event.OrderCommitted{
		FillID:          fillID,
		HoldID:          holdID,
		CapID:           capID,
		Trader:          trader,
		Market:          mkt.ID,
		InstrumentIndex: consumed.InstrumentIndex,
		Side:            consumed.Side,
		Quantity:        qty,
		FillPrice:       fillPrice,
		MarginLocked:    lockForPosition,
		RealizedPnL:     fillRes.RealizedPnL,
		PositionSize:    pos.Size,
		EntryPrice:      pos.EntryPrice,
		Timestamp:       now,
	}, now)

	p.log.Info().
		Str("trader", trader).
		Str("market", mkt.ID).
		Str("side", consumed.Side.String()).
		Str("quantity", qty.String()).
		Str("fill_price", fillPrice.String()).
		Str("hold_id", holdID.String()).
		Str("fill_id", fillID.String()).
		Msg("order committed")

	return OrderResult{
		FillID:         fillID,
		HoldID:         holdID,
		CapID:          capID,
		FillPrice:      fillPrice,
		RequiredMargin: settlementAmount,
		RealizedPnL:    fillRes.RealizedPnL,
		Position:       pos,
	}, nil
}

// CancelOrder cancels an Open hold on behalf of its trader.
func (p *Pipeline) CancelOrder(ctx context.Context, trader string, holdID uuid.UUID) error {
	nowMs := p.now().UnixMilli()
	receipt, err := p.holds.Get(holdID, nowMs)
	if err != nil {
		return err
	}
	if err := p.holds.Cancel(holdID, trader, nowMs); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.HoldsCancelled.WithLabelValues(receipt.MarketID, "trader").Inc()
	}
	p.emit(&event.HoldCancelled{
		HoldID:    holdID,
		Trader:    trader,
		Market:    receipt.MarketID,
		Timestamp: p.now(),
	}, p.now())
	return nil
}

// cancelHold is the compensating action: never leave an orphaned Open
// hold when the pipeline itself gives up.
func (p *Pipeline) cancelHold(holdID uuid.UUID, trader, marketID, reason string, nowMs int64) {
	if err := p.holds.Cancel(holdID, trader, nowMs); err != nil {
		// Already terminal (expired, consumed elsewhere): nothing to unwind.
		p.log.Debug().Str("hold_id", holdID.String()).Str("reason", reason).
			Err(err).Msg("compensating cancel was a no-op")
	}
	if p.metrics != nil {
		p.metrics.HoldsCancelled.WithLabelValues(marketID, "pipeline").Inc()
	}
	p.emit(&event.OrderRejected{
		HoldID:    holdID,
		Trader:    trader,
		Market:    marketID,
		Reason:    reason,
		Timestamp: p.now(),
	}, p.now())
	p.emit(&event.HoldCancelled{
		HoldID:    holdID,
		Trader:    trader,
		Market:    marketID,
		Timestamp: p.now(),
	}, p.now())
}

func (p *Pipeline) mustReleaseOI(mkt *market.Market, qty fixedpoint.FixedPoint) {
	if err := mkt.ReleaseOpenInterest(qty); err != nil {
		panic(fmt.Sprintf("FATAL: open interest release failed for %s: %v", mkt.ID, err))
	}
}

func (p *Pipeline) reject(marketID, reason string, err error) error {
	if p.metrics != nil && marketID != "" {
		p.metrics.OrdersRejected.WithLabelValues(marketID, reason).Inc()
	}
	p.log.Debug().Str("market", marketID).Str("reason", reason).Err(err).Msg("order rejected")
	return err
}

func (p *Pipeline) emit(ev event.Event, ts time.Time) {
	if p.events == nil {
		return
	}
	if _, _, err := p.events.Emit(ev, ts); err != nil {
		p.log.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("event emit failed")
	}
}

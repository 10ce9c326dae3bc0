package liquidation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"percolator/internal/collateral"
	"percolator/internal/event"
	"percolator/internal/fixedpoint"
	"percolator/internal/market"
	"percolator/internal/observability"
	"percolator/internal/oracle"
	"percolator/internal/position"
)

var (
	ErrNotLiquidatable  = errors.New("position is above maintenance margin")
	ErrPositionNotFound = errors.New("no open position to liquidate")
)

// DefaultPenaltyBps is the liquidation penalty taken from the position
// owner's collateral and paid to the liquidator, in bps of closed
// notional.
const DefaultPenaltyBps = 100

// Result summarizes one executed liquidation.
type Result struct {
	LiquidationID  uuid.UUID
	Trader         string
	Liquidator     string
	ClosedQuantity fixedpoint.FixedPoint
	MarkPrice      fixedpoint.FixedPoint
	RealizedPnL    fixedpoint.FixedPoint
	Penalty        fixedpoint.FixedPoint
	InsuranceDraw  fixedpoint.FixedPoint
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
	PenaltyBps uint32 // 0 means DefaultPenaltyBps
}

// Engine checks maintenance margin and forces position closure when it
// is breached. This is the one path where a party other than the
// position owner mutates the position; liquidator eligibility is
// enforced by the admission layer.
type Engine struct {
	registry   *market.Registry
	oracles    *oracle.Cache
	positions  *position.Ledger
	collateral *collateral.Tracker
	events     *event.Log
	metrics    *observability.Metrics
	log        zerolog.Logger
	now        func() time.Time
	penaltyBps uint32
}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.PenaltyBps == 0 {
		d.PenaltyBps = DefaultPenaltyBps
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
		penaltyBps: d.PenaltyBps,
	}
}

// CheckLiquidatable reports whether the position's equity (margin plus
// unrealized PnL) has fallen below maintenanceMarginBps of notional at
// the mark price. Pure.
func CheckLiquidatable(pos position.Position, markPrice fixedpoint.FixedPoint, maintenanceMarginBps uint32) bool {
	if pos.IsFlat() {
		return false
	}
	equity := pos.Margin + position.MarkToMarket(pos, markPrice)
	required := pos.Notional(markPrice).MulBps(maintenanceMarginBps)
	return equity < required
}

// Liquidate forces a full reducing fill at the mark price. The penalty
// comes out of the owner's collateral and goes to the liquidator; any
// realized loss beyond the owner's collateral is drawn from the
// insurance fund and reported as the deficit.
func (e *Engine) Liquidate(trader, marketID string, instrumentIndex int, liquidator string) (Result, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return Result{}, err
	}
	now := e.now()

	pos, ok := e.positions.Get(trader, marketID, instrumentIndex)
	if !ok || pos.IsFlat() {
		return Result{}, ErrPositionNotFound
	}

	od, err := e.oracles.Latest(marketID, now.Unix())
	if err != nil {
		return Result{}, fmt.Errorf("liquidation of %s: %w", trader, err)
	}
	markPrice := od.Realized

	risk := mkt.Risk()
	if e.metrics != nil {
		e.metrics.LiquidationChecked.WithLabelValues(marketID).Inc()
	}
	if !CheckLiquidatable(pos, markPrice, risk.MaintenanceMarginBps) {
		return Result{}, ErrNotLiquidatable
	}

	closeSide := market.SideAsk
	if pos.Size < 0 {
		closeSide = market.SideBid
	}
	closedQty := pos.Size.Abs()

	fillRes, err := e.positions.ApplyFill(trader, marketID, instrumentIndex, closeSide, closedQty, markPrice)
	if err != nil {
		panic(fmt.Sprintf("FATAL: liquidation fill failed for %s: %v", trader, err))
	}

	if fillRes.MarginReleased > 0 {
		if err := e.collateral.Release(trader, fillRes.MarginReleased); err != nil {
			panic(fmt.Sprintf("FATAL: margin release failed during liquidation of %s: %v", trader, err))
		}
	}

	var insuranceDraw fixedpoint.FixedPoint
	if fillRes.RealizedPnL != 0 {
		if shortfall := e.collateral.ApplyPnL(trader, fillRes.RealizedPnL); shortfall > 0 {
			// Bankruptcy: loss beyond the owner's collateral is covered
			// by the insurance fund.
			insuranceDraw = shortfall
			if err := e.collateral.Withdraw(collateral.InsuranceFundAccount, shortfall); err != nil {
				e.log.Error().Err(err).Str("trader", trader).
					Str("deficit", shortfall.String()).
					Msg("insurance fund cannot cover liquidation deficit")
			}
			if e.metrics != nil {
				e.metrics.LiquidationDeficit.WithLabelValues(marketID).Inc()
			}
		}
	}

	// Penalty in bps of closed notional, bounded by what the owner has
	// left.
	penalty := closedQty.Mul(markPrice).MulBps(e.penaltyBps)
	if avail := e.collateral.Available(trader); penalty > avail {
		penalty = avail
	}
	if penalty > 0 {
		if err := e.collateral.Transfer(trader, liquidator, penalty); err != nil {
			panic(fmt.Sprintf("FATAL: penalty transfer failed during liquidation of %s: %v", trader, err))
		}
	}

	if err := mkt.ReleaseOpenInterest(closedQty); err != nil {
		panic(fmt.Sprintf("FATAL: open interest release failed during liquidation of %s: %v", trader, err))
	}

	result := Result{
		LiquidationID:  uuid.New(),
		Trader:         trader,
		Liquidator:     liquidator,
		ClosedQuantity: closedQty,
		MarkPrice:      markPrice,
		RealizedPnL:    fillRes.RealizedPnL,
		Penalty:        penalty,
		InsuranceDraw:  insuranceDraw,
	}

	if e.events != nil {
		ev := &event.LiquidationExecuted{
			LiquidationID:   result.LiquidationID,
			Trader:          trader,
			Liquidator:      liquidator,
			Market:          marketID,
			InstrumentIndex: instrumentIndex,
			Side:            closeSide,
			Quantity:        closedQty,
			MarkPrice:       markPrice,
			RealizedPnL:     fillRes.RealizedPnL,
			Penalty:         penalty,
			InsuranceDraw:   insuranceDraw,
			Timestamp:       now,
		}
		if _, _, err := e.events.Emit(ev, now); err != nil {
			e.log.Error().Err(err).Msg("liquidation event emit failed")
		}
	}
	if e.metrics != nil {
		e.metrics.LiquidationExecuted.WithLabelValues(marketID).Inc()
		e.metrics.InsuranceFundBalance.Set(float64(e.collateral.Total(collateral.InsuranceFundAccount)))
	}
	e.log.Warn().
		Str("trader", trader).
		Str("liquidator", liquidator).
		Str("market", marketID).
		Str("quantity", closedQty.String()).
		Str("mark_price", markPrice.String()).
		Str("penalty", penalty.String()).
		Msg("position liquidated")

	return result, nil
}

// SweepMarket checks every open position on an instrument and
// liquidates the breached ones in deterministic trader order. Used by
// the background liquidation sweeper.
func (e *Engine) SweepMarket(marketID string, instrumentIndex int, liquidator string) ([]Result, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	od, err := e.oracles.Latest(marketID, e.now().Unix())
	if err != nil {
		return nil, err
	}
	mmBps := mkt.Risk().MaintenanceMarginBps

	open := e.positions.AllOn(marketID, instrumentIndex)
	sort.Slice(open, func(i, j int) bool { return open[i].Trader < open[j].Trader })

	var results []Result
	for _, pos := range open {
		if !CheckLiquidatable(pos, od.Realized, mmBps) {
			continue
		}
		res, err := e.Liquidate(pos.Trader, marketID, instrumentIndex, liquidator)
		if err != nil {
			if errors.Is(err, ErrNotLiquidatable) || errors.Is(err, ErrPositionNotFound) {
				continue
			}
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

package position

import (
	"errors"
	"fmt"
	"sync"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrFundingReplayed  = errors.New("funding index already applied")
)

// Position is one trader's exposure on one instrument. Size is signed:
// positive for long (Bid-origin), negative for short (Ask-origin).
// Margin is collateral locked against the position and is never negative.
type Position struct {
	Trader           string
	MarketID         string
	InstrumentIndex  int
	Size             fixedpoint.FixedPoint
	EntryPrice       fixedpoint.FixedPoint // volume-weighted on increase
	Margin           fixedpoint.FixedPoint
	LastFundingIndex int64
	Version          int64 // bumped on every mutation
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	return p.Size.Sign()
}

// Notional returns |size| * price (descaled).
func (p *Position) Notional(price fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	return p.Size.Abs().Mul(price)
}

// MarkToMarket returns unrealized PnL at the given mark price:
// (markPrice - entryPrice) * size. The signed size makes the sign
// correct for both directions.
func MarkToMarket(p Position, markPrice fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	return markPrice.Sub(p.EntryPrice).Mul(p.Size)
}

type key struct {
	trader          string
	marketID        string
	instrumentIndex int
}

// FillResult describes how a fill changed a position. OpenedQuantity and
// ClosedQuantity drive market open-interest accounting; MarginReleased is
// the locked margin freed by the closed portion.
type FillResult struct {
	Position        Position // snapshot after the fill
	RealizedPnL     fixedpoint.FixedPoint
	OpenedQuantity  fixedpoint.FixedPoint
	ClosedQuantity  fixedpoint.FixedPoint
	MarginReleased  fixedpoint.FixedPoint
}

// Ledger tracks per-(trader, market, instrument) positions. Mutated only
// by order commits, funding ticks, and liquidations; every mutation is a
// single critical section.
type Ledger struct {
	mu        sync.Mutex
	positions map[key]*Position
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[key]*Position),
	}
}

// Get returns a copy of the position, if any.
func (l *Ledger) Get(trader, marketID string, instrumentIndex int) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[key{trader, marketID, instrumentIndex}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// AllOn returns copies of all non-flat positions on one instrument.
func (l *Ledger) AllOn(marketID string, instrumentIndex int) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Position, 0)
	for k, p := range l.positions {
		if k.marketID == marketID && k.instrumentIndex == instrumentIndex && !p.IsFlat() {
			result = append(result, *p)
		}
	}
	return result
}

// ApplyFill mutates the position for a fill of `quantity` at `price` on
// `side`. Handles open, increase (volume-weighted entry), partial reduce
// (PnL realized on the closed portion, entry unchanged), full close, and
// flip (close + open remainder at the fill price).
func (l *Ledger) ApplyFill(
	trader, marketID string,
	instrumentIndex int,
	side market.Side,
	quantity, price fixedpoint.FixedPoint,
) (FillResult, error) {
	if quantity <= 0 {
		return FillResult{}, fmt.Errorf("fill quantity must be > 0, got %d", quantity)
	}
	if price <= 0 {
		return FillResult{}, fmt.Errorf("fill price must be > 0, got %d", price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{trader, marketID, instrumentIndex}
	p, ok := l.positions[k]
	if !ok {
		p = &Position{
			Trader:          trader,
			MarketID:        marketID,
			InstrumentIndex: instrumentIndex,
		}
		l.positions[k] = p
	}

	signedQty := quantity
	if side == market.SideAsk {
		signedQty = -quantity
	}

	var result FillResult

	switch {
	case p.Size == 0:
		// Open
		p.Size = signedQty
		p.EntryPrice = price
		result.OpenedQuantity = quantity

	case p.Size.Sign() == signedQty.Sign():
		// Increase: volume-weight the entry price on absolute sizes.
		p.EntryPrice = fixedpoint.WeightedAverage(p.Size.Abs(), p.EntryPrice, quantity, price)
		p.Size += signedQty
		result.OpenedQuantity = quantity

	case quantity < p.Size.Abs():
		// Partial reduce: realize PnL on the closed portion. The sign
		// flips for shorts, where a falling price is a gain.
		pnl := price.Sub(p.EntryPrice).Mul(quantity)
		if p.Size < 0 {
			pnl = -pnl
		}
		result.RealizedPnL = pnl
		result.ClosedQuantity = quantity
		result.MarginReleased = fixedpoint.MulDiv(p.Margin, quantity, p.Size.Abs())
		p.Margin -= result.MarginReleased
		p.Size += signedQty

	case quantity == p.Size.Abs():
		// Full close: all margin released, entry reset.
		pnl := price.Sub(p.EntryPrice).Mul(quantity)
		if p.Size < 0 {
			pnl = -pnl
		}
		result.RealizedPnL = pnl
		result.ClosedQuantity = quantity
		result.MarginReleased = p.Margin
		p.Margin = 0
		p.Size = 0
		p.EntryPrice = 0

	default:
		// Flip: close the whole position, open the remainder opposite.
		closedQty := p.Size.Abs()
		pnl := price.Sub(p.EntryPrice).Mul(closedQty)
		if p.Size < 0 {
			pnl = -pnl
		}
		result.RealizedPnL = pnl
		result.ClosedQuantity = closedQty
		result.MarginReleased = p.Margin
		result.OpenedQuantity = quantity - closedQty
		p.Margin = 0
		p.Size = signedQty + p.Size
		p.EntryPrice = price
	}

	p.Version++
	result.Position = *p
	return result, nil
}

// AddMargin locks additional margin against the position.
func (l *Ledger) AddMargin(trader, marketID string, instrumentIndex int, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("margin amount must be > 0, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[key{trader, marketID, instrumentIndex}]
	if !ok {
		return ErrPositionNotFound
	}
	p.Margin += amount
	p.Version++
	return nil
}

// ApplyFunding transfers a funding payment against the position margin.
// Positive payment debits the position (it pays the pool); negative
// credits it. The funding index must be strictly greater than the last
// applied one. Replaying an index is rejected so funding is never
// double-applied. A debit beyond the margin floors at zero and reports
// the shortfall; margin never goes negative.
func (l *Ledger) ApplyFunding(
	trader, marketID string,
	instrumentIndex int,
	payment fixedpoint.FixedPoint,
	fundingIndex int64,
) (paid fixedpoint.FixedPoint, shortfall fixedpoint.FixedPoint, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[key{trader, marketID, instrumentIndex}]
	if !ok {
		return 0, 0, ErrPositionNotFound
	}
	if fundingIndex <= p.LastFundingIndex {
		return 0, 0, ErrFundingReplayed
	}

	p.LastFundingIndex = fundingIndex
	p.Version++

	if payment >= 0 {
		if payment > p.Margin {
			shortfall = payment - p.Margin
			paid = p.Margin
			p.Margin = 0
			return paid, shortfall, nil
		}
		p.Margin -= payment
		return payment, 0, nil
	}

	p.Margin += -payment
	return payment, 0, nil
}

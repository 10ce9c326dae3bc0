package event

import (
	"time"

	"github.com/google/uuid"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
)

// LiquidationExecuted is emitted when a position is forcibly reduced.
// Idempotency key: liquidation_id.
type LiquidationExecuted struct {
	LiquidationID   uuid.UUID             `json:"liquidation_id"`
	Trader          string                `json:"trader"`
	Liquidator      string                `json:"liquidator"`
	Market          string                `json:"market"`
	InstrumentIndex int                   `json:"instrument_index"`
	Side            market.Side           `json:"side"` // forced closing side
	Quantity        fixedpoint.FixedPoint `json:"quantity"`
	MarkPrice       fixedpoint.FixedPoint `json:"mark_price"`
	RealizedPnL     fixedpoint.FixedPoint `json:"realized_pnl"`
	Penalty         fixedpoint.FixedPoint `json:"penalty"`
	InsuranceDraw   fixedpoint.FixedPoint `json:"insurance_draw"`
	Timestamp       time.Time             `json:"timestamp"`
}

func (e *LiquidationExecuted) IdempotencyKey() string { return e.LiquidationID.String() }
func (e *LiquidationExecuted) EventType() Type        { return TypeLiquidationExecuted }
func (e *LiquidationExecuted) MarketID() string       { return e.Market }

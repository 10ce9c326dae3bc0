package event

import (
	"time"

	"github.com/google/uuid"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
)

// HoldReserved is emitted when an admission hold is created.
// Idempotency key: hold_id.
type HoldReserved struct {
	HoldID          uuid.UUID             `json:"hold_id"`
	Trader          string                `json:"trader"`
	Market          string                `json:"market"`
	InstrumentIndex int                   `json:"instrument_index"`
	Side            market.Side           `json:"side"`
	Quantity        fixedpoint.FixedPoint `json:"quantity"`
	LimitPrice      fixedpoint.FixedPoint `json:"limit_price"`
	ExpiryTimestamp int64                 `json:"expiry_timestamp"`
	Timestamp       time.Time             `json:"timestamp"`
}

func (e *HoldReserved) IdempotencyKey() string { return e.HoldID.String() }
func (e *HoldReserved) EventType() Type        { return TypeHoldReserved }
func (e *HoldReserved) MarketID() string       { return e.Market }

// HoldCancelled is emitted when a hold is cancelled or expires.
// Idempotency key: hold_id (a hold terminates at most once).
type HoldCancelled struct {
	HoldID    uuid.UUID `json:"hold_id"`
	Trader    string    `json:"trader"`
	Market    string    `json:"market"`
	Expired   bool      `json:"expired"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *HoldCancelled) IdempotencyKey() string { return e.HoldID.String() }
func (e *HoldCancelled) EventType() Type {
	if e.Expired {
		return TypeHoldExpired
	}
	return TypeHoldCancelled
}
func (e *HoldCancelled) MarketID() string { return e.Market }

// CapMinted is emitted when a spending cap token is minted.
// Idempotency key: cap_id.
type CapMinted struct {
	CapID           uuid.UUID             `json:"cap_id"`
	User            string                `json:"user"`
	Market          string                `json:"market"`
	Mint            string                `json:"mint"`
	AmountMax       fixedpoint.FixedPoint `json:"amount_max"`
	ExpiryTimestamp int64                 `json:"expiry_timestamp"`
	Nonce           uint64                `json:"nonce"`
	Timestamp       time.Time             `json:"timestamp"`
}

func (e *CapMinted) IdempotencyKey() string { return e.CapID.String() }
func (e *CapMinted) EventType() Type        { return TypeCapMinted }
func (e *CapMinted) MarketID() string       { return e.Market }

// OrderCommitted is emitted when a reserved order settles: the hold was
// consumed, the cap debited, and the fill applied to the position.
// Idempotency key: fill_id.
type OrderCommitted struct {
	FillID          uuid.UUID             `json:"fill_id"`
	HoldID          uuid.UUID             `json:"hold_id"`
	CapID           uuid.UUID             `json:"cap_id"`
	Trader          string                `json:"trader"`
	Market          string                `json:"market"`
	InstrumentIndex int                   `json:"instrument_index"`
	Side            market.Side           `json:"side"`
	Quantity        fixedpoint.FixedPoint `json:"quantity"`
	FillPrice       fixedpoint.FixedPoint `json:"fill_price"`
	MarginLocked    fixedpoint.FixedPoint `json:"margin_locked"`
	RealizedPnL     fixedpoint.FixedPoint `json:"realized_pnl"`
	PositionSize    fixedpoint.FixedPoint `json:"position_size"`
	EntryPrice      fixedpoint.FixedPoint `json:"entry_price"`
	Timestamp       time.Time             `json:"timestamp"`
}

func (e *OrderCommitted) IdempotencyKey() string { return e.FillID.String() }
func (e *OrderCommitted) EventType() Type        { return TypeOrderCommitted }
func (e *OrderCommitted) MarketID() string       { return e.Market }

// OrderRejected is emitted when a commit attempt fails a guard after the
// hold was reserved. Idempotency key: hold_id + reason.
type OrderRejected struct {
	HoldID    uuid.UUID `json:"hold_id"`
	Trader    string    `json:"trader"`
	Market    string    `json:"market"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *OrderRejected) IdempotencyKey() string { return e.HoldID.String() + ":" + e.Reason }
func (e *OrderRejected) EventType() Type        { return TypeOrderRejected }
func (e *OrderRejected) MarketID() string       { return e.Market }

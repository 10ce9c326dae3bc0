package event

import (
	"fmt"
	"time"

	"percolator/internal/fixedpoint"
)

// FundingApplied is emitted once per position per funding tick.
// Idempotency key: market:instrument:trader:funding_index, so replaying a
// tick produces the same key and is deduplicated.
type FundingApplied struct {
	Market          string                `json:"market"`
	InstrumentIndex int                   `json:"instrument_index"`
	Trader          string                `json:"trader"`
	FundingIndex    int64                 `json:"funding_index"`
	RateBps         int64                 `json:"rate_bps"` // clamped, signed
	Payment         fixedpoint.FixedPoint `json:"payment"`  // positive = position paid
	Shortfall       fixedpoint.FixedPoint `json:"shortfall"`
	Timestamp       time.Time             `json:"timestamp"`
}

func (e *FundingApplied) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s:%d", e.Market, e.InstrumentIndex, e.Trader, e.FundingIndex)
}

func (e *FundingApplied) EventType() Type  { return TypeFundingApplied }
func (e *FundingApplied) MarketID() string { return e.Market }

package event

import (
	"time"

	"percolator/internal/fixedpoint"
)

// MarketStatusChanged is emitted on freeze, unfreeze, settle, and the
// warmup to active transition. Idempotency key: market:status:timestamp.
type MarketStatusChanged struct {
	Market    string    `json:"market"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *MarketStatusChanged) IdempotencyKey() string {
	return e.Market + ":" + e.Status + ":" + e.Timestamp.UTC().Format(time.RFC3339)
}

func (e *MarketStatusChanged) EventType() Type  { return TypeMarketStatusChanged }
func (e *MarketStatusChanged) MarketID() string { return e.Market }

// RiskParamUpdate is emitted when a market authority replaces the risk
// parameters. Idempotency key: market:timestamp.
type RiskParamUpdate struct {
	Market               string                `json:"market"`
	InitialMarginBps     uint32                `json:"initial_margin_bps"`
	MaintenanceMarginBps uint32                `json:"maintenance_margin_bps"`
	BandBps              uint32                `json:"band_bps"`
	FundingCapBps        uint32                `json:"funding_cap_bps"`
	MaxLeverage          uint32                `json:"max_leverage"`
	OpenInterestCap      fixedpoint.FixedPoint `json:"open_interest_cap"`
	Timestamp            time.Time             `json:"timestamp"`
}

func (e *RiskParamUpdate) IdempotencyKey() string {
	return e.Market + ":" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

func (e *RiskParamUpdate) EventType() Type  { return TypeRiskParamUpdate }
func (e *RiskParamUpdate) MarketID() string { return e.Market }

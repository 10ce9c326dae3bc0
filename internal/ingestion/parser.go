package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"percolator/internal/fixedpoint"
	"percolator/internal/oracle"
)

var (
	ErrMissingMarket   = errors.New("market_id is required")
	ErrInvalidWindow   = errors.New("valid_to must be after valid_from")
	ErrInvalidPrice    = errors.New("price must be > 0")
	ErrInvalidSequence = errors.New("sequence must be > 0")
)

// MarkPriceUpdate is the inbound oracle observation on perc.prices.>.
// Prices are scaled fixed-point integers; the validity window is unix
// seconds, half-open.
type MarkPriceUpdate struct {
	MarketID  string `json:"market_id"`
	Nowcast   int64  `json:"nowcast"`
	Realized  int64  `json:"realized"`
	ValidFrom int64  `json:"valid_from"`
	ValidTo   int64  `json:"valid_to"`
	Sequence  int64  `json:"sequence"`
}

// FundingRateSnapshot is the inbound funding input on perc.funding.rates.>.
type FundingRateSnapshot struct {
	MarketID        string `json:"market_id"`
	InstrumentIndex int    `json:"instrument_index"`
	RateBps         int64  `json:"rate_bps"`
	FundingIndex    int64  `json:"funding_index"`
}

// ParseMarkPriceUpdate decodes and validates an oracle update.
func ParseMarkPriceUpdate(data []byte) (MarkPriceUpdate, error) {
	var upd MarkPriceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return MarkPriceUpdate{}, fmt.Errorf("decode mark price update: %w", err)
	}
	if upd.MarketID == "" {
		return MarkPriceUpdate{}, ErrMissingMarket
	}
	if upd.Realized <= 0 || upd.Nowcast <= 0 {
		return MarkPriceUpdate{}, ErrInvalidPrice
	}
	if upd.ValidTo <= upd.ValidFrom {
		return MarkPriceUpdate{}, ErrInvalidWindow
	}
	if upd.Sequence <= 0 {
		return MarkPriceUpdate{}, ErrInvalidSequence
	}
	return upd, nil
}

// OracleData converts the update to the cache representation.
func (u MarkPriceUpdate) OracleData() oracle.Data {
	return oracle.Data{
		Nowcast:   fixedpoint.FixedPoint(u.Nowcast),
		Realized:  fixedpoint.FixedPoint(u.Realized),
		ValidFrom: u.ValidFrom,
		ValidTo:   u.ValidTo,
	}
}

// ParseFundingRateSnapshot decodes and validates a funding input.
func ParseFundingRateSnapshot(data []byte) (FundingRateSnapshot, error) {
	var snap FundingRateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return FundingRateSnapshot{}, fmt.Errorf("decode funding snapshot: %w", err)
	}
	if snap.MarketID == "" {
		return FundingRateSnapshot{}, ErrMissingMarket
	}
	if snap.InstrumentIndex < 0 {
		return FundingRateSnapshot{}, fmt.Errorf("instrument_index must be >= 0, got %d", snap.InstrumentIndex)
	}
	if snap.FundingIndex <= 0 {
		return FundingRateSnapshot{}, ErrInvalidSequence
	}
	return snap, nil
}

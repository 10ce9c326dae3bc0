package market

import (
	"fmt"

	"percolator/internal/fixedpoint"
)

// RiskParams defines margin requirements and risk limits for one market.
// Immutable while the market is Active; updates are accepted only in
// Warmup or Frozen status (see Market.SetRiskParams).
type RiskParams struct {
	InitialMarginBps     uint32 // Initial margin requirement (bps of notional)
	MaintenanceMarginBps uint32 // Maintenance margin requirement (bps, < initial)
	BandBps              uint32 // Price band half-width (bps around oracle)
	FundingCapBps        uint32 // Max absolute funding rate per tick (bps)
	MaxLeverage          uint32 // Maximum leverage allowed (>= 1)
	OpenInterestCap      fixedpoint.FixedPoint
}

// WarmupConfig restricts risk during a market's initial trading period.
type WarmupConfig struct {
	Enabled          bool
	ShortEnabled     bool
	ShortLeverageCap uint32
	EndTimestamp     int64 // Unix seconds
}

// ActiveAt reports whether the warmup window is still in force at the
// given time.
func (w WarmupConfig) ActiveAt(now int64) bool {
	return w.Enabled && now < w.EndTimestamp
}

// InstrumentConfig describes one tradeable instrument on a market.
type InstrumentConfig struct {
	Symbol       string
	TickSize     fixedpoint.FixedPoint // Minimum price increment (> 0)
	LotSize      fixedpoint.FixedPoint // Minimum size increment (> 0)
	ContractSize fixedpoint.FixedPoint // Contract multiplier (> 0)
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// mm > 0, im > mm, im < 10000 bps, max_leverage >= 1, oi_cap >= 0.
func ValidateRiskParams(p RiskParams) error {
	if p.MaintenanceMarginBps == 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0")
	}
	if p.InitialMarginBps <= p.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps >= fixedpoint.BpsDenominator {
		return fmt.Errorf("initial_margin_bps must be < %d, got %d",
			fixedpoint.BpsDenominator, p.InitialMarginBps)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1, got %d", p.MaxLeverage)
	}
	if p.OpenInterestCap < 0 {
		return fmt.Errorf("open_interest_cap must be >= 0, got %d", p.OpenInterestCap)
	}
	return nil
}

// ValidateInstrumentConfig checks tick/lot/contract sizes are positive.
func ValidateInstrumentConfig(ic InstrumentConfig) error {
	if ic.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if ic.TickSize <= 0 {
		return fmt.Errorf("tick_size must be > 0, got %d", ic.TickSize)
	}
	if ic.LotSize <= 0 {
		return fmt.Errorf("lot_size must be > 0, got %d", ic.LotSize)
	}
	if ic.ContractSize <= 0 {
		return fmt.Errorf("contract_size must be > 0, got %d", ic.ContractSize)
	}
	return nil
}

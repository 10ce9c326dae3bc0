package pipeline

import (
	"errors"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
)

var (
	ErrMarketUnavailable          = errors.New("market unavailable")
	ErrShortsDisabledDuringWarmup = errors.New("shorts disabled during warmup")
	ErrLeverageCapExceeded        = errors.New("leverage exceeds cap")
	ErrNotAligned                 = errors.New("price or quantity not aligned to tick/lot size")
	ErrPriceOutOfBand             = errors.New("limit price outside oracle band")
	ErrInsufficientMargin         = errors.New("insufficient collateral for required margin")
)

// CheckWarmupGuards enforces the warmup-phase short restrictions. Outside
// warmup the guard always passes; leverage against the market-wide max is
// checked separately.
func CheckWarmupGuards(status market.Status, warmup market.WarmupConfig, side market.Side, leverage uint32) error {
	if status != market.StatusWarmup {
		return nil
	}
	if side != market.SideAsk {
		return nil
	}
	if !warmup.ShortEnabled {
		return ErrShortsDisabledDuringWarmup
	}
	if leverage > warmup.ShortLeverageCap {
		return ErrLeverageCapExceeded
	}
	return nil
}

// ValidatePriceBands checks a limit price against the oracle reference:
// admitted iff price is within [oracle / (1 + band), oracle * (1 + band)],
// band = bandBps/10000. Both bounds inclusive; arithmetic truncates
// toward zero so the band never widens through rounding.
func ValidatePriceBands(limitPrice, oraclePrice fixedpoint.FixedPoint, bandBps uint32) error {
	denom := fixedpoint.FixedPoint(fixedpoint.BpsDenominator + int64(bandBps))
	lower := fixedpoint.MulDiv(oraclePrice, fixedpoint.BpsDenominator, denom)
	upper := fixedpoint.MulDiv(oraclePrice, denom, fixedpoint.BpsDenominator)

	if limitPrice < lower || limitPrice > upper {
		return ErrPriceOutOfBand
	}
	return nil
}

// CalculateRequiredMargin returns the initial margin for an order:
// notional * initialMarginBps / 10000, where notional folds in the
// contract multiplier.
func CalculateRequiredMargin(quantity, price, contractSize fixedpoint.FixedPoint, initialMarginBps uint32) fixedpoint.FixedPoint {
	notional := quantity.Mul(price).Mul(contractSize)
	return notional.MulBps(initialMarginBps)
}

// CalculateLiquidationPrice returns the price at which a position hits
// its maintenance margin:
//
//	long:  entry * (1 - maintenanceMarginBps/10000)
//	short: entry * (1 + maintenanceMarginBps/10000)
func CalculateLiquidationPrice(entryPrice fixedpoint.FixedPoint, side market.Side, maintenanceMarginBps uint32) fixedpoint.FixedPoint {
	if side == market.SideBid {
		return entryPrice.MulBps(uint32(fixedpoint.BpsDenominator) - maintenanceMarginBps)
	}
	return entryPrice.MulBps(uint32(fixedpoint.BpsDenominator) + maintenanceMarginBps)
}

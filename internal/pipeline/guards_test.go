package pipeline_test

import (
	"errors"
	"testing"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
	"percolator/internal/pipeline"
)

func TestCheckWarmupGuards(t *testing.T) {
	shortsOff := market.WarmupConfig{Enabled: true, ShortEnabled: false}
	shortsCapped := market.WarmupConfig{Enabled: true, ShortEnabled: true, ShortLeverageCap: 3}

	cases := []struct {
		name     string
		status   market.Status
		warmup   market.WarmupConfig
		side     market.Side
		leverage uint32
		wantErr  error
	}{
		{"active market ignores warmup", market.StatusActive, shortsOff, market.SideAsk, 10, nil},
		{"bid allowed during warmup", market.StatusWarmup, shortsOff, market.SideBid, 10, nil},
		{"shorts disabled", market.StatusWarmup, shortsOff, market.SideAsk, 1, pipeline.ErrShortsDisabledDuringWarmup},
		{"short above leverage cap", market.StatusWarmup, shortsCapped, market.SideAsk, 4, pipeline.ErrLeverageCapExceeded},
		{"short at leverage cap", market.StatusWarmup, shortsCapped, market.SideAsk, 3, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pipeline.CheckWarmupGuards(tc.status, tc.warmup, tc.side, tc.leverage)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePriceBands(t *testing.T) {
	oracle := fixedpoint.FromInt(100)
	const bandBps = 1000 // 10%

	cases := []struct {
		price fixedpoint.FixedPoint
		ok    bool
	}{
		{fixedpoint.FromInt(109), true},
		{fixedpoint.FromInt(110), true}, // upper bound inclusive
		{fixedpoint.FromInt(111), false},
		{fixedpoint.FromInt(91), true},
		{fixedpoint.FromInt(89), false},
		{oracle, true},
	}

	for _, tc := range cases {
		err := pipeline.ValidatePriceBands(tc.price, oracle, bandBps)
		if tc.ok && err != nil {
			t.Errorf("price %s: unexpected rejection: %v", tc.price, err)
		}
		if !tc.ok && !errors.Is(err, pipeline.ErrPriceOutOfBand) {
			t.Errorf("price %s: got %v, want ErrPriceOutOfBand", tc.price, err)
		}
	}
}

func TestCalculateRequiredMargin(t *testing.T) {
	// 10 units at 100.0, contract size 1, 10% initial margin -> 100.0
	got := pipeline.CalculateRequiredMargin(
		fixedpoint.FromInt(10), fixedpoint.FromInt(100), fixedpoint.One, 1000)
	if got != fixedpoint.FromInt(100) {
		t.Errorf("got %s, want 100", got)
	}
}

func TestCalculateLiquidationPrice(t *testing.T) {
	entry := fixedpoint.FromInt(100)

	// Long at 250 bps maintenance: 100 * 0.975 = 97.5
	if got := pipeline.CalculateLiquidationPrice(entry, market.SideBid, 250); got != fixedpoint.FixedPoint(97_500_000) {
		t.Errorf("long: got %s, want 97.500000", got)
	}
	// Short: 100 * 1.025 = 102.5
	if got := pipeline.CalculateLiquidationPrice(entry, market.SideAsk, 250); got != fixedpoint.FixedPoint(102_500_000) {
		t.Errorf("short: got %s, want 102.500000", got)
	}
}

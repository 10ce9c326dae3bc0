package fixedpoint_test

import (
	"testing"

	"percolator/internal/fixedpoint"
)

func TestFromInt(t *testing.T) {
	v := fixedpoint.FromInt(100)
	if v.Int64() != 100_000_000 {
		t.Errorf("got %d, want 100_000_000", v.Int64())
	}
}

func TestMul(t *testing.T) {
	// 2.5 * 4.0 = 10.0
	a := fixedpoint.FixedPoint(2_500_000)
	b := fixedpoint.FixedPoint(4_000_000)
	got := a.Mul(b)
	if got != 10_000_000 {
		t.Errorf("got %d, want 10_000_000", got)
	}
}

func TestMul_LargeOperands(t *testing.T) {
	// 50_000.0 * 50_000.0 overflows int64 without an int128 intermediate.
	a := fixedpoint.FromInt(50_000)
	b := fixedpoint.FromInt(50_000)
	got := a.Mul(b)
	want := fixedpoint.FromInt(2_500_000_000)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestDiv_TruncatesTowardZero(t *testing.T) {
	cases := []struct {
		name string
		a, b fixedpoint.FixedPoint
		want fixedpoint.FixedPoint
	}{
		// 1.0 / 3.0 = 0.333333 (truncated, not rounded up)
		{"positive", fixedpoint.One, fixedpoint.FromInt(3), 333_333},
		// -1.0 / 3.0 = -0.333333 (toward zero, not toward -inf)
		{"negative numerator", -fixedpoint.One, fixedpoint.FromInt(3), -333_333},
		// 1.0 / -3.0 = -0.333333
		{"negative denominator", fixedpoint.One, fixedpoint.FromInt(-3), -333_333},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.a.Div(tc.b)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDiv_ByZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on division by zero")
		}
	}()
	fixedpoint.One.Div(0)
}

func TestMulBps(t *testing.T) {
	// 1000.0 * 250 bps = 25.0
	v := fixedpoint.FromInt(1000)
	got := v.MulBps(250)
	if got != fixedpoint.FromInt(25) {
		t.Errorf("got %d, want %d", got, fixedpoint.FromInt(25))
	}
}

func TestIsAligned(t *testing.T) {
	tick := fixedpoint.FixedPoint(10_000) // 0.01
	if !fixedpoint.FixedPoint(105_230_000).IsAligned(tick) {
		t.Error("105.23 should align to 0.01")
	}
	if fixedpoint.FixedPoint(105_235_500).IsAligned(tick) {
		t.Error("105.2355 should not align to 0.01")
	}
	if fixedpoint.One.IsAligned(0) {
		t.Error("zero step never aligns")
	}
}

func TestWeightedAverage(t *testing.T) {
	// 10 @ 100.0 plus 10 @ 200.0 -> 150.0
	got := fixedpoint.WeightedAverage(
		fixedpoint.FromInt(10), fixedpoint.FromInt(100),
		fixedpoint.FromInt(10), fixedpoint.FromInt(200),
	)
	if got != fixedpoint.FromInt(150) {
		t.Errorf("got %d, want %d", got, fixedpoint.FromInt(150))
	}
}

func TestWeightedAverage_UnevenSizes(t *testing.T) {
	// 30 @ 100.0 plus 10 @ 200.0 -> 125.0
	got := fixedpoint.WeightedAverage(
		fixedpoint.FromInt(30), fixedpoint.FromInt(100),
		fixedpoint.FromInt(10), fixedpoint.FromInt(200),
	)
	if got != fixedpoint.FromInt(125) {
		t.Errorf("got %d, want %d", got, fixedpoint.FromInt(125))
	}
}

func TestSign(t *testing.T) {
	if fixedpoint.FromInt(5).Sign() != 1 {
		t.Error("positive sign")
	}
	if fixedpoint.FromInt(-5).Sign() != -1 {
		t.Error("negative sign")
	}
	if fixedpoint.FixedPoint(0).Sign() != 0 {
		t.Error("zero sign")
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		v    fixedpoint.FixedPoint
		want string
	}{
		{fixedpoint.FixedPoint(100_250_000), "100.250000"},
		{fixedpoint.FixedPoint(-1_500), "-0.001500"},
		{0, "0.000000"},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String(%d): got %q, want %q", tc.v, got, tc.want)
		}
	}
}

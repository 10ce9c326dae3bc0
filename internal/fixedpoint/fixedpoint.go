package fixedpoint

import (
	"fmt"
	"math/big"
	"sync"
)

// FixedPoint is a scaled signed integer: real value * 10^6.
// All prices, sizes, and money amounts in the settlement path use this
// representation; no floating point anywhere.
type FixedPoint int64

const (
	// DecimalPrecision is the number of decimal places carried.
	DecimalPrecision = 6

	// Scale is 10^DecimalPrecision.
	Scale FixedPoint = 1_000_000

	// One is the fixed-point representation of 1.0.
	One = Scale

	// BpsDenominator converts basis points to a fraction (10000 bps = 100%).
	BpsDenominator = 10_000
)

// intermediatePool holds big.Int values reused for int128 intermediates.
var intermediatePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getIntermediate() *big.Int {
	return intermediatePool.Get().(*big.Int)
}

func putIntermediate(v *big.Int) {
	v.SetInt64(0)
	intermediatePool.Put(v)
}

// FromInt converts a whole-number quantity to fixed point.
func FromInt(v int64) FixedPoint {
	return FixedPoint(v) * Scale
}

// Int64 returns the raw scaled integer.
func (f FixedPoint) Int64() int64 {
	return int64(f)
}

// IsNegative reports whether the value is below zero.
func (f FixedPoint) IsNegative() bool {
	return f < 0
}

// Abs returns the absolute value.
func (f FixedPoint) Abs() FixedPoint {
	if f < 0 {
		return -f
	}
	return f
}

// Sign returns -1, 0, or +1.
func (f FixedPoint) Sign() int64 {
	switch {
	case f < 0:
		return -1
	case f > 0:
		return 1
	default:
		return 0
	}
}

// Add returns f + other. Plain integer addition: both operands share the scale.
func (f FixedPoint) Add(other FixedPoint) FixedPoint {
	return f + other
}

// Sub returns f - other.
func (f FixedPoint) Sub(other FixedPoint) FixedPoint {
	return f - other
}

// Mul returns f * other descaled by Scale, computed through an int128
// intermediate to prevent overflow. The quotient truncates toward zero.
func (f FixedPoint) Mul(other FixedPoint) FixedPoint {
	return mulDiv(int64(f), int64(other), int64(Scale))
}

// Div returns f / other rescaled by Scale. Truncates toward zero.
// Panics on division by zero: a zero divisor in the settlement path is
// an invariant violation, not a recoverable condition.
func (f FixedPoint) Div(other FixedPoint) FixedPoint {
	if other == 0 {
		panic("FATAL: fixedpoint division by zero")
	}
	return mulDiv(int64(f), int64(Scale), int64(other))
}

// MulBps applies a basis-point fraction: f * bps / 10000, truncating toward zero.
func (f FixedPoint) MulBps(bps uint32) FixedPoint {
	return mulDiv(int64(f), int64(bps), BpsDenominator)
}

// mulDiv computes a * b / denom through a big.Int intermediate.
// big.Int Quo truncates toward zero, which is the deterministic rounding
// rule for the whole settlement path.
func mulDiv(a, b, denom int64) FixedPoint {
	num := getIntermediate()
	num.SetInt64(a)

	factor := getIntermediate()
	factor.SetInt64(b)

	num.Mul(num, factor)
	factor.SetInt64(denom)
	num.Quo(num, factor)

	result := num.Int64()

	putIntermediate(num)
	putIntermediate(factor)

	return FixedPoint(result)
}

// MulDiv exposes the truncating a*b/denom primitive for callers that need
// a custom denominator (e.g. notional = size * price / Scale with a
// contract multiplier folded in).
func MulDiv(a, b, denom FixedPoint) FixedPoint {
	if denom == 0 {
		panic("FATAL: fixedpoint division by zero")
	}
	return mulDiv(int64(a), int64(b), int64(denom))
}

// IsAligned reports whether f is an exact integer multiple of step.
func (f FixedPoint) IsAligned(step FixedPoint) bool {
	if step <= 0 {
		return false
	}
	return f%step == 0
}

// WeightedAverage computes (sizeA*priceA + sizeB*priceB) / (sizeA+sizeB)
// through int128 intermediates. Used for volume-weighted entry prices.
// Truncates toward zero. Panics if sizeA+sizeB == 0.
func WeightedAverage(sizeA, priceA, sizeB, priceB FixedPoint) FixedPoint {
	total := sizeA + sizeB
	if total == 0 {
		panic("FATAL: weighted average over zero total size")
	}

	termA := getIntermediate()
	termA.SetInt64(int64(sizeA))
	scratch := getIntermediate()
	scratch.SetInt64(int64(priceA))
	termA.Mul(termA, scratch)

	termB := getIntermediate()
	termB.SetInt64(int64(sizeB))
	scratch.SetInt64(int64(priceB))
	termB.Mul(termB, scratch)

	termA.Add(termA, termB)
	scratch.SetInt64(int64(total))
	termA.Quo(termA, scratch)

	result := termA.Int64()

	putIntermediate(termA)
	putIntermediate(termB)
	putIntermediate(scratch)

	return FixedPoint(result)
}

// String renders the value with 6 decimal places, e.g. "100.250000".
func (f FixedPoint) String() string {
	sign := ""
	v := int64(f)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/int64(Scale), v%int64(Scale))
}

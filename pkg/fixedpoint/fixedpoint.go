// Package fixedpoint provides the integer fixed-point arithmetic used for every
// amount and rate in the vault ledger.
//
// Amounts are unsigned 256-bit integers expressed in the asset's smallest unit.
// Rates are annualized and WAD-scaled (1e18 == 100%). Every division floors, so
// rounding can never credit a participant more than was actually earned.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// WadUnit is the scaling factor for rates (1e18 == 100%).
	WadUnit uint64 = 1_000_000_000_000_000_000
	// BpsDenominator is the basis point denominator (10000 == 100%).
	BpsDenominator uint64 = 10_000
	// SecondsPerYear is the accrual period for annualized rates (365 days).
	SecondsPerYear uint64 = 365 * 24 * 60 * 60
)

var (
	// ErrNegative is returned when parsing a negative decimal amount
	ErrNegative = errors.New("amount must not be negative")
	// ErrPrecision is returned when a decimal has more places than the asset supports
	ErrPrecision = errors.New("amount exceeds asset precision")
	// ErrOverflow is returned when a value does not fit in 256 bits
	ErrOverflow = errors.New("amount overflows 256 bits")
)

// Zero returns the zero amount.
func Zero() uint256.Int {
	return uint256.Int{}
}

// FromUint64 converts a machine integer to an amount.
func FromUint64(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}

// Wad returns 1e18.
func Wad() uint256.Int {
	return FromUint64(WadUnit)
}

// Add returns a+b. It panics on overflow: 2^256 base units cannot be reached by
// real balances, so an overflow means corrupted input.
func Add(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		panic("fixedpoint: addition overflow")
	}
	return z
}

// TrySub returns a-b and false when the subtraction would underflow.
func TrySub(a, b uint256.Int) (uint256.Int, bool) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&a, &b); underflow {
		return uint256.Int{}, false
	}
	return z, true
}

// Sub returns a-b and panics on underflow. Callers check the ordering first.
func Sub(a, b uint256.Int) uint256.Int {
	z, ok := TrySub(a, b)
	if !ok {
		panic("fixedpoint: subtraction underflow")
	}
	return z
}

// Sum adds all values.
func Sum(values ...uint256.Int) uint256.Int {
	total := Zero()
	for _, v := range values {
		total = Add(total, v)
	}
	return total
}

// Min returns the smaller value.
func Min(a, b uint256.Int) uint256.Int {
	if a.Lt(&b) {
		return a
	}
	return b
}

// Cmp compares a and b (-1, 0, +1).
func Cmp(a, b uint256.Int) int {
	return a.Cmp(&b)
}

// MulDiv returns floor(x*y/d) using a 512-bit intermediate product.
// A zero divisor yields zero.
func MulDiv(x, y, d uint256.Int) uint256.Int {
	if d.IsZero() {
		return Zero()
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&x, &y, &d); overflow {
		panic("fixedpoint: mul-div overflow")
	}
	return z
}

// Mul returns x*y and panics on overflow.
func Mul(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow {
		panic("fixedpoint: multiplication overflow")
	}
	return z
}

// MulUint64 returns x*n.
func MulUint64(x uint256.Int, n uint64) uint256.Int {
	var z uint256.Int
	m := FromUint64(n)
	if _, overflow := z.MulOverflow(&x, &m); overflow {
		panic("fixedpoint: multiplication overflow")
	}
	return z
}

// Bps returns floor(x*bps/10000).
func Bps(x uint256.Int, bps uint64) uint256.Int {
	return MulDiv(x, FromUint64(bps), FromUint64(BpsDenominator))
}

// Encode renders an amount as a base-10 string for storage.
func Encode(x uint256.Int) string {
	return x.Dec()
}

// Decode parses a base-10 string produced by Encode.
func Decode(s string) (uint256.Int, error) {
	if s == "" {
		return Zero(), nil
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("failed to decode amount %q: %w", s, err)
	}
	return *z, nil
}

// ParseUnits parses a human decimal ("1000.25") into base units for an asset
// with the given number of decimals.
func ParseUnits(s string, decimals int32) (uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return uint256.Int{}, ErrNegative
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return uint256.Int{}, fmt.Errorf("%w: %s with %d decimals", ErrPrecision, s, decimals)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return uint256.Int{}, ErrOverflow
	}
	return *z, nil
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string, decimals int32) uint256.Int {
	z, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return z
}

// FormatUnits renders base units as a human decimal.
func FormatUnits(x uint256.Int, decimals int32) string {
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// ParseRatePercent parses an annual percentage ("5", "4.25%") into a WAD rate.
func ParseRatePercent(s string) (uint256.Int, error) {
	return ParseUnits(strings.TrimSuffix(strings.TrimSpace(s), "%"), 16)
}

// FormatRatePercent renders a WAD rate as a percentage string.
func FormatRatePercent(rate uint256.Int) string {
	return FormatUnits(rate, 16)
}

// ToFloat converts an amount to float64 for reporting only. Never feed the
// result back into accounting.
func ToFloat(x uint256.Int) float64 {
	return decimal.NewFromBigInt(x.ToBig(), 0).InexactFloat64()
}

// Ratio returns x/y as float64 for reporting; zero when y is zero.
func Ratio(x, y uint256.Int) float64 {
	if y.IsZero() {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), 0).
		DivRound(decimal.NewFromBigInt(y.ToBig(), 0), 18).
		InexactFloat64()
}

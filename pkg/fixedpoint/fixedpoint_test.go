package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDiv_Floors(t *testing.T) {
	tests := []struct {
		name     string
		x, y, d  uint64
		expected uint64
	}{
		{"exact", 100, 70, 100, 70},
		{"floor", 33, 70, 100, 23},
		{"floor high", 9, 99, 100, 8},
		{"zero divisor", 5, 5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(FromUint64(tt.x), FromUint64(tt.y), FromUint64(tt.d))
			assert.Equal(t, tt.expected, got.Uint64())
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 1e9 units * 5e16 rate * 31536000s does not fit in 64 bits before the divide.
	principal := MustParseUnits("1000", 6)
	rate := MustParseUnits("0.05", 18)
	numerator := MulUint64(principal, SecondsPerYear)
	denominator := MulUint64(Wad(), SecondsPerYear)

	accrued := MulDiv(numerator, rate, denominator)
	assert.Equal(t, "50000000", Encode(accrued))
}

func TestTrySub(t *testing.T) {
	z, ok := TrySub(FromUint64(10), FromUint64(3))
	require.True(t, ok)
	assert.Equal(t, uint64(7), z.Uint64())

	_, ok = TrySub(FromUint64(3), FromUint64(10))
	assert.False(t, ok)

	assert.Panics(t, func() { Sub(FromUint64(1), FromUint64(2)) })
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		input    string
		decimals int32
		expected string
		wantErr  bool
	}{
		{"1000", 6, "1000000000", false},
		{"1000.25", 6, "1000250000", false},
		{" 0.000001 ", 6, "1", false},
		{"0.0000001", 6, "", true},
		{"-1", 6, "", true},
		{"abc", 6, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseUnits(tt.input, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, Encode(got))
		})
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1000.25", FormatUnits(FromUint64(1000250000), 6))
	assert.Equal(t, "0", FormatUnits(Zero(), 6))
}

func TestRatePercent(t *testing.T) {
	rate, err := ParseRatePercent("5%")
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", Encode(rate))
	assert.Equal(t, "5", FormatRatePercent(rate))
}

func TestEncodeDecode(t *testing.T) {
	x := MustParseUnits("123456789.123456", 6)
	decoded, err := Decode(Encode(x))
	require.NoError(t, err)
	assert.True(t, decoded.Eq(&x))

	empty, err := Decode("")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = Decode("not-a-number")
	assert.Error(t, err)
}

func TestBpsAndRatio(t *testing.T) {
	bps := Bps(FromUint64(10000), 2500)
	assert.Equal(t, uint64(2500), bps.Uint64())
	assert.InDelta(t, 0.25, Ratio(FromUint64(1), FromUint64(4)), 1e-12)
	assert.Equal(t, 0.0, Ratio(FromUint64(1), Zero()))
}

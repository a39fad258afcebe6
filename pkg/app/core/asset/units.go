package asset

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the native asset (wei-style base units)
const NativeDecimals = 18

// ParseUnits converts a human amount ("1.5") into base units at the given precision.
// Fractions finer than the precision are rejected rather than truncated.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}

	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", s)
	}
	return out, nil
}

// MustParseUnits is ParseUnits for constants and tests
func MustParseUnits(s string, decimals uint8) *uint256.Int {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders base units as a human amount ("0.1")
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// Ether returns n whole native units in base units
func Ether(n string) *uint256.Int {
	return MustParseUnits(n, NativeDecimals)
}

// Tokens returns n whole 18-decimal token units in base units
func Tokens(n string) *uint256.Int {
	return MustParseUnits(n, 18)
}

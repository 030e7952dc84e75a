// Package bfloat16 is a small implementation of the bfloat16 type, enough to convert checkpoint
// data to and from float32.
//
// It is modeled after https://github.com/x448/float16.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) keeps the 8 exponent bits of an IEEE 754 float32 and only the
// top 7 bits of its mantissa.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32. The conversion is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaNs are kept as (quiet) NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if math.IsNaN(float64(x)) {
		return BFloat16(bits>>16 | 0x0040)
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return BFloat16((bits + rounding) >> 16)
}

// FromBits converts an uint16 to a BFloat16.
func FromBits(u uint16) BFloat16 {
	return BFloat16(u)
}

// Bits converts the BFloat16 to its uint16 representation.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

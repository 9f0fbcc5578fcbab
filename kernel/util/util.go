// Package util contains small generic numeric helpers shared across the
// memory subsystem. Adapted from biscuit's util package, generalized with
// Go generics so a single implementation covers every integer type the
// kernel juggles (byte counts, page counts, frame numbers).
package util

import "math/bits"

// Int is satisfied by every built-in integer type the kernel uses for sizes,
// addresses, and counts.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b. b must be a power
// of two.
func Rounddown[T Int](v, b T) T {
	return v &^ (b - 1)
}

// Roundup aligns v up to the nearest multiple of b. b must be a power of
// two.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// CeilLog2 returns the smallest n such that 2^n >= v. CeilLog2(0) is 0.
func CeilLog2(v uint64) uint8 {
	if v <= 1 {
		return 0
	}
	return uint8(bits.Len64(v - 1))
}

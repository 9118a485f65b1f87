// Package safe provides checked integer arithmetic. Every operation reports
// failure instead of wrapping.
package safe

import (
	"errors"
	"math"
	"math/bits"
)

var (
	ErrOverflow  = errors.New("safe: arithmetic overflow")
	ErrUnderflow = errors.New("safe: arithmetic underflow")
)

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrUnderflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// AddInt64 returns a+b or ErrOverflow / ErrUnderflow.
func AddInt64(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrUnderflow
	}
	return a + b, nil
}

// SubInt64 returns a-b or ErrOverflow / ErrUnderflow.
func SubInt64(a, b int64) (int64, error) {
	if b < 0 && a > math.MaxInt64+b {
		return 0, ErrOverflow
	}
	if b > 0 && a < math.MinInt64+b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// ToInt64 converts an unsigned quantity, failing if it does not fit.
func ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}

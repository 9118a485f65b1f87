// Package limits implements optional host-side bounds on book submissions.
//
// The ledger core accepts any amount and price. Deployments that want to keep
// the book small or prices sane configure a SubmissionLimiter in front of it;
// a zero bound disables that check.
package limits

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrAmountLimitExceeded is returned when a lot or demand is larger than
	// MaxAmount.
	ErrAmountLimitExceeded = errors.New("limits: amount limit exceeded")

	// ErrPriceLimitExceeded is returned when a lot price or demand price
	// limit is above MaxPrice.
	ErrPriceLimitExceeded = errors.New("limits: price limit exceeded")

	// ErrNotionalLimitExceeded is returned when amount times price is above
	// MaxNotional.
	ErrNotionalLimitExceeded = errors.New("limits: notional limit exceeded")

	// ErrOpenEntryLimitExceeded is returned when a participant already has
	// MaxOpenPerParticipant entries on the book.
	ErrOpenEntryLimitExceeded = errors.New("limits: open entry limit exceeded")
)

// SubmissionLimiter bounds individual submissions and per-participant book
// depth.
type SubmissionLimiter struct {
	MaxAmount uint64
	MaxPrice  uint64

	// MaxNotional bounds amount*price. It is computed in decimal so the
	// product itself never overflows.
	MaxNotional decimal.Decimal

	// MaxOpenPerParticipant counts lots and demands together.
	MaxOpenPerParticipant int
}

// NewSubmissionLimiter creates a limiter. Pass zero for any bound to disable it.
func NewSubmissionLimiter(maxAmount, maxPrice uint64, maxNotional decimal.Decimal, maxOpen int) *SubmissionLimiter {
	if maxNotional.IsNegative() {
		maxNotional = decimal.Zero
	}
	if maxOpen < 0 {
		maxOpen = 0
	}
	return &SubmissionLimiter{
		MaxAmount:             maxAmount,
		MaxPrice:              maxPrice,
		MaxNotional:           maxNotional,
		MaxOpenPerParticipant: maxOpen,
	}
}

// CheckSubmission validates one new lot or demand. open is the number of
// entries the submitting participant already has on the book.
// A nil limiter allows everything.
func (l *SubmissionLimiter) CheckSubmission(amount, price uint64, open int) error {
	if l == nil {
		return nil
	}
	if l.MaxAmount > 0 && amount > l.MaxAmount {
		return ErrAmountLimitExceeded
	}
	if l.MaxPrice > 0 && price > l.MaxPrice {
		return ErrPriceLimitExceeded
	}
	if l.MaxNotional.IsPositive() && notional(amount, price).GreaterThan(l.MaxNotional) {
		return ErrNotionalLimitExceeded
	}
	if l.MaxOpenPerParticipant > 0 && open >= l.MaxOpenPerParticipant {
		return ErrOpenEntryLimitExceeded
	}
	return nil
}

func notional(amount, price uint64) decimal.Decimal {
	return Units(amount).Mul(Units(price))
}

// Units converts an integer quantity to decimal without going through int64.
func Units(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

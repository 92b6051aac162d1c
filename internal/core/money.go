package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// All monetary amounts are non-negative integers in the asset's base unit,
// carried as decimal.Decimal. Percentages are basis points: 10_000 == 100%.
//
// Rounding policy, applied everywhere:
//   - a computed gain rounds DOWN (MulDivFloor), so truncation dust stays
//     with the side that is not moving;
//   - a fee charged to a payer rounds UP (MulDivCeil), so reservations are
//     never undersized.
const (
	BPSBase = 10_000

	// YearSeconds is the fee-accrual year: 365 days.
	YearSeconds = 365 * 24 * 60 * 60
)

var (
	BPS     = decimal.NewFromInt(BPSBase)
	Year    = decimal.NewFromInt(YearSeconds)
	zero    = decimal.Zero
	oneUnit = decimal.NewFromInt(1)
)

// MulDivFloor returns floor(a * b / c). All inputs must be non-negative and
// c non-zero; violations are a programming error and reported as ErrInvariant
// by callers that cannot rule them out.
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q
}

// MulDivCeil returns ceil(a * b / c) for non-negative inputs.
func MulDivCeil(a, b, c decimal.Decimal) decimal.Decimal {
	q, r := a.Mul(b).QuoRem(c, 0)
	if !r.IsZero() {
		q = q.Add(oneUnit)
	}
	return q
}

// ApplyBPS returns floor(amount * bps / 10000).
func ApplyBPS(amount decimal.Decimal, bps int64) decimal.Decimal {
	return MulDivFloor(amount, decimal.NewFromInt(bps), BPS)
}

// AccrueFee returns ceil(principal * aprBPS/10000 * elapsed/year), the fee a
// payer owes for holding principal at aprBPS over elapsed time.
func AccrueFee(principal decimal.Decimal, aprBPS int64, elapsed time.Duration) decimal.Decimal {
	secs := decimal.NewFromInt(int64(elapsed / time.Second))
	return MulDivCeil(principal.Mul(decimal.NewFromInt(aprBPS)), secs, BPS.Mul(Year))
}

// CheckAmount validates that v is a non-negative whole number of base units.
func CheckAmount(name string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrValidation, name)
	}
	if !v.Equal(v.Truncate(0)) {
		return fmt.Errorf("%w: %s must be a whole number of base units", ErrValidation, name)
	}
	return nil
}

// CheckPositive validates that v is a positive whole number of base units.
func CheckPositive(name string, v decimal.Decimal) error {
	if err := CheckAmount(name, v); err != nil {
		return err
	}
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrValidation, name)
	}
	return nil
}

// MinD returns the smaller of a and b.
func MinD(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ClampZero returns v, or zero when v is negative.
func ClampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return zero
	}
	return v
}

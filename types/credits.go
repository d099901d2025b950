package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// MaxCredits is the largest representable balance.
const MaxCredits = Credits(math.MaxInt64)

// ErrOverflow is returned when credit arithmetic leaves the int64 range.
var ErrOverflow = errors.New("types: credit arithmetic overflows")

// Credits is a whole number of usage credits. Balances are never fractional
// and all arithmetic is integer-only.
type Credits int64

// IsPositive reports whether c is greater than zero.
func (c Credits) IsPositive() bool { return c > 0 }

// IsNegative reports whether c is below zero.
func (c Credits) IsNegative() bool { return c < 0 }

// Add returns c + other, or ErrOverflow if the sum does not fit.
func (c Credits) Add(other Credits) (Credits, error) {
	sum := c + other
	if (other > 0 && sum < c) || (other < 0 && sum > c) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, c, other)
	}
	return sum, nil
}

// Multiply returns c scaled by a line-item quantity, or ErrOverflow if the
// product does not fit.
func (c Credits) Multiply(qty int64) (Credits, error) {
	if c == 0 || qty == 0 {
		return 0, nil
	}
	product := c * Credits(qty)
	if product/Credits(qty) != c || (qty == -1 && c == math.MinInt64) {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, c, qty)
	}
	return product, nil
}

// Int64 returns the raw value for storage drivers.
func (c Credits) Int64() int64 { return int64(c) }

// String formats c with thousands separators, e.g. "5,000 credits".
func (c Credits) String() string {
	n := int64(c)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	out := make([]byte, 0, len(digits)+len(digits)/3)
	for i := range len(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, digits[i])
	}

	unit := "credits"
	if n == 1 {
		unit = "credit"
	}
	return fmt.Sprintf("%s%s %s", sign, out, unit)
}

// Sum adds up the given amounts, or returns ErrOverflow.
func Sum(amounts ...Credits) (Credits, error) {
	var total Credits
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return 0, err
		}
	}
	return total, nil
}

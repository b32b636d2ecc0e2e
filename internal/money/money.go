// Package money provides the fixed-point currency type used throughout the
// engine. Amounts are held as integer cents; shopspring/decimal is used only
// at the boundary (parsing, JSON, display) and for ratios that are not money.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator int64 = 10000

var (
	// ErrNegative is returned when a non-negative amount was required.
	ErrNegative = errors.New("money: amount must not be negative")

	// ErrPrecision is returned when an input has more than two decimal places
	// and strict parsing was requested.
	ErrPrecision = errors.New("money: amount has sub-cent precision")

	hundred = decimal.NewFromInt(100)
)

// Cents is an amount of currency in minor units (1/100).
type Cents int64

// Zero is the zero amount.
const Zero Cents = 0

// FromDecimal converts a decimal amount to cents, rounding half away from
// zero at the second decimal place.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// FromDecimalStrict converts a decimal amount to cents and fails if it
// carries sub-cent precision.
func FromDecimalStrict(d decimal.Decimal) (Cents, error) {
	scaled := d.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	return Cents(scaled.IntPart()), nil
}

// Parse reads a decimal string such as "49.55" into cents.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimalStrict(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FromUnits builds an amount from whole units, e.g. FromUnits(50) == 50.00.
func FromUnits(units int64) Cents {
	return Cents(units * 100)
}

// Decimal returns the amount in major units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String formats the amount with exactly two decimal places.
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// IsNegative reports whether c < 0.
func (c Cents) IsNegative() bool { return c < 0 }

// IsPositive reports whether c > 0.
func (c Cents) IsPositive() bool { return c > 0 }

// Min returns the smaller of a and b.
func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}

// Sum adds amounts.
func Sum(amounts ...Cents) Cents {
	var total Cents
	for _, a := range amounts {
		total += a
	}
	return total
}

// ApplyBps returns round(c * bps / 10000), rounding half up. c and bps must
// be non-negative.
func (c Cents) ApplyBps(bps int64) Cents {
	if c <= 0 || bps <= 0 {
		return 0
	}
	num := decimal.NewFromInt(int64(c)).Mul(decimal.NewFromInt(bps))
	return Cents(num.Div(decimal.NewFromInt(BpsDenominator)).Round(0).IntPart())
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
// Sub-cent inputs are rounded to the nearest cent.
func (c *Cents) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: decode %s: %w", string(data), err)
	}
	*c = FromDecimal(d)
	return nil
}

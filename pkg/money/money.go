// Package money provides exact decimal currency amounts for billing.
//
// Amounts are carried as shopspring decimals and rounded to two places at
// construction so that repeated partial payments never accumulate float drift.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for currency values.
const Places = 2

// Tolerance is the largest difference at which two amounts are still
// considered equal when checking billing invariants.
var Tolerance = decimal.New(1, -Places)

// Money is a non-float currency amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{d: decimal.Zero}

// New wraps a decimal, rounding it to currency precision.
func New(d decimal.Decimal) Money {
	return Money{d: d.Round(Places)}
}

// FromInt returns a whole currency amount.
func FromInt(units int64) Money {
	return Money{d: decimal.NewFromInt(units)}
}

// FromFloat converts a float, rounding to currency precision.
func FromFloat(f float64) Money {
	return New(decimal.NewFromFloat(f))
}

// FromString parses a decimal string such as "500.00".
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return New(d), nil
}

// MustParse is FromString for constants and tests.
func MustParse(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// Mul multiplies by a decimal factor and rounds back to currency precision.
func (m Money) Mul(f decimal.Decimal) Money { return New(m.d.Mul(f)) }

// Ratio returns m/o as an unrounded decimal. It returns zero when o is zero.
func (m Money) Ratio(o Money) decimal.Decimal {
	if o.d.IsZero() {
		return decimal.Zero
	}
	return m.d.Div(o.d)
}

func (m Money) Cmp(o Money) int                 { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.d.LessThanOrEqual(o.d) }
func (m Money) IsZero() bool                    { return m.d.IsZero() }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m.d.GreaterThanOrEqual(o.d) {
		return m
	}
	return o
}

// Round returns m rounded to currency precision.
func (m Money) Round() Money { return New(m.d) }

// Float64 returns the nearest float. Use only for presentation.
func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

// String formats with exactly two fractional digits.
func (m Money) String() string { return m.d.StringFixed(Places) }

// WithinTolerance reports whether |a-b| <= Tolerance.
func WithinTolerance(a, b Money) bool {
	return a.d.Sub(b.d).Abs().LessThanOrEqual(Tolerance)
}

// Sum adds all amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.d.StringFixed(Places)), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	*m = New(d)
	return nil
}

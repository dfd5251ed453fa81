// Package money provides exact fixed-precision arithmetic for prices,
// position sizes and P&L. Every monetary quantity in the core is an
// Amount; binary floats only appear at the boundary when decoding
// external JSON and are converted through their string form.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultScale is the scale used for persisted monetary values.
const DefaultScale int32 = 8

// ErrArithmeticOverflow is returned on division by zero or when a
// result cannot be represented.
var ErrArithmeticOverflow = errors.New("money: arithmetic overflow")

// RoundingMode selects how Div resolves digits beyond the target scale.
type RoundingMode int

const (
	// RoundHalfUp rounds half away from zero.
	RoundHalfUp RoundingMode = iota
	// RoundHalfEven rounds half to the even neighbour (banker's rounding).
	RoundHalfEven
	// RoundDown truncates toward zero.
	RoundDown
)

// Amount is an exact decimal monetary value. The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// New builds an Amount from an untruncated integer value and exponent,
// e.g. New(44800, -2) == 448.00.
func New(value int64, exp int32) Amount {
	return Amount{d: decimal.New(value, exp)}
}

// FromInt builds an Amount from an integer.
func FromInt(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

// Parse parses a decimal string. The scale of the input is preserved.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustParse parses a decimal string and panics on error. For use with
// literals in tests and static configuration only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat converts a binary float received at an external boundary.
// The float is routed through its shortest string representation so
// that 448.02 arrives as exactly 448.02 and not its binary neighbour.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f)}
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul returns a * b.
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div returns a / b at the given scale using the given rounding mode.
// Division by zero fails with ErrArithmeticOverflow.
func (a Amount) Div(b Amount, scale int32, mode RoundingMode) (Amount, error) {
	if b.d.IsZero() {
		return Amount{}, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	// Compute with guard digits past the target scale, then round once.
	q := a.d.DivRound(b.d, scale+4)
	switch mode {
	case RoundHalfEven:
		return Amount{d: q.RoundBank(scale)}, nil
	case RoundDown:
		return Amount{d: q.Truncate(scale)}, nil
	default:
		return Amount{d: q.Round(scale)}, nil
	}
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports whether a and b represent the same value, regardless of scale.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether a < 0.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// Abs returns |a|.
func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Round rounds half away from zero at the given scale.
func (a Amount) Round(scale int32) Amount { return Amount{d: a.d.Round(scale)} }

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.d.LessThan(b.d) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func (a Amount) Max(b Amount) Amount {
	if a.d.GreaterThan(b.d) {
		return a
	}
	return b
}

// Clamp bounds a to [lo, hi].
func (a Amount) Clamp(lo, hi Amount) Amount {
	if a.d.LessThan(lo.d) {
		return lo
	}
	if a.d.GreaterThan(hi.d) {
		return hi
	}
	return a
}

// String renders the amount preserving its scale.
func (a Amount) String() string { return a.d.String() }

// StringFixed renders the amount with exactly scale fractional digits.
func (a Amount) StringFixed(scale int32) string { return a.d.StringFixed(scale) }

// Float64 returns an approximate binary-float view. Boundary use only;
// never feeds back into position or P&L math.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// Decimal exposes the underlying decimal for interop with clients that
// already speak shopspring values (broker SDK account fields).
func (a Amount) Decimal() decimal.Decimal { return a.d }

// FromDecimal wraps an existing decimal value.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// MarshalJSON encodes the amount as a quoted decimal string so the
// persisted form preserves scale.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted decimal strings and bare JSON
// numbers; numbers are parsed from their textual form, never through a
// float64.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.d = decimal.Decimal{}
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: unmarshal %q: %w", s, err)
	}
	a.d = d
	return nil
}

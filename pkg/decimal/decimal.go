// Package decimal wraps shopspring/decimal with the rescale-on-mutation
// discipline every persisted balance and order field in this engine relies
// on: every value carries an asset- or market-defined scale, and equality is
// value equality after rescale.
package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// D is a fixed-precision decimal value. The zero value is zero.
type D struct {
	v decimal.Decimal
}

// Zero is the canonical zero value.
var Zero = D{}

// FromString parses a decimal literal (e.g. "100.0001", "1E-8").
func FromString(s string) (D, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return D{}, fmt.Errorf("decimal: invalid literal %q: %w", s, err)
	}
	return D{v: v}, nil
}

// FromInt builds an exact integer decimal.
func FromInt(i int64) D { return D{v: decimal.NewFromInt(i)} }

// ULP returns the smallest positive value representable at prec digits
// after the decimal point (10^-prec); used by the market-bid rounding
// retry.
func ULP(prec int32) D { return D{v: decimal.New(1, -prec)} }

// MustFromString panics on parse failure; for constants in tests and config.
func MustFromString(s string) D {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Rescale rounds the value to exactly `prec` digits after the decimal
// point. Every stored balance is rescaled to its asset's prec_save after
// every mutation.
func (d D) Rescale(prec int32) D {
	return D{v: d.v.Round(prec)}
}

func (d D) Add(o D) D { return D{v: d.v.Add(o.v)} }
func (d D) Sub(o D) D { return D{v: d.v.Sub(o.v)} }
func (d D) Mul(o D) D { return D{v: d.v.Mul(o.v)} }

// DivFloor divides and rounds down (floor) to prec digits, used for the
// market-bid rounding rule.
func (d D) DivFloor(o D, prec int32) D {
	if o.IsZero() {
		return Zero
	}
	return D{v: d.v.DivRound(o.v, prec+8).Truncate(prec)}
}

func (d D) Neg() D { return D{v: d.v.Neg()} }

func (d D) Cmp(o D) int     { return d.v.Cmp(o.v) }
func (d D) Equal(o D) bool  { return d.v.Equal(o.v) }
func (d D) IsZero() bool    { return d.v.IsZero() }
func (d D) IsNeg() bool     { return d.v.IsNegative() }
func (d D) IsPos() bool     { return d.v.IsPositive() }
func (d D) GreaterThan(o D) bool    { return d.v.GreaterThan(o.v) }
func (d D) GreaterOrEqual(o D) bool { return d.v.GreaterThanOrEqual(o.v) }
func (d D) LessThan(o D) bool       { return d.v.LessThan(o.v) }
func (d D) LessOrEqual(o D) bool    { return d.v.LessThanOrEqual(o.v) }

// Min returns the smaller of d and o.
func Min(a, b D) D {
	if a.LessOrEqual(b) {
		return a
	}
	return b
}

// String renders in the form shopspring/decimal produces by default;
// external boundaries carry decimal values as strings in that form with no
// further zero-stripping.
func (d D) String() string { return d.v.String() }

// MarshalJSON encodes the decimal as a JSON string; decimal values on all
// external boundaries are strings.
func (d D) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.v.String() + `"`), nil
}

func (d *D) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.v = parsed
	return nil
}

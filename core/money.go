package core

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - fixed-point decimal amounts, single currency, two decimal places
// =============================================================================

// Money wraps decimal.Decimal so balances never touch floating point.
// The zero value is zero money and safe to use.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(units int64) Money {
	return Money{Value: decimal.NewFromInt(units)}
}

func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Value: d.Truncate(2)}
}

// ParseMoney parses a decimal string like "42500.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d.Truncate(2)}, nil
}

// MustMoney is for constants in tests and fixtures.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money        { return Money{Value: m.Value.Neg()} }

func (m Money) Mul(n int64) Money {
	return Money{Value: m.Value.Mul(decimal.NewFromInt(n))}
}

func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool       { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }

func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }

// ClampZero floors negative amounts at zero. Balance arithmetic uses this so
// an overpayment can never drive a balance negative.
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return ZeroMoney()
	}
	return m
}

// Split divides the amount into n parts that sum exactly to the original.
// Each part is the truncated even share; the remainder from truncation is
// folded into the final part so there is no rounding drift.
//
//	MustMoney("170000").Split(4) => [42500 42500 42500 42500]
//	MustMoney("100").Split(3)    => [33.33 33.33 33.34]
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	per := Money{Value: m.Value.Div(decimal.NewFromInt(int64(n))).Truncate(2)}
	parts := make([]Money, n)
	for i := 0; i < n-1; i++ {
		parts[i] = per
	}
	parts[n-1] = m.Sub(per.Mul(int64(n - 1)))
	return parts
}

func (m Money) String() string { return m.Value.StringFixed(2) }

// Float64 is for display-only payloads (device status endpoints).
// Never use the result for arithmetic.
func (m Money) Float64() float64 {
	f, _ := m.Value.Float64()
	return f
}

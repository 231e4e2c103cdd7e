package math

import (
	"fmt"
	"math/big"
)

// Fixed-point arithmetic in the 1e18 "mantissa" convention.
// All USD prices, rates, and ratio parameters are Exp values; underlying
// amounts stay in the asset's native decimal scale and only meet Exp values
// through MulScalarTruncate / DivScalarByExpTruncate. Intermediates use
// big.Int because amount*price products routinely exceed 1e24.
//
// Division truncates toward zero. The settlement core depends on this:
// truncation always rounds in favor of the protocol.

// ExpScale is the fixed-point base (1e18).
var ExpScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Exp is a fixed-point number with an implicit 1e18 denominator.
type Exp struct {
	Mantissa *big.Int
}

// NewExp wraps a raw mantissa. The mantissa is NOT copied.
func NewExp(mantissa *big.Int) Exp {
	return Exp{Mantissa: mantissa}
}

// ExpFromInt64 builds an Exp from a raw int64 mantissa.
func ExpFromInt64(mantissa int64) Exp {
	return Exp{Mantissa: big.NewInt(mantissa)}
}

// OneExp is 1.0 in mantissa form.
func OneExp() Exp {
	return Exp{Mantissa: new(big.Int).Set(ExpScale)}
}

// ZeroExp is 0.0 in mantissa form.
func ZeroExp() Exp {
	return Exp{Mantissa: big.NewInt(0)}
}

// IsZero reports whether the mantissa is exactly zero.
func (e Exp) IsZero() bool {
	return e.Mantissa == nil || e.Mantissa.Sign() == 0
}

// Cmp compares two Exp values.
func (e Exp) Cmp(other Exp) int {
	return e.Mantissa.Cmp(other.Mantissa)
}

// Clone returns an independent copy.
func (e Exp) Clone() Exp {
	return Exp{Mantissa: new(big.Int).Set(e.Mantissa)}
}

func (e Exp) String() string {
	return fmt.Sprintf("exp(%s)", e.Mantissa.String())
}

// MulExp computes a*b, truncating: (a.M * b.M) / 1e18.
func MulExp(a, b Exp) Exp {
	m := new(big.Int).Mul(a.Mantissa, b.Mantissa)
	m.Quo(m, ExpScale)
	return Exp{Mantissa: m}
}

// DivExp computes a/b, truncating: (a.M * 1e18) / b.M.
// Panics on division by zero; callers must reject zero denominators first
// (a zero oracle price is a fatal operation abort, not a recoverable error).
func DivExp(a, b Exp) Exp {
	m := new(big.Int).Mul(a.Mantissa, ExpScale)
	m.Quo(m, b.Mantissa)
	return Exp{Mantissa: m}
}

// AddExp computes a+b.
func AddExp(a, b Exp) Exp {
	return Exp{Mantissa: new(big.Int).Add(a.Mantissa, b.Mantissa)}
}

// SubExp computes a-b.
func SubExp(a, b Exp) Exp {
	return Exp{Mantissa: new(big.Int).Sub(a.Mantissa, b.Mantissa)}
}

// MulScalarTruncate computes (e * scalar) truncated to an integer:
// e.M * scalar / 1e18. The result is in the scalar's own unit.
func MulScalarTruncate(e Exp, scalar *big.Int) *big.Int {
	m := new(big.Int).Mul(e.Mantissa, scalar)
	return m.Quo(m, ExpScale)
}

// MulScalarTruncateAdd computes truncate(e * scalar) + addend.
func MulScalarTruncateAdd(e Exp, scalar, addend *big.Int) *big.Int {
	return new(big.Int).Add(MulScalarTruncate(e, scalar), addend)
}

// DivScalarByExpTruncate computes scalar / e truncated to an integer:
// scalar * 1e18 / e.M.
func DivScalarByExpTruncate(scalar *big.Int, e Exp) *big.Int {
	m := new(big.Int).Mul(scalar, ExpScale)
	return m.Quo(m, e.Mantissa)
}

// MulScalar computes e * scalar keeping the mantissa scale.
func MulScalar(e Exp, scalar *big.Int) Exp {
	return Exp{Mantissa: new(big.Int).Mul(e.Mantissa, scalar)}
}

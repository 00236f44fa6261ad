// Package fixedpoint implements exact fixed-point monetary amounts with 8
// fractional digits. Amounts arrive from the wire as raw integers scaled by
// 18 digits and are reduced by integer arithmetic only; no value ever passes
// through a float.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Digits is the number of fractional digits carried by an Amount.
const Digits = 8

// Unit is the Amount representing exactly 1.
const Unit Amount = 100000000

// rawScale is the divisor reducing an 18-digit raw integer to 8 digits.
var rawScale = big.NewInt(10000000000) // 10^10

var maxInt64 = big.NewInt(1<<63 - 1)

// ErrNegative is returned when a negative amount is parsed where only
// non-negative values are meaningful.
var ErrNegative = errors.New("fixedpoint: negative amount")

// ErrOverflow is returned when a raw value does not fit the int64 backing
// after reduction.
var ErrOverflow = errors.New("fixedpoint: amount overflows 8-digit backing")

// Amount is a monetary amount with 8 fractional digits backed by int64.
// The zero value is 0.00000000.
type Amount int64

// FromRaw18 reduces a decimal string scaled by 18 fractional digits, as
// returned by the chain, to an 8-digit Amount. The reduction truncates the
// discarded 10 digits.
func FromRaw18(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("fixedpoint: empty raw amount")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, errors.Errorf("fixedpoint: malformed raw amount %q", raw)
	}
	return FromRaw18Big(v)
}

// FromRaw18Big reduces an 18-digit raw big integer to an 8-digit Amount.
func FromRaw18Big(v *big.Int) (Amount, error) {
	if v.Sign() < 0 {
		return 0, ErrNegative
	}
	q := new(big.Int).Quo(v, rawScale)
	if q.Cmp(maxInt64) > 0 {
		return 0, ErrOverflow
	}
	return Amount(q.Int64()), nil
}

// Parse reads a human decimal such as "3.876" into an Amount. Fractional
// digits beyond 8 are rejected rather than silently truncated.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		return 0, ErrNegative
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Digits {
		return 0, errors.Errorf("fixedpoint: %q has more than %d fractional digits", s, Digits)
	}
	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return 0, errors.Errorf("fixedpoint: malformed amount %q", s)
	}
	whole.Mul(whole, big.NewInt(int64(Unit)))
	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return 0, errors.Errorf("fixedpoint: malformed amount %q", s)
		}
		for i := len(fracPart); i < Digits; i++ {
			frac.Mul(frac, big.NewInt(10))
		}
		whole.Add(whole, frac)
	}
	if whole.Cmp(maxInt64) > 0 {
		return 0, ErrOverflow
	}
	return Amount(whole.Int64()), nil
}

// String renders the amount with all 8 fractional digits, e.g. "3.87600000".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/int64(Unit), v%int64(Unit))
}

// Text4 renders the amount truncated to 4 fractional digits, the precision
// at which odds and cross-table comparisons are reported.
func (a Amount) Text4() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/int64(Unit), (v%int64(Unit))/10000)
}

// Trunc4 truncates the amount to 4 fractional digits.
func (a Amount) Trunc4() Amount {
	return a / 10000 * 10000
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a == 0 }

// EqualWithin reports whether two amounts differ by no more than tol.
func EqualWithin(a, b, tol Amount) bool {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return d <= int64(tol)
}

// MulFrac multiplies the amount by the ratio num/den using a wide
// intermediate, truncating the result. Used for fee application, e.g.
// MulFrac(97, 100) takes 3% off the pool.
func (a Amount) MulFrac(num, den int64) Amount {
	v := new(big.Int).SetInt64(int64(a))
	v.Mul(v, big.NewInt(num))
	v.Quo(v, big.NewInt(den))
	return Amount(v.Int64())
}

// DivOdds divides pool by side, reporting the quotient at 4 fractional
// digits (zeroing the lower 4). A zero side yields zero odds.
func DivOdds(pool, side Amount) Amount {
	if side == 0 {
		return 0
	}
	v := new(big.Int).SetInt64(int64(pool))
	v.Mul(v, big.NewInt(10000))
	v.Quo(v, big.NewInt(int64(side)))
	v.Mul(v, big.NewInt(10000))
	if v.Cmp(maxInt64) > 0 {
		return Amount(1<<63 - 1)
	}
	return Amount(v.Int64())
}

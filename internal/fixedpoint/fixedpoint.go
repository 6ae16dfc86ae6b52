// Package fixedpoint implements checked integer arithmetic over the scaled
// integers used throughout the engine: 1e6 prices and health factors, 1e4
// basis points, and Q64.64 sqrt prices.
//
// Every operation reports overflow, underflow, and division by zero as a
// typed fault. Rounding is down for amounts paid out to the user and up for
// amounts the user owes; each helper names its direction.
package fixedpoint

import (
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/fault"
)

const (
	// PriceScale scales prices: 1_000_000 = 1 unit of B per unit of A.
	PriceScale uint64 = 1_000_000

	// HealthScale scales health factors and ratios: 1_000_000 = 1.0.
	HealthScale uint64 = 1_000_000

	// BpsScale is the basis-point denominator.
	BpsScale uint64 = 10_000
)

var (
	// Q64 is 2^64, the unit of Q64.64 values.
	Q64 = new(uint256.Int).Lsh(uint256.NewInt(1), 64)

	// Q128 is 2^128.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxU128 = new(uint256.Int).Sub(Q128, uint256.NewInt(1))
)

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, fault.New(fault.Overflow, "%d + %d", a, b)
	}
	return s, nil
}

// Sub returns a-b.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fault.New(fault.Underflow, "%d - %d", a, b)
	}
	return a - b, nil
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/b != a {
		return 0, fault.New(fault.Overflow, "%d * %d", a, b)
	}
	return p, nil
}

// MulDiv returns floor(a*b/d) using a 256-bit intermediate.
func MulDiv(a, b, d uint64) (uint64, error) {
	return mulDiv64(a, b, d, false)
}

// MulDivUp returns ceil(a*b/d) using a 256-bit intermediate.
func MulDivUp(a, b, d uint64) (uint64, error) {
	return mulDiv64(a, b, d, true)
}

func mulDiv64(a, b, d uint64, up bool) (uint64, error) {
	if d == 0 {
		return 0, fault.New(fault.DivisionByZero, "%d * %d / 0", a, b)
	}
	r, err := MulDiv256(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d), up)
	if err != nil {
		return 0, err
	}
	return ToU64(r)
}

// MulDiv256 returns a*b/d with full 512-bit intermediate precision, rounded
// up when up is set. The inputs are not modified.
func MulDiv256(a, b, d *uint256.Int, up bool) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fault.New(fault.DivisionByZero, "mulDiv by zero")
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, fault.New(fault.Overflow, "mulDiv result exceeds 256 bits")
	}
	if up && !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if q.Eq(maxU256) {
			return nil, fault.New(fault.Overflow, "mulDiv round up")
		}
		q.AddUint64(q, 1)
	}
	return q, nil
}

var maxU256 = new(uint256.Int).SetAllOne()

// DivUp returns ceil(a/d).
func DivUp(a, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fault.New(fault.DivisionByZero, "div by zero")
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a, d, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// ToU64 narrows a 256-bit value.
func ToU64(x *uint256.Int) (uint64, error) {
	if !x.IsUint64() {
		return 0, fault.New(fault.Overflow, "%s exceeds 64 bits", x.Dec())
	}
	return x.Uint64(), nil
}

// CheckU128 faults when x does not fit 128 bits.
func CheckU128(x *uint256.Int) error {
	if x.Gt(maxU128) {
		return fault.New(fault.Overflow, "%s exceeds 128 bits", x.Dec())
	}
	return nil
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsScale)
}

// ApplyBpsUp returns ceil(amount*bps/10000).
func ApplyBpsUp(amount, bps uint64) (uint64, error) {
	return MulDivUp(amount, bps, BpsScale)
}

// SubBps returns floor(amount*(10000-bps)/10000), the minimum acceptable
// output for a slippage tolerance of bps.
func SubBps(amount, bps uint64) (uint64, error) {
	if bps > BpsScale {
		return 0, fault.New(fault.Underflow, "bps %d above %d", bps, BpsScale)
	}
	return MulDiv(amount, BpsScale-bps, BpsScale)
}

// ValueInB converts an amount of token A to token B at a 1e6-scaled price,
// rounding down.
func ValueInB(amountA, price uint64) (uint64, error) {
	return MulDiv(amountA, price, PriceScale)
}

// AmountAForB converts an amount of token B to token A at a 1e6-scaled
// price, rounding down.
func AmountAForB(amountB, price uint64) (uint64, error) {
	return MulDiv(amountB, PriceScale, price)
}

// AmountAForBUp is AmountAForB rounded up.
func AmountAForBUp(amountB, price uint64) (uint64, error) {
	return MulDivUp(amountB, PriceScale, price)
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

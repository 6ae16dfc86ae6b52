// Package liquidity converts between token amounts and concentrated
// liquidity units for a tick range, and derives the analytics that depend
// on that conversion: the target deposit ratio, the concentration factor,
// and impermanent loss.
//
// Sqrt prices are Q64.64 (see tickmath). Liquidity is a 128-bit quantity.
// Conversions that size a deposit (what the user owes the pool) round up;
// conversions that size a withdrawal (what the pool pays out) round down.
package liquidity

import (
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

func ordered(sa, sb *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if sa.Gt(sb) {
		sa, sb = sb, sa
	}
	if sa.IsZero() {
		return nil, nil, fault.New(fault.DivisionByZero, "zero sqrt price")
	}
	if sa.Eq(sb) {
		return nil, nil, fault.New(fault.DivisionByZero, "empty sqrt price range")
	}
	return sa, sb, nil
}

// ForAmount0 returns the liquidity supplied by amount a of token A over
// [sa, sb]: a * sa * sb / (sb - sa), rounded down.
func ForAmount0(sa, sb *uint256.Int, a uint64) (*uint256.Int, error) {
	sa, sb, err := ordered(sa, sb)
	if err != nil {
		return nil, err
	}
	inter, err := fixedpoint.MulDiv256(sa, sb, fixedpoint.Q64, false)
	if err != nil {
		return nil, err
	}
	diff := new(uint256.Int).Sub(sb, sa)
	l, err := fixedpoint.MulDiv256(uint256.NewInt(a), inter, diff, false)
	if err != nil {
		return nil, err
	}
	return l, fixedpoint.CheckU128(l)
}

// ForAmount1 returns the liquidity supplied by amount b of token B over
// [sa, sb]: b / (sb - sa), rounded down.
func ForAmount1(sa, sb *uint256.Int, b uint64) (*uint256.Int, error) {
	sa, sb, err := ordered(sa, sb)
	if err != nil {
		return nil, err
	}
	diff := new(uint256.Int).Sub(sb, sa)
	l, err := fixedpoint.MulDiv256(uint256.NewInt(b), fixedpoint.Q64, diff, false)
	if err != nil {
		return nil, err
	}
	return l, fixedpoint.CheckU128(l)
}

// ForAmounts returns the largest liquidity that amounts (a, b) can fund over
// [sa, sb] at current sqrt price sp.
func ForAmounts(sp, sa, sb *uint256.Int, a, b uint64) (*uint256.Int, error) {
	sa, sb, err := ordered(sa, sb)
	if err != nil {
		return nil, err
	}
	switch {
	case !sp.Gt(sa):
		return ForAmount0(sa, sb, a)
	case sp.Lt(sb):
		l0, err := ForAmount0(sp, sb, a)
		if err != nil {
			return nil, err
		}
		l1, err := ForAmount1(sa, sp, b)
		if err != nil {
			return nil, err
		}
		if l0.Lt(l1) {
			return l0, nil
		}
		return l1, nil
	default:
		return ForAmount1(sa, sb, b)
	}
}

func amount0(sa, sb, l *uint256.Int, up bool) (*uint256.Int, error) {
	num := new(uint256.Int).Lsh(l, 64)
	diff := new(uint256.Int).Sub(sb, sa)
	if up {
		x, err := fixedpoint.MulDiv256(num, diff, sb, true)
		if err != nil {
			return nil, err
		}
		return fixedpoint.DivUp(x, sa)
	}
	x, err := fixedpoint.MulDiv256(num, diff, sb, false)
	if err != nil {
		return nil, err
	}
	return x.Div(x, sa), nil
}

func amount1(sa, sb, l *uint256.Int, up bool) (*uint256.Int, error) {
	diff := new(uint256.Int).Sub(sb, sa)
	return fixedpoint.MulDiv256(l, diff, fixedpoint.Q64, up)
}

// amounts256 is Amounts without narrowing to 64 bits.
func amounts256(sp, sa, sb, l *uint256.Int, up bool) (*uint256.Int, *uint256.Int, error) {
	if err := fixedpoint.CheckU128(l); err != nil {
		return nil, nil, err
	}
	sa, sb, err := ordered(sa, sb)
	if err != nil {
		return nil, nil, err
	}
	zero := new(uint256.Int)
	switch {
	case !sp.Gt(sa):
		a, err := amount0(sa, sb, l, up)
		return a, zero, err
	case sp.Lt(sb):
		a, err := amount0(sp, sb, l, up)
		if err != nil {
			return nil, nil, err
		}
		b, err := amount1(sa, sp, l, up)
		return a, b, err
	default:
		b, err := amount1(sa, sb, l, up)
		return zero, b, err
	}
}

// Amounts returns the token amounts represented by liquidity l over
// [sa, sb] at sqrt price sp. Set up when sizing a deposit and clear it when
// sizing a withdrawal.
func Amounts(sp, sa, sb, l *uint256.Int, up bool) (uint64, uint64, error) {
	a, b, err := amounts256(sp, sa, sb, l, up)
	if err != nil {
		return 0, 0, err
	}
	a64, err := fixedpoint.ToU64(a)
	if err != nil {
		return 0, 0, err
	}
	b64, err := fixedpoint.ToU64(b)
	if err != nil {
		return 0, 0, err
	}
	return a64, b64, nil
}

// ValueInB values amounts (a, b) in token B at sqrt price sp, rounding down.
func ValueInB(sp *uint256.Int, a, b uint64) (uint64, error) {
	v, err := valueInB256(sp, uint256.NewInt(a), uint256.NewInt(b))
	if err != nil {
		return 0, err
	}
	return fixedpoint.ToU64(v)
}

func valueInB256(sp, a, b *uint256.Int) (*uint256.Int, error) {
	sq := new(uint256.Int).Mul(sp, sp)
	va, err := fixedpoint.MulDiv256(a, sq, fixedpoint.Q128, false)
	if err != nil {
		return nil, err
	}
	v, overflow := new(uint256.Int).AddOverflow(va, b)
	if overflow {
		return nil, fault.New(fault.Overflow, "position value")
	}
	return v, nil
}

// Package tickmath converts between prices, ticks, and Q64.64 sqrt prices for
// 1.0001-based concentrated-liquidity venues.
//
// A tick t represents price(t) = 1.0001^t. Prices crossing this package are
// 1e6-scaled (1_000_000 = one unit of B per unit of A) and sqrt prices are
// Q64.64 fixed point. The sqrt table is the canonical TickMath one; results
// are bit-exact with the reference Q128 ratio shifted down to Q64.64.
package tickmath

import (
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

const (
	// MinTick and MaxTick bound every 1.0001-based tick space.
	MinTick int32 = -443636
	MaxTick int32 = 443636

	// DefaultMaxSpacings caps a range at this many spacings wide.
	DefaultMaxSpacings int32 = 4000
)

// sqrtRatioConsts[0..1] seed the ratio for odd and even ticks; the rest are
// 2^128/sqrt(1.0001)^(2^i) for i = 1..19.
var sqrtRatioConsts = [21]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0x100000000000000000000000000000000"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

var (
	uint256Max = new(uint256.Int).SetAllOne()
	lowMask64  = new(uint256.Int).Sub(fixedpoint.Q64, uint256.NewInt(1))
	priceScale = uint256.NewInt(fixedpoint.PriceScale)

	// MinSqrtPrice and MaxSqrtPrice are the Q64.64 sqrt prices at the tick
	// bounds.
	MinSqrtPrice = mustSqrt(MinTick)
	MaxSqrtPrice = mustSqrt(MaxTick)
)

func mustSqrt(t int32) *uint256.Int {
	s, err := SqrtPriceAtTick(t)
	if err != nil {
		panic(err)
	}
	return s
}

// SqrtPriceAtTick returns sqrt(1.0001^t) as Q64.64, rounded up.
func SqrtPriceAtTick(t int32) (*uint256.Int, error) {
	if t < MinTick || t > MaxTick {
		return nil, fault.Tick(fault.OutOfBounds, "tick %d outside [%d, %d]", t, MinTick, MaxTick)
	}
	abs := t
	if abs < 0 {
		abs = -abs
	}

	ratio := new(uint256.Int)
	if abs&1 != 0 {
		ratio.Set(sqrtRatioConsts[0])
	} else {
		ratio.Set(sqrtRatioConsts[1])
	}
	for i := 1; i < 20; i++ {
		if abs&(1<<i) != 0 {
			ratio.Mul(ratio, sqrtRatioConsts[i+1])
			ratio.Rsh(ratio, 128)
		}
	}
	if t > 0 {
		ratio.Div(uint256Max, ratio)
	}

	// Q128.128 to Q64.64, rounding up.
	rem := new(uint256.Int).And(ratio, lowMask64)
	ratio.Rsh(ratio, 64)
	if !rem.IsZero() {
		ratio.AddUint64(ratio, 1)
	}
	return ratio, nil
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is at most s.
func TickAtSqrtPrice(s *uint256.Int) (int32, error) {
	if s.Lt(MinSqrtPrice) || s.Gt(MaxSqrtPrice) {
		return 0, fault.Tick(fault.OutOfBounds, "sqrt price %s outside tick bounds", s.Dec())
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		sm, err := SqrtPriceAtTick(mid)
		if err != nil {
			return 0, err
		}
		if sm.Gt(s) {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return lo, nil
}

// SqrtPriceFromPrice returns floor(sqrt(price/1e6) * 2^64).
func SqrtPriceFromPrice(price uint64) (*uint256.Int, error) {
	if price == 0 {
		return nil, fault.New(fault.InvalidPriceRange, "price must be positive")
	}
	x := new(uint256.Int).Lsh(uint256.NewInt(price), 128)
	x.Div(x, priceScale)
	return x.Sqrt(x), nil
}

// PriceToTick returns the greatest tick whose price does not exceed price.
func PriceToTick(price uint64) (int32, error) {
	s, err := SqrtPriceFromPrice(price)
	if err != nil {
		return 0, err
	}
	return TickAtSqrtPrice(s)
}

// PriceFromSqrtPrice returns s^2 in 1e6 price units, rounded to nearest.
func PriceFromSqrtPrice(s *uint256.Int) (uint64, error) {
	sq := new(uint256.Int).Mul(s, s)
	sq.Mul(sq, priceScale)
	sq.Add(sq, new(uint256.Int).Rsh(fixedpoint.Q128, 1))
	sq.Rsh(sq, 128)
	return fixedpoint.ToU64(sq)
}

// TickToPrice returns 1.0001^t in 1e6 price units, rounded to nearest.
func TickToPrice(t int32) (uint64, error) {
	s, err := SqrtPriceAtTick(t)
	if err != nil {
		return 0, err
	}
	return PriceFromSqrtPrice(s)
}

// AlignDown floors t to a multiple of spacing. Used for lower ticks.
func AlignDown(t, spacing int32) int32 {
	q := t / spacing
	if t%spacing != 0 && t < 0 {
		q--
	}
	return q * spacing
}

// AlignUp ceils t to a multiple of spacing. Used for upper ticks.
func AlignUp(t, spacing int32) int32 {
	q := t / spacing
	if t%spacing != 0 && t > 0 {
		q++
	}
	return q * spacing
}

// ValidateRange checks a tick range against a venue's spacing. Checks run in
// the order bounds, alignment, minimum width, maximum width.
func ValidateRange(lower, upper, spacing, maxSpacings int32) error {
	if spacing <= 0 {
		return fault.New(fault.InvalidConfig, "tick spacing %d must be positive", spacing)
	}
	if lower < MinTick || upper > MaxTick || lower > MaxTick || upper < MinTick {
		return fault.Tick(fault.OutOfBounds, "range [%d, %d] outside [%d, %d]", lower, upper, MinTick, MaxTick)
	}
	if lower%spacing != 0 {
		return fault.Tick(fault.Misaligned, "lower tick %d not a multiple of %d", lower, spacing)
	}
	if upper%spacing != 0 {
		return fault.Tick(fault.Misaligned, "upper tick %d not a multiple of %d", upper, spacing)
	}
	width := int64(upper) - int64(lower)
	if width < 2*int64(spacing) {
		return fault.Tick(fault.Narrow, "width %d below %d", width, 2*spacing)
	}
	if maxSpacings > 0 && width > int64(spacing)*int64(maxSpacings) {
		return fault.Tick(fault.Wide, "width %d above %d", width, int64(spacing)*int64(maxSpacings))
	}
	return nil
}

// RangeForPrices derives a validated tick range from a price range. The
// lower tick is floored and the upper tick ceiled to the spacing; with
// strict set, an unaligned derived tick is rejected instead.
func RangeForPrices(lowerPrice, upperPrice uint64, spacing, maxSpacings int32, strict bool) (int32, int32, error) {
	if spacing <= 0 {
		return 0, 0, fault.New(fault.InvalidConfig, "tick spacing %d must be positive", spacing)
	}
	lt, err := PriceToTick(lowerPrice)
	if err != nil {
		return 0, 0, err
	}
	ut, err := PriceToTick(upperPrice)
	if err != nil {
		return 0, 0, err
	}
	if strict {
		if lt%spacing != 0 {
			return 0, 0, fault.Tick(fault.Misaligned, "lower price %d maps to unaligned tick %d", lowerPrice, lt)
		}
		if ut%spacing != 0 {
			return 0, 0, fault.Tick(fault.Misaligned, "upper price %d maps to unaligned tick %d", upperPrice, ut)
		}
	}
	lower, upper := AlignDown(lt, spacing), AlignUp(ut, spacing)
	if err := ValidateRange(lower, upper, spacing, maxSpacings); err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

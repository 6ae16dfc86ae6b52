package liquidity

import (
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

// probeLiquidity sizes the notional position used to read ratios off the
// curve. Large enough that rounding stays below one ppm.
var probeLiquidity = uint256.NewInt(1_000_000_000_000_000_000)

// TargetRatio returns the share of value a position over [sa, sb] holds in
// token A and token B at sqrt price sp, each 1e6-scaled and summing to 1e6.
func TargetRatio(sp, sa, sb *uint256.Int) (uint64, uint64, error) {
	a, b, err := amounts256(sp, sa, sb, probeLiquidity, false)
	if err != nil {
		return 0, 0, err
	}
	total, err := valueInB256(sp, a, new(uint256.Int))
	if err != nil {
		return 0, 0, err
	}
	va := new(uint256.Int).Set(total)
	total.Add(total, b)
	if total.IsZero() {
		return 0, 0, fault.New(fault.DivisionByZero, "empty position value")
	}
	ra, err := fixedpoint.MulDiv256(va, uint256.NewInt(fixedpoint.HealthScale), total, false)
	if err != nil {
		return 0, 0, err
	}
	ra64 := ra.Uint64()
	return ra64, fixedpoint.HealthScale - ra64, nil
}

// ConcentrationFactor returns 2/(upper-lower) normalised against the full
// tick space, 1e6-scaled. A full-range position scores 1_000_000.
func ConcentrationFactor(lower, upper int32) (uint64, error) {
	if upper <= lower {
		return 0, fault.New(fault.DivisionByZero, "empty tick range [%d, %d]", lower, upper)
	}
	full := uint64(2 * int64(tickmath.MaxTick))
	return fixedpoint.MulDiv(full, fixedpoint.HealthScale, uint64(int64(upper)-int64(lower)))
}

// Severity buckets the magnitude of an impermanent loss.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor classifies a signed ppm figure by magnitude.
func SeverityFor(ppm int64) Severity {
	if ppm < 0 {
		ppm = -ppm
	}
	switch {
	case ppm <= 50_000:
		return SeverityLow
	case ppm <= 150_000:
		return SeverityMedium
	case ppm <= 300_000:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ImpermanentLoss is a signed ppm figure. In range it is the LP value
// relative to holding the entry amounts (never positive); out of range it is
// the signed relative price move since entry.
type ImpermanentLoss struct {
	Ppm      int64    `json:"ppm"`
	InRange  bool     `json:"in_range"`
	Severity Severity `json:"severity"`
}

// EstimateImpermanentLoss compares a position opened at entryPrice over
// [lower, upper] against holding its entry amounts at currentPrice. Prices
// are 1e6-scaled.
func EstimateImpermanentLoss(entryPrice, currentPrice uint64, lower, upper int32) (ImpermanentLoss, error) {
	sa, err := tickmath.SqrtPriceAtTick(lower)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	sb, err := tickmath.SqrtPriceAtTick(upper)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	s0, err := tickmath.SqrtPriceFromPrice(entryPrice)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	s1, err := tickmath.SqrtPriceFromPrice(currentPrice)
	if err != nil {
		return ImpermanentLoss{}, err
	}

	if !s1.Gt(sa) || !s1.Lt(sb) {
		move := int64(currentPrice) - int64(entryPrice)
		ppm := move * int64(fixedpoint.HealthScale) / int64(entryPrice)
		return ImpermanentLoss{Ppm: ppm, InRange: false, Severity: SeverityFor(ppm)}, nil
	}

	a0, b0, err := amounts256(s0, sa, sb, probeLiquidity, false)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	a1, b1, err := amounts256(s1, sa, sb, probeLiquidity, false)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	hold, err := valueInB256(s1, a0, b0)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	lp, err := valueInB256(s1, a1, b1)
	if err != nil {
		return ImpermanentLoss{}, err
	}
	if hold.IsZero() {
		return ImpermanentLoss{}, fault.New(fault.DivisionByZero, "empty hold value")
	}

	scale := uint256.NewInt(fixedpoint.HealthScale)
	var ppm int64
	if lp.Lt(hold) {
		diff := new(uint256.Int).Sub(hold, lp)
		q, err := fixedpoint.MulDiv256(diff, scale, hold, true)
		if err != nil {
			return ImpermanentLoss{}, err
		}
		ppm = -int64(q.Uint64())
	}
	return ImpermanentLoss{Ppm: ppm, InRange: true, Severity: SeverityFor(ppm)}, nil
}

// Package exposure implements per-owner position limits that account for
// correlation between token pairs.
//
// An owner levering SOL/USDC and SOL/USDT carries one SOL bet twice. Pairs
// that share a token are treated as correlated and their notional is
// capped in aggregate, on top of the per-position size gate.
package exposure

import (
	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
)

// PositionLimiter enforces size and exposure limits with correlation
// awareness. Notionals are in units of the debt token.
type PositionLimiter struct {
	// MinPosition and MaxPosition gate a single position's value.
	MinPosition uint64
	MaxPosition uint64

	// MaxCorrelated caps the aggregate notional across all pairs that share
	// a token with the target pair. Zero disables the cap.
	MaxCorrelated uint64

	// Neutral tokens never make two pairs correlated. Quote stablecoins
	// usually belong here; otherwise every USDC pair is one group.
	Neutral map[adapter.Token]bool
}

// NewPositionLimiter creates a limiter. neutral may be empty.
func NewPositionLimiter(minPosition, maxPosition, maxCorrelated uint64, neutral ...adapter.Token) *PositionLimiter {
	l := &PositionLimiter{
		MinPosition:   minPosition,
		MaxPosition:   maxPosition,
		MaxCorrelated: maxCorrelated,
		Neutral:       make(map[adapter.Token]bool, len(neutral)),
	}
	for _, t := range neutral {
		l.Neutral[t] = true
	}
	return l
}

// CheckSize validates a single position's estimated value.
func (l *PositionLimiter) CheckSize(value uint64) error {
	if value < l.MinPosition {
		return fault.New(fault.PositionTooSmall, "value %d below minimum %d", value, l.MinPosition)
	}
	if value > l.MaxPosition {
		return fault.New(fault.PositionTooLarge, "value %d above maximum %d", value, l.MaxPosition)
	}
	return nil
}

// CheckLimit validates whether adding delta of notional in target respects
// the correlated cap, given the owner's existing notional per pair.
func (l *PositionLimiter) CheckLimit(target adapter.Pair, delta uint64, existing map[adapter.Pair]uint64) error {
	if l.MaxCorrelated == 0 {
		return nil
	}

	total := delta
	for pair, notional := range existing {
		if pair == target || l.Correlated(pair, target) {
			total += notional
			if total < notional {
				return fault.New(fault.Overflow, "correlated exposure")
			}
		}
	}

	if total > l.MaxCorrelated {
		return fault.New(fault.ExposureLimitExceeded, "correlated exposure %d above %d", total, l.MaxCorrelated)
	}
	return nil
}

// Correlated reports whether two pairs share a non-neutral token.
func (l *PositionLimiter) Correlated(p, q adapter.Pair) bool {
	for _, t := range [2]adapter.Token{p.A, p.B} {
		if !l.Neutral[t] && q.Has(t) {
			return true
		}
	}
	return false
}

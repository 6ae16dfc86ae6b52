package liquidity

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

func sqrtAt(t *testing.T, tick int32) *uint256.Int {
	t.Helper()
	s, err := tickmath.SqrtPriceAtTick(tick)
	if err != nil {
		t.Fatalf("tick %d: %v", tick, err)
	}
	return s
}

func sqrtOf(t *testing.T, price uint64) *uint256.Int {
	t.Helper()
	s, err := tickmath.SqrtPriceFromPrice(price)
	if err != nil {
		t.Fatalf("price %d: %v", price, err)
	}
	return s
}

func TestForAmounts_OneSided(t *testing.T) {
	sa, sb := sqrtAt(t, 44992), sqrtAt(t, 47040)

	below := sqrtOf(t, 80_000_000)
	l, err := ForAmounts(below, sa, sb, 1_000_000, 0)
	if err != nil || l.IsZero() {
		t.Fatalf("below range: l=%v err=%v", l, err)
	}
	a, b, _ := Amounts(below, sa, sb, l, true)
	if b != 0 || a == 0 || a > 1_000_000 {
		t.Errorf("below range should hold only A within budget, got a=%d b=%d", a, b)
	}

	above := sqrtOf(t, 120_000_000)
	l, _ = ForAmounts(above, sa, sb, 0, 1_000_000)
	a, b, _ = Amounts(above, sa, sb, l, true)
	if a != 0 || b == 0 || b > 1_000_000 {
		t.Errorf("above range should hold only B within budget, got a=%d b=%d", a, b)
	}
}

func TestForAmounts_ConsumesBudget(t *testing.T) {
	sa, sb := sqrtAt(t, 44992), sqrtAt(t, 47040)
	sp := sqrtOf(t, 100_000_000)

	l, err := ForAmounts(sp, sa, sb, 10_000_000, 1_000_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, b, err := Amounts(sp, sa, sb, l, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a > 10_000_000 || b > 1_000_000_000 {
		t.Errorf("deposit (%d, %d) exceeds budget", a, b)
	}
}

// Sizing a deposit for L and reading the liquidity back off those amounts
// lands within one unit when the cheaper side's liquidity per token unit is
// at most 2.
func TestRoundTrip_WithinOneUnit(t *testing.T) {
	ranges := []struct {
		lower, upper int32
		price        uint64
	}{
		{44992, 47040, 100_000_000},
		{-13888, 13888, 1_000_000},
	}
	rng := rand.New(rand.NewSource(7))
	for _, r := range ranges {
		sa, sb := sqrtAt(t, r.lower), sqrtAt(t, r.upper)
		sp := sqrtOf(t, r.price)
		for i := 0; i < 500; i++ {
			l := uint256.NewInt(uint64(rng.Int63n(1_000_000_000_000_000)) + 1)
			a, b, err := Amounts(sp, sa, sb, l, true)
			if err != nil {
				t.Fatalf("amounts: %v", err)
			}
			back, err := ForAmounts(sp, sa, sb, a, b)
			if err != nil {
				t.Fatalf("for amounts: %v", err)
			}
			lo := new(uint256.Int).SubUint64(l, 1)
			hi := new(uint256.Int).AddUint64(l, 1)
			if back.Lt(lo) || back.Gt(hi) {
				t.Fatalf("range [%d,%d]: L=%s round-tripped to %s", r.lower, r.upper, l.Dec(), back.Dec())
			}
		}
	}
}

func TestAmounts_WithdrawNeverExceedsDeposit(t *testing.T) {
	sa, sb := sqrtAt(t, 44992), sqrtAt(t, 47040)
	sp := sqrtOf(t, 100_000_000)
	l := uint256.NewInt(123_456_789_012)

	inA, inB, _ := Amounts(sp, sa, sb, l, true)
	outA, outB, _ := Amounts(sp, sa, sb, l, false)
	if outA > inA || outB > inB {
		t.Errorf("withdraw (%d, %d) exceeds deposit (%d, %d)", outA, outB, inA, inB)
	}
}

func TestForAmounts_EmptyRange(t *testing.T) {
	s := sqrtAt(t, 100)
	if _, err := ForAmounts(s, s, s, 1, 1); !errors.Is(err, fault.DivisionByZero) {
		t.Errorf("expected DivisionByZero, got %v", err)
	}
}

func TestTargetRatio(t *testing.T) {
	sa, sb := sqrtAt(t, 44992), sqrtAt(t, 47040)

	ra, rb, err := TargetRatio(sqrtOf(t, 100_000_000), sa, sb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra != 481_913 || rb != 518_087 {
		t.Errorf("ratio = (%d, %d), want (481913, 518087)", ra, rb)
	}

	ra, rb, _ = TargetRatio(sqrtOf(t, 80_000_000), sa, sb)
	if ra != 1_000_000 || rb != 0 {
		t.Errorf("below range ratio = (%d, %d), want all A", ra, rb)
	}
	ra, rb, _ = TargetRatio(sqrtOf(t, 120_000_000), sa, sb)
	if ra != 0 || rb != 1_000_000 {
		t.Errorf("above range ratio = (%d, %d), want all B", ra, rb)
	}
}

func TestConcentrationFactor(t *testing.T) {
	full, _ := ConcentrationFactor(tickmath.MinTick, tickmath.MaxTick)
	if full != 1_000_000 {
		t.Errorf("full range factor = %d", full)
	}
	cf, _ := ConcentrationFactor(44992, 47040)
	if cf != 433_238_281 {
		t.Errorf("factor = %d, want 433238281", cf)
	}
	if _, err := ConcentrationFactor(10, 10); err == nil {
		t.Errorf("expected error for empty range")
	}
}

func TestEstimateImpermanentLoss(t *testing.T) {
	tests := []struct {
		name     string
		current  uint64
		ppm      int64
		inRange  bool
		severity Severity
	}{
		{"unchanged", 100_000_000, 0, true, SeverityLow},
		{"up five percent", 105_000_000, -5_967, true, SeverityLow},
		{"down five percent", 95_000_000, -6_582, true, SeverityLow},
		{"below range", 85_000_000, -150_000, false, SeverityMedium},
		{"far above range", 140_000_000, 400_000, false, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			il, err := EstimateImpermanentLoss(100_000_000, tt.current, 44992, 47040)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if il.Ppm != tt.ppm || il.InRange != tt.inRange || il.Severity != tt.severity {
				t.Errorf("got %+v, want ppm=%d inRange=%v severity=%s", il, tt.ppm, tt.inRange, tt.severity)
			}
		})
	}
}

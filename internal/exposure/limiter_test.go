package exposure

import (
	"errors"
	"testing"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
)

var (
	sol  = adapter.DeriveToken("SOL")
	eth  = adapter.DeriveToken("ETH")
	usdc = adapter.DeriveToken("USDC")
	usdt = adapter.DeriveToken("USDT")

	solUSDC = adapter.Pair{A: sol, B: usdc}
	solUSDT = adapter.Pair{A: sol, B: usdt}
	ethUSDC = adapter.Pair{A: eth, B: usdc}
)

func TestCheckSize(t *testing.T) {
	limiter := NewPositionLimiter(100, 1000, 0)

	if err := limiter.CheckSize(100); err != nil {
		t.Errorf("minimum should pass, got %v", err)
	}
	if err := limiter.CheckSize(1000); err != nil {
		t.Errorf("maximum should pass, got %v", err)
	}
	if err := limiter.CheckSize(99); !errors.Is(err, fault.PositionTooSmall) {
		t.Errorf("expected PositionTooSmall, got %v", err)
	}
	if err := limiter.CheckSize(1001); !errors.Is(err, fault.PositionTooLarge) {
		t.Errorf("expected PositionTooLarge, got %v", err)
	}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(0, 10_000, 5000, usdc, usdt)

	if err := limiter.CheckLimit(solUSDC, 100, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(0, 10_000, 2000, usdc, usdt)

	existing := map[adapter.Pair]uint64{
		solUSDC: 1200,
		solUSDT: 700,
	}

	// 200 + 1200 + 700 = 2100 > 2000: both existing pairs carry SOL.
	err := limiter.CheckLimit(solUSDC, 200, existing)
	if !errors.Is(err, fault.ExposureLimitExceeded) {
		t.Errorf("expected ExposureLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NeutralTokensIgnored(t *testing.T) {
	limiter := NewPositionLimiter(0, 10_000, 2000, usdc, usdt)

	existing := map[adapter.Pair]uint64{
		solUSDC: 800,
		ethUSDC: 1900, // shares only USDC, which is neutral
	}

	if err := limiter.CheckLimit(solUSDC, 500, existing); err != nil {
		t.Errorf("pairs sharing only a neutral token should be ignored, got %v", err)
	}
}

func TestCheckLimit_NoNeutralsGroupsByQuote(t *testing.T) {
	limiter := NewPositionLimiter(0, 10_000, 2000)

	existing := map[adapter.Pair]uint64{ethUSDC: 1900}
	if err := limiter.CheckLimit(solUSDC, 500, existing); !errors.Is(err, fault.ExposureLimitExceeded) {
		t.Errorf("expected USDC to correlate the pairs, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	limiter := NewPositionLimiter(0, 10_000, 0)

	existing := map[adapter.Pair]uint64{solUSDC: 1 << 62}
	if err := limiter.CheckLimit(solUSDC, 1<<62, existing); err != nil {
		t.Errorf("zero cap should disable the check, got %v", err)
	}
}

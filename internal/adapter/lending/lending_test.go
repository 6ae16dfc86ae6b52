package lending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/lending"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/venue"
)

var (
	sol  = adapter.DeriveToken("SOL")
	usdc = adapter.DeriveToken("USDC")
)

func TestAccruedInterest(t *testing.T) {
	tests := []struct {
		name      string
		principal uint64
		rate      uint64
		from, to  int64
		want      uint64
	}{
		{"one year", 1_000_000_000, 223, 0, lending.SecondsPerYear, 22_300_000},
		{"half year", 1_000_000_000, 223, 0, lending.SecondsPerYear / 2, 11_150_000},
		{"one day rounds up", 1_000_500_000, 500, 0, 86_400, 137_055},
		{"no time", 1_000_000_000, 500, 10, 10, 0},
		{"clock behind", 1_000_000_000, 500, 10, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lending.AccruedInterest(tt.principal, tt.rate, tt.from, tt.to)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMarketsHaveSaneParams(t *testing.T) {
	for _, m := range lending.Markets() {
		p := m.Params
		if p.MaxLTVBps >= p.LiquidationLTVBps || p.LiquidationLTVBps > 10_000 {
			t.Errorf("%s: max ltv %d, liquidation ltv %d", m.ID, p.MaxLTVBps, p.LiquidationLTVBps)
		}
		if p.MinHealthFactor <= 1_000_000 {
			t.Errorf("%s: min health factor %d", m.ID, p.MinHealthFactor)
		}
	}
}

func setup(t *testing.T) (*venue.Sim, *clock.Manual, *lending.Provider, adapter.Account) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sim := venue.New(clk)
	sim.AddLendingMarket(lending.Solend.ID, usdc, 10_000_000_000, lending.Solend.Params.Curve)
	return sim, clk, lending.New(lending.Solend, sim), adapter.DeriveAccount("borrower")
}

func TestBorrow_LTVCap(t *testing.T) {
	_, _, p, acct := setup(t)

	_, err := p.Borrow(context.Background(), adapter.BorrowRequest{
		Account: acct, CollateralValue: 1_000_000_000, Principal: 750_000_001,
		CollateralToken: sol, DebtToken: usdc,
	})
	assert.True(t, errors.Is(err, fault.InsufficientCollateral), "got %v", err)

	loan, err := p.Borrow(context.Background(), adapter.BorrowRequest{
		Account: acct, CollateralValue: 1_000_000_000, Principal: 750_000_000,
		CollateralToken: sol, DebtToken: usdc,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(750_000_000), loan.Principal)
}

func TestInterestAndRepay(t *testing.T) {
	sim, clk, p, acct := setup(t)
	ctx := context.Background()

	loan, err := p.Borrow(ctx, adapter.BorrowRequest{
		Account: acct, CollateralValue: 2_000_000_000, Principal: 1_000_000_000,
		CollateralToken: sol, DebtToken: usdc,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(223), loan.RateBps, "ten percent utilisation on the solend curve")
	assert.Equal(t, uint64(1_000_000_000), sim.Balance(acct, usdc))

	clk.Advance(lending.SecondsPerYear * time.Second)
	owed, err := p.Owed(ctx, loan.Handle)
	require.NoError(t, err)
	assert.Equal(t, adapter.Debt{Principal: 1_000_000_000, Interest: 22_300_000}, owed)

	repaid, interest, err := p.Repay(ctx, acct, loan.Handle, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), repaid)
	assert.Equal(t, uint64(10_000_000), interest, "interest is paid first")

	sim.Mint(acct, usdc, 100_000_000)
	repaid, interest, err = p.Repay(ctx, acct, loan.Handle, 2_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_012_300_000), repaid, "repay is capped at the balance owed")
	assert.Equal(t, uint64(12_300_000), interest)

	owed, err = p.Owed(ctx, loan.Handle)
	require.NoError(t, err)
	assert.Zero(t, owed.Total())
}

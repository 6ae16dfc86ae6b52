package shortloan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/shortloan"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/venue"
)

var usdc = adapter.DeriveToken("USDC")

func TestFee(t *testing.T) {
	tests := []struct {
		tier      shortloan.Tier
		principal uint64
		want      uint64
	}{
		{shortloan.Solend, 1_000_000_000, 500_000},
		{shortloan.Solend, 1_000_000_001, 500_001},
		{shortloan.Kamino, 1_000_000_000, 300_000},
		{shortloan.Port, 1_000_000_000, 1_000_000},
	}
	for _, tt := range tests {
		p := shortloan.New(tt.tier, nil)
		got, err := p.Fee(tt.principal)
		if err != nil {
			t.Fatalf("%s fee: %v", tt.tier.ID, err)
		}
		if got != tt.want {
			t.Errorf("%s fee(%d) = %d, want %d", tt.tier.ID, tt.principal, got, tt.want)
		}
	}
}

func TestFee_OutsideWindow(t *testing.T) {
	p := shortloan.New(shortloan.Port, nil)
	_, err := p.Fee(shortloan.Port.MinPrincipal - 1)
	assert.True(t, errors.Is(err, fault.ShortLoanUnavailable), "got %v", err)
	_, err = p.Fee(shortloan.Port.MaxPrincipal + 1)
	assert.True(t, errors.Is(err, fault.ShortLoanUnavailable), "got %v", err)
}

func TestBorrowRepay(t *testing.T) {
	ctx := context.Background()
	sim := venue.New(clock.NewManual(time.Unix(1_700_000_000, 0)))
	sim.FundFlash(shortloan.Solend.ID, usdc, 5_000_000_000)
	p := shortloan.New(shortloan.Solend, sim)
	acct := adapter.DeriveAccount("borrower")

	rc, err := p.Borrow(ctx, acct, usdc, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), rc.Fee)
	assert.Equal(t, uint64(1_000_000_000), sim.Balance(acct, usdc))
	assert.Equal(t, 1, sim.OpenFlashLoans())

	sim.Mint(acct, usdc, rc.Fee)
	require.NoError(t, p.Repay(ctx, acct, rc, rc.Principal+rc.Fee))
	assert.Zero(t, sim.Balance(acct, usdc))
	assert.Zero(t, sim.OpenFlashLoans())
}

func TestRepay_ExactAmountOnly(t *testing.T) {
	ctx := context.Background()
	sim := venue.New(clock.NewManual(time.Unix(0, 0)))
	sim.FundFlash(shortloan.Kamino.ID, usdc, 5_000_000_000)
	p := shortloan.New(shortloan.Kamino, sim)
	acct := adapter.DeriveAccount("borrower")

	rc, err := p.Borrow(ctx, acct, usdc, 1_000_000_000)
	require.NoError(t, err)

	err = p.Repay(ctx, acct, rc, rc.Principal)
	assert.True(t, errors.Is(err, fault.InsufficientToRepay), "got %v", err)
	assert.Zero(t, sim.Calls(shortloan.Kamino.ID, adapter.OpFlashRepay), "short repay never reaches the program")

	other := shortloan.New(shortloan.Solend, sim)
	err = other.Repay(ctx, acct, rc, rc.Principal+rc.Fee)
	assert.True(t, errors.Is(err, fault.ProviderMismatch), "got %v", err)
}

func TestBorrow_ReserveEmpty(t *testing.T) {
	sim := venue.New(clock.NewManual(time.Unix(0, 0)))
	sim.FundFlash(shortloan.Solend.ID, usdc, 100_000_000)
	p := shortloan.New(shortloan.Solend, sim)

	_, err := p.Borrow(context.Background(), adapter.DeriveAccount("x"), usdc, 1_000_000_000)
	assert.True(t, errors.Is(err, fault.ShortLoanUnavailable), "got %v", err)
	assert.True(t, errors.Is(err, venue.ErrReserveEmpty), "got %v", err)
}

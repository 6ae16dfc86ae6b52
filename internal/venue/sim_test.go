package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/shortloan"
	"github.com/atmx/leverage-engine/internal/adapter/token"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/venue"
)

var (
	usdc  = adapter.DeriveToken("USDC")
	alice = adapter.DeriveAccount("alice")
	bob   = adapter.DeriveAccount("bob")
)

func newSim() *venue.Sim {
	return venue.New(clock.NewManual(time.Unix(1_700_000_000, 0)))
}

func TestTransfer(t *testing.T) {
	sim := newSim()
	sim.Mint(alice, usdc, 100)
	tp := token.New(sim)
	ctx := context.Background()

	require.NoError(t, tp.Transfer(ctx, alice, bob, usdc, 60))
	assert.Equal(t, uint64(40), sim.Balance(alice, usdc))
	assert.Equal(t, uint64(60), sim.Balance(bob, usdc))

	err := tp.Transfer(ctx, alice, bob, usdc, 41)
	assert.True(t, errors.Is(err, venue.ErrInsufficientBalance), "got %v", err)

	bal, err := tp.Balance(ctx, bob, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), bal)
}

func TestTxn_RollbackRestores(t *testing.T) {
	sim := newSim()
	sim.Mint(alice, usdc, 100)
	ctx := context.Background()

	tx, err := sim.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, token.New(sim).Transfer(ctx, alice, bob, usdc, 100))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Commit(), "commit after rollback has no effect")

	assert.Equal(t, uint64(100), sim.Balance(alice, usdc))
	assert.Zero(t, sim.Balance(bob, usdc))
}

func TestTxn_CommitRefusesOpenFlashLoan(t *testing.T) {
	sim := newSim()
	sim.FundFlash(shortloan.Solend.ID, usdc, 5_000_000_000)
	ctx := context.Background()

	tx, err := sim.Begin(ctx)
	require.NoError(t, err)
	_, err = shortloan.New(shortloan.Solend, sim).Borrow(ctx, alice, usdc, 1_000_000_000)
	require.NoError(t, err)

	assert.Error(t, tx.Commit())
	assert.Zero(t, sim.Balance(alice, usdc), "borrowed funds are reverted")
	assert.Zero(t, sim.OpenFlashLoans())
}

func TestTxn_Serialised(t *testing.T) {
	sim := newSim()
	tx, err := sim.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sim.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tx.Commit())
	tx2, err := sim.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestFailOn(t *testing.T) {
	sim := newSim()
	sim.Mint(alice, usdc, 10)
	boom := errors.New("boom")
	sim.FailOn(token.ProgramID, adapter.OpTransfer, boom)

	err := token.New(sim).Transfer(context.Background(), alice, bob, usdc, 1)
	assert.ErrorIs(t, err, boom)

	sim.FailOn(token.ProgramID, adapter.OpTransfer, nil)
	assert.NoError(t, token.New(sim).Transfer(context.Background(), alice, bob, usdc, 1))
	assert.Equal(t, 2, sim.Calls(token.ProgramID, adapter.OpTransfer))
}

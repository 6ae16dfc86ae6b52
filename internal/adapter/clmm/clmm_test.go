package clmm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/clmm"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/venue"
)

var (
	sol  = adapter.DeriveToken("SOL")
	usdc = adapter.DeriveToken("USDC")
	pair = adapter.Pair{A: sol, B: usdc}
)

func setup(t *testing.T) (*venue.Sim, *clmm.Provider, adapter.Account) {
	t.Helper()
	sim := venue.New(clock.NewManual(time.Unix(1_700_000_000, 0)))
	sim.SetPrice(pair, 100_000_000)
	sim.AddPool(clmm.Orca.ID)
	acct := adapter.DeriveAccount("lp")
	sim.Mint(acct, sol, 9_638_260)
	sim.Mint(acct, usdc, 1_036_174_000)
	return sim, clmm.New(clmm.Orca, sim), acct
}

func deposit(acct adapter.Account) adapter.DepositRequest {
	return adapter.DepositRequest{
		Account: acct, Pair: pair,
		AmountA: 9_638_260, AmountB: 1_036_174_000,
		TickLower: 44_992, TickUpper: 47_040,
	}
}

func TestSpacings(t *testing.T) {
	for _, p := range clmm.Pools() {
		if got := clmm.New(p, nil).Spacing(); got != p.Spacing || got <= 0 {
			t.Errorf("%s spacing = %d", p.ID, got)
		}
	}
}

func TestIncreaseLiquidity(t *testing.T) {
	sim, p, acct := setup(t)

	dep, err := p.IncreaseLiquidity(context.Background(), deposit(acct))
	require.NoError(t, err)
	assert.False(t, dep.Liquidity.IsZero())
	assert.NotEmpty(t, dep.Handle)
	assert.LessOrEqual(t, dep.ActualA, uint64(9_638_260))
	assert.LessOrEqual(t, dep.ActualB, uint64(1_036_174_000))

	// Balanced inputs are consumed almost entirely; the rest stays with the owner.
	assert.Equal(t, 9_638_260-dep.ActualA, sim.Balance(acct, sol))
	assert.Equal(t, 1_036_174_000-dep.ActualB, sim.Balance(acct, usdc))
	assert.Less(t, sim.Balance(acct, usdc), uint64(10_000_000))
}

func TestIncreaseLiquidity_ShortBalanceMovesNothing(t *testing.T) {
	sim, p, acct := setup(t)
	req := deposit(acct)
	req.AmountA, req.AmountB = 2*req.AmountA, 2*req.AmountB

	_, err := p.IncreaseLiquidity(context.Background(), req)
	assert.True(t, errors.Is(err, venue.ErrInsufficientBalance), "got %v", err)
	assert.Equal(t, uint64(9_638_260), sim.Balance(acct, sol))
	assert.Equal(t, uint64(1_036_174_000), sim.Balance(acct, usdc))
}

func TestIncreaseLiquidity_Misaligned(t *testing.T) {
	_, p, acct := setup(t)
	req := deposit(acct)
	req.TickUpper = 47_001

	_, err := p.IncreaseLiquidity(context.Background(), req)
	assert.True(t, errors.Is(err, fault.Match(fault.InvalidTickRange, fault.Misaligned)), "got %v", err)
}

func TestIncreaseLiquidity_UnknownPool(t *testing.T) {
	sim, _, acct := setup(t)
	p := clmm.New(clmm.Raydium, sim)
	req := deposit(acct)
	req.TickLower, req.TickUpper = 45_000, 47_040

	_, err := p.IncreaseLiquidity(context.Background(), req)
	assert.True(t, errors.Is(err, fault.LiquidityDepositRejected), "got %v", err)
}

func TestDecreaseAndCollect(t *testing.T) {
	sim, p, acct := setup(t)
	ctx := context.Background()
	dep, err := p.IncreaseLiquidity(ctx, deposit(acct))
	require.NoError(t, err)

	a, b, err := p.DecreaseLiquidity(ctx, acct, dep.Handle, new(uint256.Int))
	require.NoError(t, err)
	assert.Zero(t, a+b, "zero withdrawal is a no-op")
	assert.Zero(t, sim.Calls(clmm.Orca.ID, adapter.OpDecreaseLiquidity))

	require.NoError(t, sim.AccrueFees(dep.Handle, 1_000, 100_000))
	fa, fb, err := p.CollectFees(ctx, acct, dep.Handle)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), fa)
	assert.Equal(t, uint64(100_000), fb)

	a, b, err = p.DecreaseLiquidity(ctx, acct, dep.Handle, dep.Liquidity)
	require.NoError(t, err)
	assert.LessOrEqual(t, a, dep.ActualA, "withdrawal rounds down")
	assert.LessOrEqual(t, b, dep.ActualB, "withdrawal rounds down")
	assert.True(t, sim.PositionLiquidity(dep.Handle).IsZero())

	_, _, err = p.DecreaseLiquidity(ctx, adapter.DeriveAccount("someone else"), dep.Handle, uint256.NewInt(1))
	assert.True(t, errors.Is(err, venue.ErrWrongOwner), "got %v", err)
}

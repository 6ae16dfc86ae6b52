// Package clmm implements concentrated-liquidity pool adapters.
package clmm

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
)

// Layout is a program's field order for liquidity instructions.
type Layout int

const (
	// LayoutWhirlpool encodes [tick_lower, tick_upper, max_a, max_b].
	LayoutWhirlpool Layout = iota
	// LayoutRaydium encodes [max_a, max_b, tick_lower, tick_upper, base_flag].
	LayoutRaydium
	// LayoutBins encodes [lower_bin, bin_count, max_a, max_b] with bins of
	// one spacing each.
	LayoutBins
)

// Pool describes a concentrated-liquidity venue.
type Pool struct {
	ID      adapter.ProviderID
	Spacing int32
	Layout  Layout
}

var (
	Orca    = Pool{ID: "orca", Spacing: 64, Layout: LayoutWhirlpool}
	Raydium = Pool{ID: "raydium", Spacing: 60, Layout: LayoutRaydium}
	Meteora = Pool{ID: "meteora", Spacing: 10, Layout: LayoutBins}
)

// Pools lists the built-in venues.
func Pools() []Pool { return []Pool{Orca, Raydium, Meteora} }

// Provider is an adapter for one pool program.
type Provider struct {
	pool Pool
	exec adapter.Executor
}

// New creates a provider.
func New(pool Pool, exec adapter.Executor) *Provider {
	return &Provider{pool: pool, exec: exec}
}

func (p *Provider) ID() adapter.ProviderID { return p.pool.ID }
func (p *Provider) Spacing() int32         { return p.pool.Spacing }

func (p *Provider) depositData(req adapter.DepositRequest) []byte {
	switch p.pool.Layout {
	case LayoutRaydium:
		return adapter.EncodeData(p.pool.ID, adapter.OpIncreaseLiquidity,
			req.AmountA, req.AmountB, req.TickLower, req.TickUpper, true)
	case LayoutBins:
		lowerBin := req.TickLower / p.pool.Spacing
		bins := (req.TickUpper - req.TickLower) / p.pool.Spacing
		return adapter.EncodeData(p.pool.ID, adapter.OpIncreaseLiquidity,
			lowerBin, bins, req.AmountA, req.AmountB)
	default:
		return adapter.EncodeData(p.pool.ID, adapter.OpIncreaseLiquidity,
			req.TickLower, req.TickUpper, req.AmountA, req.AmountB)
	}
}

// IncreaseLiquidity deposits up to the requested amounts. The pool may take
// less and refund the rest; taking more is a contract breach.
func (p *Provider) IncreaseLiquidity(ctx context.Context, req adapter.DepositRequest) (adapter.Deposit, error) {
	if req.TickLower%p.pool.Spacing != 0 || req.TickUpper%p.pool.Spacing != 0 {
		return adapter.Deposit{}, fault.Tick(fault.Misaligned, "%s: ticks [%d, %d] not on spacing %d",
			p.pool.ID, req.TickLower, req.TickUpper, p.pool.Spacing)
	}
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.pool.ID,
		Op:      adapter.OpIncreaseLiquidity,
		Owner:   req.Account,
		Tokens:  []adapter.Token{req.Pair.A, req.Pair.B},
		Amounts: []uint64{req.AmountA, req.AmountB},
		Ticks:   [2]int32{req.TickLower, req.TickUpper},
		Data:    p.depositData(req),
	})
	if err != nil {
		return adapter.Deposit{}, fault.Wrap(fault.LiquidityDepositRejected, err, "%s", p.pool.ID)
	}
	dep := adapter.Deposit{
		Liquidity: rc.Liquidity,
		ActualA:   rc.Amount(0),
		ActualB:   rc.Amount(1),
		Handle:    rc.Handle,
	}
	if dep.Liquidity == nil || dep.Liquidity.IsZero() {
		return adapter.Deposit{}, fault.New(fault.LiquidityDepositRejected, "%s: zero liquidity minted", p.pool.ID)
	}
	if dep.ActualA > req.AmountA || dep.ActualB > req.AmountB {
		return adapter.Deposit{}, fault.New(fault.LiquidityDepositRejected,
			"%s: took (%d, %d), offered (%d, %d)", p.pool.ID, dep.ActualA, dep.ActualB, req.AmountA, req.AmountB)
	}
	if dep.Handle == "" {
		return adapter.Deposit{}, fault.New(fault.LiquidityDepositRejected, "%s: no position handle", p.pool.ID)
	}
	return dep, nil
}

// DecreaseLiquidity withdraws liquidity units from a position. Withdrawing
// zero is a no-op.
func (p *Provider) DecreaseLiquidity(ctx context.Context, owner adapter.Account, handle string, liquidity *uint256.Int) (uint64, uint64, error) {
	if liquidity == nil || liquidity.IsZero() {
		return 0, 0, nil
	}
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program:   p.pool.ID,
		Op:        adapter.OpDecreaseLiquidity,
		Owner:     owner,
		Handle:    handle,
		Liquidity: liquidity,
		Data:      adapter.EncodeData(p.pool.ID, adapter.OpDecreaseLiquidity, liquidity, uint64(0), uint64(0)),
	})
	if err != nil {
		return 0, 0, fault.Wrap(fault.LiquidityDepositRejected, err, "%s: decrease", p.pool.ID)
	}
	return rc.Amount(0), rc.Amount(1), nil
}

// CollectFees sweeps accrued trading fees to owner.
func (p *Provider) CollectFees(ctx context.Context, owner adapter.Account, handle string) (uint64, uint64, error) {
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.pool.ID,
		Op:      adapter.OpCollectFees,
		Owner:   owner,
		Handle:  handle,
		Data:    adapter.EncodeData(p.pool.ID, adapter.OpCollectFees),
	})
	if err != nil {
		return 0, 0, fault.Wrap(fault.LiquidityDepositRejected, err, "%s: collect", p.pool.ID)
	}
	return rc.Amount(0), rc.Amount(1), nil
}

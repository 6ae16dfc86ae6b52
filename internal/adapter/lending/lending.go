// Package lending implements collateralised-loan adapters. Interest is
// simple and accrues per second at the rate fixed when the loan opened.
package lending

import (
	"context"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

// SecondsPerYear is the accrual basis.
const SecondsPerYear = 31_536_000

// Market describes a lending venue.
type Market struct {
	ID     adapter.ProviderID
	Params adapter.ProviderParams
}

var (
	MarginFi = Market{ID: "marginfi-lending", Params: adapter.ProviderParams{
		MaxLTVBps: 8_000, LiquidationLTVBps: 8_500, LiquidationPenaltyBps: 500, MinHealthFactor: 1_200_000,
		Curve: adapter.RateCurve{BaseBps: 200, KinkBps: 800, MaxBps: 3_000, KinkUtilisationBps: 8_000},
	}}
	Solend = Market{ID: "solend-lending", Params: adapter.ProviderParams{
		MaxLTVBps: 7_500, LiquidationLTVBps: 8_000, LiquidationPenaltyBps: 300, MinHealthFactor: 1_250_000,
		Curve: adapter.RateCurve{BaseBps: 150, KinkBps: 700, MaxBps: 2_500, KinkUtilisationBps: 7_500},
	}}
	Kamino = Market{ID: "kamino-lending", Params: adapter.ProviderParams{
		MaxLTVBps: 8_200, LiquidationLTVBps: 8_700, LiquidationPenaltyBps: 400, MinHealthFactor: 1_150_000,
		Curve: adapter.RateCurve{BaseBps: 100, KinkBps: 600, MaxBps: 2_000, KinkUtilisationBps: 8_500},
	}}
	Port = Market{ID: "port-lending", Params: adapter.ProviderParams{
		MaxLTVBps: 7_000, LiquidationLTVBps: 7_500, LiquidationPenaltyBps: 600, MinHealthFactor: 1_300_000,
		Curve: adapter.RateCurve{BaseBps: 250, KinkBps: 900, MaxBps: 3_500, KinkUtilisationBps: 8_000},
	}}
)

// Markets lists the built-in venues.
func Markets() []Market { return []Market{MarginFi, Solend, Kamino, Port} }

// AccruedInterest is principal*rate*elapsed/(10000*year), rounded up since
// the borrower owes it.
func AccruedInterest(principal, rateBps uint64, from, to int64) (uint64, error) {
	if to <= from || principal == 0 || rateBps == 0 {
		return 0, nil
	}
	perYear, err := fixedpoint.MulDivUp(principal, rateBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDivUp(perYear, uint64(to-from), SecondsPerYear)
}

// Provider is an adapter for one lending market.
type Provider struct {
	market Market
	exec   adapter.Executor
}

// New creates a provider.
func New(market Market, exec adapter.Executor) *Provider {
	return &Provider{market: market, exec: exec}
}

func (p *Provider) ID() adapter.ProviderID         { return p.market.ID }
func (p *Provider) Params() adapter.ProviderParams { return p.market.Params }

// Borrow opens a loan of req.Principal against req.CollateralValue. The
// market's max LTV is checked before the program is called.
func (p *Provider) Borrow(ctx context.Context, req adapter.BorrowRequest) (adapter.Loan, error) {
	if req.Principal == 0 {
		return adapter.Loan{}, fault.New(fault.CollateralLoanRejected, "%s: zero principal", p.market.ID)
	}
	limit, err := fixedpoint.ApplyBps(req.CollateralValue, p.market.Params.MaxLTVBps)
	if err != nil {
		return adapter.Loan{}, err
	}
	if req.Principal > limit {
		return adapter.Loan{}, fault.New(fault.InsufficientCollateral, "%s: principal %d over ltv limit %d",
			p.market.ID, req.Principal, limit)
	}
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.market.ID,
		Op:      adapter.OpBorrow,
		Owner:   req.Account,
		Tokens:  []adapter.Token{req.CollateralToken, req.DebtToken},
		Amounts: []uint64{req.CollateralValue, req.Principal},
		Handle:  req.CollateralHandle,
		Data:    adapter.EncodeData(p.market.ID, adapter.OpBorrow, req.Principal, req.CollateralValue),
	})
	if err != nil {
		return adapter.Loan{}, fault.Wrap(fault.CollateralLoanRejected, err, "%s", p.market.ID)
	}
	loan := adapter.Loan{Handle: rc.Handle, Principal: rc.Amount(0), RateBps: rc.Amount(1)}
	if loan.Handle == "" || loan.Principal != req.Principal {
		return adapter.Loan{}, fault.New(fault.CollateralLoanRejected, "%s: lent %d of %d",
			p.market.ID, loan.Principal, req.Principal)
	}
	return loan, nil
}

// Repay pays up to amount against the loan, interest first. Paying zero is
// a no-op.
func (p *Provider) Repay(ctx context.Context, from adapter.Account, handle string, amount uint64) (uint64, uint64, error) {
	if amount == 0 {
		return 0, 0, nil
	}
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.market.ID,
		Op:      adapter.OpRepay,
		Owner:   from,
		Handle:  handle,
		Amounts: []uint64{amount},
		Data:    adapter.EncodeData(p.market.ID, adapter.OpRepay, amount),
	})
	if err != nil {
		return 0, 0, fault.Wrap(fault.InsufficientToRepay, err, "%s", p.market.ID)
	}
	return rc.Amount(0), rc.Amount(1), nil
}

// Owed quotes the loan's outstanding principal and accrued interest.
func (p *Provider) Owed(ctx context.Context, handle string) (adapter.Debt, error) {
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.market.ID,
		Op:      adapter.OpQuoteDebt,
		Handle:  handle,
		Data:    adapter.EncodeData(p.market.ID, adapter.OpQuoteDebt),
	})
	if err != nil {
		return adapter.Debt{}, fault.Wrap(fault.CollateralLoanRejected, err, "%s: quote", p.market.ID)
	}
	return adapter.Debt{Principal: rc.Amount(0), Interest: rc.Amount(1)}, nil
}

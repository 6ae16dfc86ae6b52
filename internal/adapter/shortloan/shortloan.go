// Package shortloan implements flash-loan adapters. Each provider is a fee
// tier, a principal window, and an instruction layout; the loan itself is
// executed by the foreign program.
package shortloan

import (
	"context"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

// Layout selects how a program orders its instruction fields.
type Layout int

const (
	// LayoutAmount encodes [amount].
	LayoutAmount Layout = iota
	// LayoutAmountFee encodes [amount, fee].
	LayoutAmountFee
	// LayoutFlagged encodes [flags u8, amount].
	LayoutFlagged
)

// Tier describes a flash-loan venue.
type Tier struct {
	ID           adapter.ProviderID
	FeeBps       uint64
	MinPrincipal uint64
	MaxPrincipal uint64
	Atomic       bool
	Layout       Layout
}

var (
	Solend   = Tier{ID: "solend", FeeBps: 5, MinPrincipal: 100_000_000, MaxPrincipal: 10_000_000_000_000, Atomic: true, Layout: LayoutAmount}
	Kamino   = Tier{ID: "kamino", FeeBps: 3, MinPrincipal: 50_000_000, MaxPrincipal: 5_000_000_000_000, Atomic: true, Layout: LayoutAmountFee}
	MarginFi = Tier{ID: "marginfi", FeeBps: 5, MinPrincipal: 100_000_000, MaxPrincipal: 8_000_000_000_000, Atomic: true, Layout: LayoutAmount}
	Port     = Tier{ID: "port", FeeBps: 10, MinPrincipal: 200_000_000, MaxPrincipal: 3_000_000_000_000, Atomic: true, Layout: LayoutFlagged}
)

// Tiers lists the built-in venues.
func Tiers() []Tier { return []Tier{Solend, Kamino, MarginFi, Port} }

// Provider is a flash-loan adapter for one tier.
type Provider struct {
	tier Tier
	exec adapter.Executor
}

// New creates a provider.
func New(tier Tier, exec adapter.Executor) *Provider {
	return &Provider{tier: tier, exec: exec}
}

func (p *Provider) ID() adapter.ProviderID { return p.tier.ID }
func (p *Provider) Atomic() bool           { return p.tier.Atomic }

// Tier returns the provider's static terms.
func (p *Provider) Tier() Tier { return p.tier }

// Fee is principal*fee_bps/10000 rounded up; the borrower owes it.
func (p *Provider) Fee(principal uint64) (uint64, error) {
	if principal < p.tier.MinPrincipal || principal > p.tier.MaxPrincipal {
		return 0, fault.New(fault.ShortLoanUnavailable, "%s serves %d..%d, asked %d",
			p.tier.ID, p.tier.MinPrincipal, p.tier.MaxPrincipal, principal)
	}
	return fixedpoint.ApplyBpsUp(principal, p.tier.FeeBps)
}

func (p *Provider) data(op adapter.Op, amount, fee uint64) []byte {
	switch p.tier.Layout {
	case LayoutAmountFee:
		return adapter.EncodeData(p.tier.ID, op, amount, fee)
	case LayoutFlagged:
		return adapter.EncodeData(p.tier.ID, op, uint8(1), amount)
	default:
		return adapter.EncodeData(p.tier.ID, op, amount)
	}
}

// Borrow takes principal of token into the to account.
func (p *Provider) Borrow(ctx context.Context, to adapter.Account, token adapter.Token, principal uint64) (adapter.ShortLoanReceipt, error) {
	fee, err := p.Fee(principal)
	if err != nil {
		return adapter.ShortLoanReceipt{}, err
	}
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.tier.ID,
		Op:      adapter.OpFlashBorrow,
		Owner:   to,
		Tokens:  []adapter.Token{token},
		Amounts: []uint64{principal, fee},
		Data:    p.data(adapter.OpFlashBorrow, principal, fee),
	})
	if err != nil {
		return adapter.ShortLoanReceipt{}, fault.Wrap(fault.ShortLoanUnavailable, err, "%s borrow", p.tier.ID)
	}
	return adapter.ShortLoanReceipt{
		Provider:  p.tier.ID,
		Token:     token,
		Principal: principal,
		Fee:       fee,
		Handle:    rc.Handle,
	}, nil
}

// Repay returns principal+fee. Any other amount is refused before reaching
// the program.
func (p *Provider) Repay(ctx context.Context, from adapter.Account, receipt adapter.ShortLoanReceipt, amount uint64) error {
	if receipt.Provider != p.tier.ID {
		return fault.New(fault.ProviderMismatch, "receipt from %s repaid to %s", receipt.Provider, p.tier.ID)
	}
	owed := receipt.Principal + receipt.Fee
	if amount != owed {
		return fault.New(fault.InsufficientToRepay, "%s repay %d, owed %d", p.tier.ID, amount, owed)
	}
	_, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: p.tier.ID,
		Op:      adapter.OpFlashRepay,
		Owner:   from,
		Tokens:  []adapter.Token{receipt.Token},
		Amounts: []uint64{amount},
		Handle:  receipt.Handle,
		Data:    p.data(adapter.OpFlashRepay, amount, receipt.Fee),
	})
	if err != nil {
		return fault.Wrap(fault.InsufficientToRepay, err, "%s repay", p.tier.ID)
	}
	return nil
}

// Package token moves balances between accounts through the host's token
// program.
package token

import (
	"context"
	"fmt"

	"github.com/atmx/leverage-engine/internal/adapter"
)

// ProgramID is the token program's identity.
const ProgramID adapter.ProviderID = "token"

// Program issues transfer and balance instructions.
type Program struct {
	exec adapter.Executor
}

// New creates a token program client.
func New(exec adapter.Executor) *Program {
	return &Program{exec: exec}
}

// Transfer moves amount of tok from one account to another. A zero amount
// is a no-op.
func (p *Program) Transfer(ctx context.Context, from, to adapter.Account, tok adapter.Token, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	_, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: ProgramID,
		Op:      adapter.OpTransfer,
		Owner:   from,
		To:      to,
		Tokens:  []adapter.Token{tok},
		Amounts: []uint64{amount},
		Data:    adapter.EncodeData(ProgramID, adapter.OpTransfer, amount, to[:]),
	})
	if err != nil {
		return fmt.Errorf("token: transfer %d: %w", amount, err)
	}
	return nil
}

// Balance returns the account's holding of tok.
func (p *Program) Balance(ctx context.Context, acct adapter.Account, tok adapter.Token) (uint64, error) {
	rc, err := p.exec.Execute(ctx, adapter.Instruction{
		Program: ProgramID,
		Op:      adapter.OpBalance,
		Owner:   acct,
		Tokens:  []adapter.Token{tok},
		Data:    adapter.EncodeData(ProgramID, adapter.OpBalance),
	})
	if err != nil {
		return 0, fmt.Errorf("token: balance: %w", err)
	}
	return rc.Amount(0), nil
}

// Balances returns the account's holdings of both sides of a pair.
func (p *Program) Balances(ctx context.Context, acct adapter.Account, pair adapter.Pair) (uint64, uint64, error) {
	a, err := p.Balance(ctx, acct, pair.A)
	if err != nil {
		return 0, 0, err
	}
	b, err := p.Balance(ctx, acct, pair.B)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

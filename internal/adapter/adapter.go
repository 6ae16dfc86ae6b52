// Package adapter defines the call contracts every foreign-protocol adapter
// honours: short-term loans, AMM swaps, concentrated-liquidity pools, and
// collateralised loans. Concrete providers live in the subpackages and are
// stateless: state lives in the foreign protocol or in the position record.
package adapter

import (
	"context"

	"github.com/holiman/uint256"
)

// ProviderID names a concrete provider, e.g. "solend" or "orca".
type ProviderID string

// Family is the capability set a provider implements.
type Family string

const (
	FamilyShortLoan      Family = "short_loan"
	FamilySwap           Family = "swap"
	FamilyClmm           Family = "clmm"
	FamilyCollateralLoan Family = "collateral_loan"
)

// ShortLoanReceipt is valid only inside the transaction that borrowed.
type ShortLoanReceipt struct {
	Provider  ProviderID
	Token     Token
	Principal uint64
	Fee       uint64
	Handle    string
}

// ShortLoanProvider lends without collateral inside one atomic transaction.
type ShortLoanProvider interface {
	ID() ProviderID
	// Atomic reports whether borrow and repay are guaranteed to bracket the
	// caller's work in one transaction. Providers that cannot are refused.
	Atomic() bool
	Fee(principal uint64) (uint64, error)
	Borrow(ctx context.Context, to Account, token Token, principal uint64) (ShortLoanReceipt, error)
	Repay(ctx context.Context, from Account, receipt ShortLoanReceipt, amount uint64) error
}

// SwapRequest is one AMM swap.
type SwapRequest struct {
	Account   Account
	InToken   Token
	OutToken  Token
	Input     uint64
	MinOutput uint64
	Route     []byte
	Deadline  int64
}

// AmmSwap executes routed swaps. Slippage enforcement belongs to the
// adapter; callers only set MinOutput.
type AmmSwap interface {
	ID() ProviderID
	Swap(ctx context.Context, req SwapRequest) (uint64, error)
}

// DepositRequest adds liquidity over a tick range.
type DepositRequest struct {
	Account   Account
	Pair      Pair
	AmountA   uint64
	AmountB   uint64
	TickLower int32
	TickUpper int32
}

// Deposit is the result of IncreaseLiquidity. Actual amounts never exceed
// the requested ones; the remainder is refunded.
type Deposit struct {
	Liquidity *uint256.Int
	ActualA   uint64
	ActualB   uint64
	Handle    string
}

// ClmmProvider manages concentrated-liquidity positions. Handles survive
// across transactions.
type ClmmProvider interface {
	ID() ProviderID
	Spacing() int32
	IncreaseLiquidity(ctx context.Context, req DepositRequest) (Deposit, error)
	DecreaseLiquidity(ctx context.Context, owner Account, handle string, liquidity *uint256.Int) (uint64, uint64, error)
	CollectFees(ctx context.Context, owner Account, handle string) (uint64, uint64, error)
}

// BorrowRequest opens a collateralised loan.
type BorrowRequest struct {
	Account          Account
	CollateralValue  uint64
	Principal        uint64
	CollateralToken  Token
	DebtToken        Token
	CollateralHandle string
}

// Loan is an open collateralised loan.
type Loan struct {
	Handle    string
	Principal uint64
	RateBps   uint64
}

// Debt is a loan's outstanding balance.
type Debt struct {
	Principal uint64
	Interest  uint64
}

// Total is principal plus accrued interest.
func (d Debt) Total() uint64 { return d.Principal + d.Interest }

// CollateralLoanProvider lends against a valued collateral.
type CollateralLoanProvider interface {
	ID() ProviderID
	Params() ProviderParams
	Borrow(ctx context.Context, req BorrowRequest) (Loan, error)
	// Repay pays interest first, then principal.
	Repay(ctx context.Context, from Account, handle string, amount uint64) (repaid, interestPaid uint64, err error)
	Owed(ctx context.Context, handle string) (Debt, error)
}

// ProviderParams is static metadata for a collateralised-loan provider.
type ProviderParams struct {
	MaxLTVBps             uint64    `json:"max_ltv_bps" yaml:"max_ltv_bps"`
	LiquidationLTVBps     uint64    `json:"liquidation_ltv_bps" yaml:"liquidation_ltv_bps"`
	LiquidationPenaltyBps uint64    `json:"liquidation_penalty_bps" yaml:"liquidation_penalty_bps"`
	MinHealthFactor       uint64    `json:"min_health_factor" yaml:"min_health_factor"`
	Curve                 RateCurve `json:"curve" yaml:"curve"`
}

// RateCurve is a two-slope borrow rate keyed on utilisation.
type RateCurve struct {
	BaseBps            uint64 `json:"base_bps" yaml:"base_bps"`
	KinkBps            uint64 `json:"kink_bps" yaml:"kink_bps"`
	MaxBps             uint64 `json:"max_bps" yaml:"max_bps"`
	KinkUtilisationBps uint64 `json:"kink_utilisation_bps" yaml:"kink_utilisation_bps"`
}

// Rate returns the borrow rate in bp at utilisation utilBps.
func (c RateCurve) Rate(utilBps uint64) uint64 {
	if utilBps > 10_000 {
		utilBps = 10_000
	}
	if c.KinkUtilisationBps == 0 || c.KinkUtilisationBps >= 10_000 {
		return c.BaseBps + (c.MaxBps-c.BaseBps)*utilBps/10_000
	}
	if utilBps <= c.KinkUtilisationBps {
		return c.BaseBps + (c.KinkBps-c.BaseBps)*utilBps/c.KinkUtilisationBps
	}
	over := utilBps - c.KinkUtilisationBps
	return c.KinkBps + (c.MaxBps-c.KinkBps)*over/(10_000-c.KinkUtilisationBps)
}

// Host runs a flow as one transaction: either every foreign-protocol
// mutation made between Begin and Commit lands, or none does.
type Host interface {
	Begin(ctx context.Context) (Txn, error)
}

// Txn is an open host transaction. Commit and Rollback are each safe to
// call after the other; only the first takes effect.
type Txn interface {
	Commit() error
	Rollback() error
}

package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/exposure"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/liquidity"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/swapsizer"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

// openPlan is everything Validate establishes for the later stages.
type openPlan struct {
	cfg       model.GlobalConfig
	shortLoan adapter.ShortLoanProvider
	swapper   adapter.AmmSwap
	clmm      adapter.ClmmProvider
	lender    adapter.CollateralLoanProvider

	price     uint64
	tickLower int32
	tickUpper int32
	capital   uint64
	fee       uint64
}

// borrowed is the Borrow stage's output.
type borrowed struct {
	receipt adapter.ShortLoanReceipt
	repaid  bool
}

// deposited is the Deposit stage's output.
type deposited struct {
	dep   adapter.Deposit
	idleA uint64
	idleB uint64
}

// Open runs the open flow and returns the new position's id. A failure is
// a *FlowError naming the stage and root cause; nothing it did remains.
func (c *Coordinator) Open(ctx context.Context, owner adapter.Account, p model.OpenParams) (model.PositionID, error) {
	start := time.Now()
	flowID := newFlowID()
	id, err := c.open(ctx, owner, p, flowID)
	c.observe("open", start, err)
	if err != nil {
		if fe, ok := err.(*FlowError); ok {
			slog.Warn("open failed",
				"owner", owner,
				"pair", p.Pair,
				"flow_id", flowID,
				"stage", fe.Stage,
				"kind", fault.KindOf(fe.Cause).String(),
				"err", fe.Cause,
				"compensated", fe.Compensated,
			)
		}
		if c.events != nil {
			c.events.Publish(Event{Type: EventOpenFail, Owner: owner, Pair: p.Pair, FlowID: flowID, Time: c.clock.Now().UTC()})
		}
	}
	return id, err
}

func (c *Coordinator) open(ctx context.Context, owner adapter.Account, p model.OpenParams, flowID string) (model.PositionID, error) {
	env := newEnvelope("open", flowID)

	unlock, err := c.ledger.TryLock(owner, p.Pair, flowID)
	if err != nil {
		return 0, env.fail(ctx, fault.StageValidate, err)
	}
	defer unlock()

	plan, err := c.validateOpen(ctx, owner, p)
	if err != nil {
		return 0, env.fail(ctx, fault.StageValidate, err)
	}

	txn, err := c.host.Begin(ctx)
	if err != nil {
		return 0, env.fail(ctx, fault.StageValidate, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Rollback()
		}
	}()

	id := c.ledger.NextID()
	escrow := EscrowFor(owner, p.Pair, id)

	// Borrow.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageBorrow, err)
	}
	loan, err := c.borrowStage(ctx, env, owner, escrow, p, plan)
	if err != nil {
		return 0, env.fail(ctx, fault.StageBorrow, err)
	}

	// Swap.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageSwap, err)
	}
	if err := c.swapStage(ctx, env, escrow, p, plan); err != nil {
		return 0, env.fail(ctx, fault.StageSwap, err)
	}

	// Deposit.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageDeposit, err)
	}
	dep, err := c.depositStage(ctx, env, escrow, p.Pair, plan)
	if err != nil {
		return 0, env.fail(ctx, fault.StageDeposit, err)
	}

	// LongBorrow.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageLongBorrow, err)
	}
	long, hf, err := c.longBorrowStage(ctx, env, escrow, p, plan, dep)
	if err != nil {
		return 0, env.fail(ctx, fault.StageLongBorrow, err)
	}

	// ShortRepay.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageShortRepay, err)
	}
	owed := loan.receipt.Principal + loan.receipt.Fee
	if err := plan.shortLoan.Repay(ctx, escrow, loan.receipt, owed); err != nil {
		return 0, env.fail(ctx, fault.StageShortRepay, err)
	}
	loan.repaid = true

	// Commit.
	if err := c.checkDeadline(p.Deadline); err != nil {
		return 0, env.fail(ctx, fault.StageCommit, err)
	}
	idleA, idleB, err := c.tokens.Balances(ctx, escrow, p.Pair)
	if err != nil {
		return 0, env.fail(ctx, fault.StageCommit, err)
	}

	now := c.clock.Now().UTC()
	pos := &model.Position{
		ID:                id,
		Owner:             owner,
		Pair:              p.Pair,
		ShortLoanProvider: plan.shortLoan.ID(),
		ClmmProvider:      plan.clmm.ID(),
		LenderProvider:    plan.lender.ID(),
		Escrow:            escrow,
		Capital:           plan.capital,
		LoanAmount:        p.LoanAmount,
		ShortFee:          loan.receipt.Fee,
		LeverageBps:       p.LeverageBps,
		InitialA:          dep.dep.ActualA,
		InitialB:          dep.dep.ActualB,
		CurrentA:          dep.dep.ActualA,
		CurrentB:          dep.dep.ActualB,
		TickLower:         plan.tickLower,
		TickUpper:         plan.tickUpper,
		Liquidity:         new(uint256.Int).Set(dep.dep.Liquidity),
		PositionHandle:    dep.dep.Handle,
		DebtHandle:        long.Handle,
		DebtPrincipal:     long.Principal,
		RateBps:           long.RateBps,
		IdleA:             idleA,
		IdleB:             idleB,
		Range:             p.Range,
		EntryPrice:        plan.price,
		FlowID:            flowID,
		OpenedAt:          now,
	}
	if err := c.ledger.Transition(pos, model.StateOpening); err != nil {
		return 0, env.fail(ctx, fault.StageCommit, err)
	}
	if err := c.ledger.Transition(pos, model.StateOpen); err != nil {
		return 0, env.fail(ctx, fault.StageCommit, err)
	}
	if err := c.ledger.Commit(ctx, []*model.Position{pos}, 1); err != nil {
		return 0, env.fail(ctx, fault.StageCommit, err)
	}
	if err := txn.Commit(); err != nil {
		// The host already discarded the transaction; only the record is
		// left to correct.
		committed = true
		c.markErrored(ctx, pos)
		return 0, &FlowError{Flow: "open", Stage: fault.StageCommit, Cause: err}
	}
	committed = true

	metrics.OpenHealthFactor.Observe(float64(hf) / float64(fixedpoint.HealthScale))
	slog.Info("position opened",
		"position", id,
		"owner", owner,
		"pair", p.Pair,
		"flow_id", flowID,
		"capital", plan.capital,
		"debt", long.Principal,
		"health_factor", hf,
		"ticks", []int32{plan.tickLower, plan.tickUpper},
	)
	c.publish(EventOpened, pos, flowID)
	return id, nil
}

func (c *Coordinator) markErrored(ctx context.Context, pos *model.Position) {
	if err := c.ledger.Transition(pos, model.StateErrored); err != nil {
		slog.Error("cannot mark position errored", "position", pos.ID, "err", err)
		return
	}
	if err := c.ledger.Commit(ctx, []*model.Position{pos}, -1); err != nil {
		slog.Error("cannot persist errored position", "position", pos.ID, "err", err)
	}
}

// validateOpen checks params against policy, providers, the oracle, and the
// pool's tick spacing, and locks in the short-loan fee.
func (c *Coordinator) validateOpen(ctx context.Context, owner adapter.Account, p model.OpenParams) (openPlan, error) {
	var plan openPlan

	cfg, err := c.controller.Config()
	if err != nil {
		return plan, err
	}
	if cfg.EmergencyStop {
		return plan, fault.New(fault.EmergencyStopActive, "new positions are suspended")
	}
	plan.cfg = cfg

	if p.Pair.A.IsZero() || p.Pair.B.IsZero() || p.Pair.A == p.Pair.B {
		return plan, fault.New(fault.InvalidRoute, "pair must name two distinct tokens")
	}
	if p.LoanAmount == 0 {
		return plan, fault.New(fault.PositionTooSmall, "zero loan amount")
	}
	if p.LeverageBps <= 100 || p.LeverageBps > cfg.MaxLeverageBps {
		return plan, fault.New(fault.InvalidLeverage, "leverage %d bp outside (100, %d]", p.LeverageBps, cfg.MaxLeverageBps)
	}
	if p.SlippageBps > cfg.MaxSlippageBps {
		return plan, fault.New(fault.InvalidSlippage, "slippage %d bp above %d", p.SlippageBps, cfg.MaxSlippageBps)
	}
	r := p.Range
	if r.Lower == 0 || r.Lower >= r.Reference || r.Reference >= r.Upper {
		return plan, fault.New(fault.InvalidPriceRange, "need 0 < lower %d < reference %d < upper %d", r.Lower, r.Reference, r.Upper)
	}
	if err := c.checkDeadline(p.Deadline); err != nil {
		return plan, err
	}

	if p.ShortLoan == "" {
		plan.shortLoan, err = c.registry.CheapestShortLoan(p.LoanAmount)
	} else {
		plan.shortLoan, err = c.registry.ShortLoan(p.ShortLoan)
	}
	if err != nil {
		return plan, err
	}
	if plan.swapper, err = c.registry.Swap(p.Swap); err != nil {
		return plan, err
	}
	if plan.clmm, err = c.registry.Clmm(p.Clmm); err != nil {
		return plan, err
	}
	if plan.lender, err = c.registry.Lender(p.Lender); err != nil {
		return plan, err
	}

	if plan.price, err = c.oracle.Price(ctx, p.Pair); err != nil {
		return plan, err
	}
	if plan.price <= r.Lower || plan.price >= r.Upper {
		return plan, fault.New(fault.InvalidPriceRange, "oracle price %d outside (%d, %d)", plan.price, r.Lower, r.Upper)
	}

	plan.tickLower, plan.tickUpper, err = tickmath.RangeForPrices(r.Lower, r.Upper, plan.clmm.Spacing(), tickmath.DefaultMaxSpacings, p.StrictTicks)
	if err != nil {
		return plan, err
	}

	if plan.capital, err = CapitalFor(p.LoanAmount, p.LeverageBps); err != nil {
		return plan, err
	}
	notional, err := fixedpoint.Add(plan.capital, p.LoanAmount)
	if err != nil {
		return plan, err
	}
	limiter := exposure.NewPositionLimiter(cfg.MinPositionValue, cfg.MaxPositionValue, cfg.MaxOwnerExposure, c.neutral...)
	if err := limiter.CheckSize(notional); err != nil {
		return plan, err
	}
	if err := c.checkExposure(ctx, limiter, owner, p.Pair, notional); err != nil {
		return plan, err
	}

	if plan.fee, err = plan.shortLoan.Fee(p.LoanAmount); err != nil {
		return plan, err
	}
	return plan, nil
}

func (c *Coordinator) checkExposure(ctx context.Context, limiter *exposure.PositionLimiter, owner adapter.Account, pair adapter.Pair, notional uint64) error {
	if limiter.MaxCorrelated == 0 {
		return nil
	}
	positions, err := c.ledger.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}
	existing := make(map[adapter.Pair]uint64)
	for _, pos := range positions {
		if pos.State == model.StateOpen {
			existing[pos.Pair] += pos.Capital + pos.LoanAmount
		}
	}
	if err := limiter.CheckLimit(pair, notional, existing); err != nil {
		metrics.ExposureRejections.Inc()
		return err
	}
	return nil
}

// borrowStage moves the owner's capital into escrow and takes the short
// loan on top of it.
func (c *Coordinator) borrowStage(ctx context.Context, env *envelope, owner, escrow adapter.Account, p model.OpenParams, plan openPlan) (*borrowed, error) {
	if err := c.tokens.Transfer(ctx, owner, escrow, p.Pair.B, plan.capital); err != nil {
		return nil, fault.Wrap(fault.InsufficientCollateral, err, "capital of %d", plan.capital)
	}
	env.push(CompReturnCapital, func(ctx context.Context) error {
		held, err := c.tokens.Balance(ctx, escrow, p.Pair.B)
		if err != nil {
			return err
		}
		return c.tokens.Transfer(ctx, escrow, owner, p.Pair.B, fixedpoint.Min(plan.capital, held))
	})

	receipt, err := plan.shortLoan.Borrow(ctx, escrow, p.Pair.B, p.LoanAmount)
	if err != nil {
		return nil, err
	}
	loan := &borrowed{receipt: receipt}
	env.push(CompRepayShortLoan, func(ctx context.Context) error {
		if loan.repaid {
			return nil
		}
		if err := plan.shortLoan.Repay(ctx, escrow, loan.receipt, loan.receipt.Principal+loan.receipt.Fee); err != nil {
			return err
		}
		loan.repaid = true
		return nil
	})
	if receipt.Fee != plan.fee {
		return nil, fault.New(fault.ProviderMismatch, "%s charged %d, fee locked at %d", receipt.Provider, receipt.Fee, plan.fee)
	}
	return loan, nil
}

// swapStage rebalances escrow toward the ratio the range wants at the
// oracle price.
func (c *Coordinator) swapStage(ctx context.Context, env *envelope, escrow adapter.Account, p model.OpenParams, plan openPlan) error {
	balA, balB, err := c.tokens.Balances(ctx, escrow, p.Pair)
	if err != nil {
		return err
	}
	sp, err := tickmath.SqrtPriceFromPrice(plan.price)
	if err != nil {
		return err
	}
	sa, err := tickmath.SqrtPriceAtTick(plan.tickLower)
	if err != nil {
		return err
	}
	sb, err := tickmath.SqrtPriceAtTick(plan.tickUpper)
	if err != nil {
		return err
	}
	targetA, _, err := liquidity.TargetRatio(sp, sa, sb)
	if err != nil {
		return err
	}

	sized, err := swapsizer.Size(swapsizer.Input{
		BalanceA:    balA,
		BalanceB:    balB,
		TargetA:     targetA,
		Price:       plan.price,
		SlippageBps: p.SlippageBps,
		MaxInputB:   p.MaxInputBForSwap,
		MinOutputA:  p.MinOutputA,
	})
	if err != nil {
		return err
	}
	if sized.Direction == swapsizer.None {
		return nil
	}

	in, out := p.Pair.B, p.Pair.A
	if sized.Direction == swapsizer.AtoB {
		in, out = p.Pair.A, p.Pair.B
	}
	route := p.SwapRoute
	if len(route) == 0 {
		route = adapter.EncodeRoute(adapter.RouteHeader{InToken: in, OutToken: out, ValidUntil: p.Deadline}, nil)
	}
	got, err := plan.swapper.Swap(ctx, adapter.SwapRequest{
		Account:   escrow,
		InToken:   in,
		OutToken:  out,
		Input:     sized.InputAmount,
		MinOutput: sized.MinOutput,
		Route:     route,
		Deadline:  p.Deadline,
	})
	if err != nil {
		return err
	}
	env.push(CompSwapBack, func(ctx context.Context) error {
		held, err := c.tokens.Balance(ctx, escrow, out)
		if err != nil {
			return err
		}
		back := fixedpoint.Min(got, held)
		if back == 0 {
			return nil
		}
		_, err = plan.swapper.Swap(ctx, adapter.SwapRequest{
			Account:  escrow,
			InToken:  out,
			OutToken: in,
			Input:    back,
			Route:    c.selfRoute(out, in),
		})
		return err
	})
	return nil
}

// selfRoute is a header-only route for swaps the engine plans itself.
func (c *Coordinator) selfRoute(in, out adapter.Token) []byte {
	return adapter.EncodeRoute(adapter.RouteHeader{
		InToken:    in,
		OutToken:   out,
		ValidUntil: c.clock.Now().Add(time.Minute).Unix(),
	}, nil)
}

// depositStage puts the escrow's balances into the pool and checks the
// refund.
func (c *Coordinator) depositStage(ctx context.Context, env *envelope, escrow adapter.Account, pair adapter.Pair, plan openPlan) (deposited, error) {
	a, b, err := c.tokens.Balances(ctx, escrow, pair)
	if err != nil {
		return deposited{}, err
	}
	dep, err := plan.clmm.IncreaseLiquidity(ctx, adapter.DepositRequest{
		Account:   escrow,
		Pair:      pair,
		AmountA:   a,
		AmountB:   b,
		TickLower: plan.tickLower,
		TickUpper: plan.tickUpper,
	})
	if err != nil {
		return deposited{}, err
	}
	env.push(CompWithdrawLiquidity, func(ctx context.Context) error {
		_, _, err := plan.clmm.DecreaseLiquidity(ctx, escrow, dep.Handle, dep.Liquidity)
		return err
	})

	idleA, idleB, err := c.tokens.Balances(ctx, escrow, pair)
	if err != nil {
		return deposited{}, err
	}
	if idleA != a-dep.ActualA || idleB != b-dep.ActualB {
		return deposited{}, fault.New(fault.LiquidityDepositRejected,
			"%s refunded (%d, %d), expected (%d, %d)", plan.clmm.ID(), idleA, idleB, a-dep.ActualA, b-dep.ActualB)
	}
	return deposited{dep: dep, idleA: idleA, idleB: idleB}, nil
}

// longBorrowStage refinances the short loan against the pool position,
// valued at the reference price.
func (c *Coordinator) longBorrowStage(ctx context.Context, env *envelope, escrow adapter.Account, p model.OpenParams, plan openPlan, dep deposited) (adapter.Loan, uint64, error) {
	value, err := valueAt(dep.dep.ActualA, dep.dep.ActualB, p.Range.Reference)
	if err != nil {
		return adapter.Loan{}, 0, err
	}
	debt, err := fixedpoint.Add(p.LoanAmount, plan.fee)
	if err != nil {
		return adapter.Loan{}, 0, err
	}

	params := plan.lender.Params()
	hf, err := HealthFactor(value, debt, params.LiquidationLTVBps)
	if err != nil {
		return adapter.Loan{}, 0, err
	}
	if hf < params.MinHealthFactor {
		return adapter.Loan{}, 0, fault.New(fault.HealthFactorTooLow, "health factor %d below %d", hf, params.MinHealthFactor)
	}
	ltv, err := LTVBps(debt, value)
	if err != nil {
		return adapter.Loan{}, 0, err
	}
	if ltv > params.MaxLTVBps {
		return adapter.Loan{}, 0, fault.New(fault.InsufficientCollateral, "ltv %d bp above %d", ltv, params.MaxLTVBps)
	}

	loan, err := plan.lender.Borrow(ctx, adapter.BorrowRequest{
		Account:          escrow,
		CollateralValue:  value,
		Principal:        debt,
		CollateralToken:  p.Pair.A,
		DebtToken:        p.Pair.B,
		CollateralHandle: dep.dep.Handle,
	})
	if err != nil {
		return adapter.Loan{}, 0, err
	}
	env.push(CompRepayLongLoan, func(ctx context.Context) error {
		owed, err := plan.lender.Owed(ctx, loan.Handle)
		if err != nil {
			return err
		}
		_, _, err = plan.lender.Repay(ctx, escrow, loan.Handle, owed.Total())
		return err
	})
	return loan, hf, nil
}

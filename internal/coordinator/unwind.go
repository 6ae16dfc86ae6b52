package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/liquidity"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/swapsizer"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

// ForcedUnwind lets any caller take apart fractionBps of an unhealthy
// position. The caller is paid the lender's liquidation penalty on the
// repaid slice; debt the collateral cannot cover is recorded as bad debt and
// everything left goes back to the owner. A full unwind retires the
// position.
func (c *Coordinator) ForcedUnwind(ctx context.Context, caller adapter.Account, id model.PositionID, fractionBps uint64) (model.UnwindReport, error) {
	start := time.Now()
	flowID := newFlowID()
	rep, err := c.unwind(ctx, caller, id, fractionBps, flowID)
	c.observe("unwind", start, err)
	if fe, ok := err.(*FlowError); ok {
		slog.Warn("unwind failed", "position", id, "caller", caller, "flow_id", flowID, "stage", fe.Stage, "err", fe.Cause)
	}
	return rep, err
}

func (c *Coordinator) unwind(ctx context.Context, caller adapter.Account, id model.PositionID, fractionBps uint64, flowID string) (model.UnwindReport, error) {
	env := newEnvelope("unwind", flowID)
	fail := func(stage fault.Stage, err error) (model.UnwindReport, error) {
		return model.UnwindReport{}, env.fail(ctx, stage, err)
	}

	if fractionBps == 0 || fractionBps > fixedpoint.BpsScale {
		return fail(fault.StageValidate, fault.New(fault.InvalidFraction, "fraction %d bp outside (0, 10000]", fractionBps))
	}
	pos, err := c.ledger.Get(ctx, id)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	if pos.State != model.StateOpen {
		return fail(fault.StageValidate, fault.New(fault.PositionNotOpen, "position %d is %s", id, pos.State))
	}

	unlock, err := c.ledger.TryLock(pos.Owner, pos.Pair, flowID)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	defer unlock()

	if pos, err = c.ledger.Get(ctx, id); err != nil {
		return fail(fault.StageValidate, err)
	}
	if pos.State != model.StateOpen {
		return fail(fault.StageValidate, fault.New(fault.PositionNotOpen, "position %d is %s", id, pos.State))
	}
	before := pos.Clone()

	cfg, err := c.controller.Config()
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	pool, err := c.registry.Clmm(pos.ClmmProvider)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	lender, err := c.registry.Lender(pos.LenderProvider)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	swapper, err := c.registry.Swap("")
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	price, err := c.oracle.Price(ctx, pos.Pair)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	health, err := c.assess(ctx, pos, price, lender, cfg.LiquidationThresholdBps)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	if !health.Unwindable {
		return fail(fault.StageValidate, fault.New(fault.PositionNotUnwindable,
			"health factor %d at threshold %d bp", health.HealthFactor, cfg.LiquidationThresholdBps))
	}

	txn, err := c.host.Begin(ctx)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Rollback()
		}
	}()

	if err := c.ledger.Transition(pos, model.StateUnwinding); err != nil {
		return fail(fault.StageValidate, err)
	}
	escrow := pos.Escrow
	full := fractionBps == fixedpoint.BpsScale
	rep := model.UnwindReport{Position: id, FractionBps: fractionBps, FlowID: flowID}

	// CollectFees. Fees stay in escrow and help cover the debt.
	fa, fb, err := pool.CollectFees(ctx, escrow, pos.PositionHandle)
	if err != nil {
		return fail(fault.StageCollectFees, err)
	}
	pos.FeesA += fa
	pos.FeesB += fb

	// Withdraw.
	slice := new(uint256.Int)
	if pos.Liquidity != nil {
		if full {
			slice.Set(pos.Liquidity)
		} else if slice, err = fixedpoint.MulDiv256(pos.Liquidity, uint256.NewInt(fractionBps), uint256.NewInt(fixedpoint.BpsScale), false); err != nil {
			return fail(fault.StageWithdraw, err)
		}
	}
	if !slice.IsZero() {
		if _, _, err := pool.DecreaseLiquidity(ctx, escrow, pos.PositionHandle, slice); err != nil {
			return fail(fault.StageWithdraw, err)
		}
	}
	rep.LiquidityWithdrawn = slice

	// SwapOptimise.
	owed, err := lender.Owed(ctx, pos.DebtHandle)
	if err != nil {
		return fail(fault.StageSwapOptimise, err)
	}
	debtSlice := owed.Total()
	if !full {
		if debtSlice, err = fixedpoint.MulDivUp(owed.Total(), fractionBps, fixedpoint.BpsScale); err != nil {
			return fail(fault.StageSwapOptimise, err)
		}
	}
	penalty, err := fixedpoint.ApplyBps(debtSlice, lender.Params().LiquidationPenaltyBps)
	if err != nil {
		return fail(fault.StageSwapOptimise, err)
	}
	if err := c.raiseB(ctx, swapper, escrow, pos.Pair, debtSlice+penalty, price, cfg.MaxSlippageBps); err != nil {
		return fail(fault.StageSwapOptimise, err)
	}

	// RepayDebt.
	_, balB, err := c.tokens.Balances(ctx, escrow, pos.Pair)
	if err != nil {
		return fail(fault.StageRepayDebt, err)
	}
	repaid, interest, err := lender.Repay(ctx, escrow, pos.DebtHandle, fixedpoint.Min(balB, debtSlice))
	if err != nil {
		return fail(fault.StageRepayDebt, err)
	}
	rep.DebtRepaid, rep.InterestPaid = repaid, interest
	if repaid < debtSlice {
		rep.BadDebt = debtSlice - repaid
	}
	rep.Penalty = fixedpoint.Min(penalty, balB-repaid)
	if err := c.tokens.Transfer(ctx, escrow, caller, pos.Pair.B, rep.Penalty); err != nil {
		return fail(fault.StageRepayDebt, err)
	}

	// Finalise.
	if rep.ReturnedA, rep.ReturnedB, err = c.sweep(ctx, escrow, pos.Owner, pos.Pair); err != nil {
		return fail(fault.StageFinalise, err)
	}
	left, err := lender.Owed(ctx, pos.DebtHandle)
	if err != nil {
		return fail(fault.StageFinalise, err)
	}
	remaining := new(uint256.Int)
	if pos.Liquidity != nil {
		remaining.Sub(pos.Liquidity, slice)
	}
	pos.Liquidity = remaining
	if pos.CurrentA, pos.CurrentB, err = amountsAt(pos, price); err != nil {
		return fail(fault.StageFinalise, err)
	}
	pos.DebtPrincipal, pos.DebtInterest = left.Principal, left.Interest
	pos.BadDebt += rep.BadDebt
	pos.IdleA, pos.IdleB = 0, 0
	pos.FlowID = flowID

	delta, to := 0, model.StateOpen
	if full {
		delta, to = -1, model.StateUnwound
	}
	if err := c.ledger.Transition(pos, to); err != nil {
		return fail(fault.StageFinalise, err)
	}
	if err := c.ledger.Commit(ctx, []*model.Position{pos}, delta); err != nil {
		return fail(fault.StageFinalise, err)
	}
	if err := txn.Commit(); err != nil {
		committed = true
		c.restore(ctx, before, -delta)
		return fail(fault.StageFinalise, err)
	}
	committed = true
	rep.State = pos.State

	metrics.BadDebt.Add(float64(rep.BadDebt))
	slog.Info("position unwound",
		"position", id,
		"caller", caller,
		"flow_id", flowID,
		"fraction_bps", fractionBps,
		"health_factor", health.HealthFactor,
		"repaid", repaid,
		"penalty", rep.Penalty,
		"bad_debt", rep.BadDebt,
		"state", pos.State,
	)
	c.publish(EventUnwound, pos, flowID)
	return rep, nil
}

// raiseB swaps A into B until escrow holds target B, or until A runs out.
func (c *Coordinator) raiseB(ctx context.Context, swapper adapter.AmmSwap, escrow adapter.Account, pair adapter.Pair, target, price, slippageBps uint64) error {
	balA, balB, err := c.tokens.Balances(ctx, escrow, pair)
	if err != nil {
		return err
	}
	if balB >= target || balA == 0 {
		return nil
	}
	input, minOut, err := swapsizer.Unwind(target-balB, price, slippageBps)
	if err != nil {
		return err
	}
	if input > balA {
		input = balA
		quoted, err := fixedpoint.ValueInB(balA, price)
		if err != nil {
			return err
		}
		if minOut, err = fixedpoint.SubBps(quoted, slippageBps); err != nil {
			return err
		}
	}
	_, err = swapper.Swap(ctx, adapter.SwapRequest{
		Account:   escrow,
		InToken:   pair.A,
		OutToken:  pair.B,
		Input:     input,
		MinOutput: minOut,
		Route:     c.selfRoute(pair.A, pair.B),
	})
	return err
}

// amountsAt is what the position's liquidity holds at price.
func amountsAt(pos *model.Position, price uint64) (uint64, uint64, error) {
	if pos.Liquidity == nil || pos.Liquidity.IsZero() {
		return 0, 0, nil
	}
	sp, err := tickmath.SqrtPriceFromPrice(price)
	if err != nil {
		return 0, 0, err
	}
	sa, err := tickmath.SqrtPriceAtTick(pos.TickLower)
	if err != nil {
		return 0, 0, err
	}
	sb, err := tickmath.SqrtPriceAtTick(pos.TickUpper)
	if err != nil {
		return 0, 0, err
	}
	return liquidity.Amounts(sp, sa, sb, pos.Liquidity, false)
}

package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/swapsizer"
)

// Close unwinds an open position for its owner: collect fees, withdraw,
// repay the loan, and return what is left. Closing a position that is
// already closed or unwound returns an empty report.
//
// Close registers no compensations. Every step mutates only the escrow and
// the foreign protocols inside the host transaction, so a failure is undone
// by the rollback alone.
func (c *Coordinator) Close(ctx context.Context, owner adapter.Account, id model.PositionID) (model.CloseReport, error) {
	start := time.Now()
	flowID := newFlowID()
	rep, err := c.close(ctx, owner, id, flowID)
	c.observe("close", start, err)
	if fe, ok := err.(*FlowError); ok {
		slog.Warn("close failed", "position", id, "flow_id", flowID, "stage", fe.Stage, "err", fe.Cause)
	}
	return rep, err
}

func (c *Coordinator) close(ctx context.Context, owner adapter.Account, id model.PositionID, flowID string) (model.CloseReport, error) {
	env := newEnvelope("close", flowID)
	fail := func(stage fault.Stage, err error) (model.CloseReport, error) {
		return model.CloseReport{}, env.fail(ctx, stage, err)
	}

	pos, err := c.ledger.Get(ctx, id)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	if pos.Owner != owner {
		return fail(fault.StageValidate, fault.New(fault.Unauthorized, "position %d belongs to %s", id, pos.Owner))
	}
	if pos.State.Terminal() {
		return model.CloseReport{Position: id}, nil
	}

	unlock, err := c.ledger.TryLock(pos.Owner, pos.Pair, flowID)
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	defer unlock()

	// Another flow may have finished between the read and the lock.
	if pos, err = c.ledger.Get(ctx, id); err != nil {
		return fail(fault.StageValidate, err)
	}
	if pos.State.Terminal() {
		return model.CloseReport{Position: id}, nil
	}
	if pos.State != model.StateOpen {
		return fail(fault.StageValidate, fault.New(fault.PositionNotOpen, "position %d is %s", id, pos.State))
	}
	before := pos.Clone()

	cfg, err := c.controller.Config()
	if err != nil {
		return fail(fault.StageValidate, err)
	}
	treasury := c.controller.Treasury()
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
	// Read before any venue call; only needed if a swap turns out to be.
	price, priceErr := c.oracle.Price(ctx, pos.Pair)

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

	if err := c.ledger.Transition(pos, model.StateClosing); err != nil {
		return fail(fault.StageValidate, err)
	}
	escrow := pos.Escrow
	rep := model.CloseReport{Position: id, FlowID: flowID}

	// CollectFees.
	fa, fb, err := pool.CollectFees(ctx, escrow, pos.PositionHandle)
	if err != nil {
		return fail(fault.StageCollectFees, err)
	}
	if rep.ProtocolFeeA, err = fixedpoint.ApplyBpsUp(fa, cfg.ProtocolFeeBps); err != nil {
		return fail(fault.StageCollectFees, err)
	}
	if rep.ProtocolFeeB, err = fixedpoint.ApplyBpsUp(fb, cfg.ProtocolFeeBps); err != nil {
		return fail(fault.StageCollectFees, err)
	}
	if err := c.tokens.Transfer(ctx, escrow, treasury, pos.Pair.A, rep.ProtocolFeeA); err != nil {
		return fail(fault.StageCollectFees, err)
	}
	if err := c.tokens.Transfer(ctx, escrow, treasury, pos.Pair.B, rep.ProtocolFeeB); err != nil {
		return fail(fault.StageCollectFees, err)
	}
	rep.FeesCollectedA, rep.FeesCollectedB = fa, fb
	pos.FeesA += fa
	pos.FeesB += fb

	// Withdraw.
	if pos.Liquidity != nil && !pos.Liquidity.IsZero() {
		if _, _, err := pool.DecreaseLiquidity(ctx, escrow, pos.PositionHandle, pos.Liquidity); err != nil {
			return fail(fault.StageWithdraw, err)
		}
	}

	// SwapOptimise.
	owed, err := lender.Owed(ctx, pos.DebtHandle)
	if err != nil {
		return fail(fault.StageSwapOptimise, err)
	}
	if err := c.coverDebt(ctx, swapper, escrow, pos.Pair, owed.Total(), price, priceErr, cfg.MaxSlippageBps); err != nil {
		return fail(fault.StageSwapOptimise, err)
	}

	// RepayDebt.
	if owed.Total() > 0 {
		// Offer the whole B balance; the lender takes only what is owed,
		// including interest accrued since the quote.
		_, balB, err := c.tokens.Balances(ctx, escrow, pos.Pair)
		if err != nil {
			return fail(fault.StageRepayDebt, err)
		}
		repaid, interest, err := lender.Repay(ctx, escrow, pos.DebtHandle, max(balB, owed.Total()))
		if err != nil {
			return fail(fault.StageRepayDebt, fault.Wrap(fault.InsufficientToRepay, err, "repay %d", owed.Total()))
		}
		rep.DebtRepaid, rep.InterestPaid = repaid, interest
	}
	left, err := lender.Owed(ctx, pos.DebtHandle)
	if err != nil {
		return fail(fault.StageRepayDebt, err)
	}
	if left.Total() != 0 {
		return fail(fault.StageRepayDebt, fault.New(fault.InsufficientToRepay, "%d still owed after repay", left.Total()))
	}

	// Finalise.
	if rep.ReturnedA, rep.ReturnedB, err = c.sweep(ctx, escrow, owner, pos.Pair); err != nil {
		return fail(fault.StageFinalise, err)
	}
	pos.Liquidity = new(uint256.Int)
	pos.CurrentA, pos.CurrentB = 0, 0
	pos.IdleA, pos.IdleB = 0, 0
	pos.DebtPrincipal, pos.DebtInterest = 0, 0
	pos.FlowID = flowID
	if err := c.ledger.Transition(pos, model.StateClosed); err != nil {
		return fail(fault.StageFinalise, err)
	}
	if err := c.ledger.Commit(ctx, []*model.Position{pos}, -1); err != nil {
		return fail(fault.StageFinalise, err)
	}
	if err := txn.Commit(); err != nil {
		committed = true
		c.restore(ctx, before, 1)
		return fail(fault.StageFinalise, err)
	}
	committed = true

	metrics.ProtocolFees.WithLabelValues("a").Add(float64(rep.ProtocolFeeA))
	metrics.ProtocolFees.WithLabelValues("b").Add(float64(rep.ProtocolFeeB))
	slog.Info("position closed",
		"position", id,
		"owner", owner,
		"flow_id", flowID,
		"returned_a", rep.ReturnedA,
		"returned_b", rep.ReturnedB,
		"interest_paid", rep.InterestPaid,
	)
	c.publish(EventClosed, pos, flowID)
	return rep, nil
}

// coverDebt swaps enough A into B for the escrow to hold debt. The oracle
// error is only fatal when a swap is needed.
func (c *Coordinator) coverDebt(ctx context.Context, swapper adapter.AmmSwap, escrow adapter.Account, pair adapter.Pair, debt, price uint64, priceErr error, slippageBps uint64) error {
	balA, balB, err := c.tokens.Balances(ctx, escrow, pair)
	if err != nil {
		return err
	}
	if balB >= debt {
		return nil
	}
	if priceErr != nil {
		return priceErr
	}
	input, minOut, err := swapsizer.Unwind(debt-balB, price, slippageBps)
	if err != nil {
		return err
	}
	if input > balA {
		return fault.New(fault.InsufficientToRepay, "need %d A to cover %d B, hold %d", input, debt-balB, balA)
	}
	_, err = swapper.Swap(ctx, adapter.SwapRequest{
		Account:   escrow,
		InToken:   pair.A,
		OutToken:  pair.B,
		Input:     input,
		MinOutput: minOut,
		Route:     c.selfRoute(pair.A, pair.B),
	})
	if err != nil {
		return fault.Wrap(fault.InsufficientToRepay, err, "swap %d A for debt", input)
	}
	return nil
}

// sweep moves every escrow balance of the pair to dst.
func (c *Coordinator) sweep(ctx context.Context, escrow, dst adapter.Account, pair adapter.Pair) (uint64, uint64, error) {
	a, b, err := c.tokens.Balances(ctx, escrow, pair)
	if err != nil {
		return 0, 0, err
	}
	if err := c.tokens.Transfer(ctx, escrow, dst, pair.A, a); err != nil {
		return 0, 0, err
	}
	if err := c.tokens.Transfer(ctx, escrow, dst, pair.B, b); err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// restore rewrites the pre-flow record after the host refused a commit the
// ledger already accepted.
func (c *Coordinator) restore(ctx context.Context, prev *model.Position, activeDelta int) {
	slog.Error("host commit failed after ledger commit", "position", prev.ID)
	if err := c.ledger.Commit(ctx, []*model.Position{prev}, activeDelta); err != nil {
		slog.Error("cannot restore position", "position", prev.ID, "err", err)
	}
}

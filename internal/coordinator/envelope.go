package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/metrics"
)

// Compensation step names, as reported in FlowError.Compensated.
const (
	CompReturnCapital     = "return_capital"
	CompRepayShortLoan    = "repay_short_loan"
	CompSwapBack          = "swap_back"
	CompWithdrawLiquidity = "withdraw_liquidity"
	CompRepayLongLoan     = "repay_long_loan"
)

// FlowError reports a failed flow: the stage it stopped at, the root cause,
// and the compensations that ran, in the order they ran.
type FlowError struct {
	Flow        string
	Stage       fault.Stage
	Cause       error
	Compensated []string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Flow, e.Stage, e.Cause)
}

func (e *FlowError) Unwrap() error { return e.Cause }

type compensation struct {
	name string
	undo func(ctx context.Context) error
	done bool
}

// envelope records the inverse of each completed step. Unwinding runs them
// newest first, each at most once.
type envelope struct {
	flow   string
	flowID string
	steps  []*compensation
}

func newEnvelope(flow, flowID string) *envelope {
	return &envelope{flow: flow, flowID: flowID}
}

// push registers undo as the inverse of the step that just completed.
// undo must be a no-op when there is nothing to reverse.
func (e *envelope) push(name string, undo func(ctx context.Context) error) {
	e.steps = append(e.steps, &compensation{name: name, undo: undo})
}

// unwind runs every pending compensation in reverse order and returns the
// names of those that ran. A failing compensation is logged and the rest
// still run; the host rollback backs them up.
func (e *envelope) unwind(ctx context.Context) []string {
	ctx = context.WithoutCancel(ctx)
	var ran []string
	for i := len(e.steps) - 1; i >= 0; i-- {
		c := e.steps[i]
		if c.done {
			continue
		}
		c.done = true
		if err := c.undo(ctx); err != nil {
			metrics.Compensations.WithLabelValues(c.name, "error").Inc()
			slog.Error("compensation failed", "flow", e.flow, "flow_id", e.flowID, "step", c.name, "err", err)
		} else {
			metrics.Compensations.WithLabelValues(c.name, "ok").Inc()
		}
		ran = append(ran, c.name)
	}
	return ran
}

// fail unwinds and wraps cause with the stage it surfaced in.
func (e *envelope) fail(ctx context.Context, stage fault.Stage, cause error) *FlowError {
	fe := &FlowError{Flow: e.flow, Stage: stage, Cause: cause}
	fe.Compensated = e.unwind(ctx)
	return fe
}

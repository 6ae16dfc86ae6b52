// Package swap implements the routed-swap adapter. The route blob is planned
// off-line and passed through opaque; only its header is checked here.
package swap

import (
	"context"
	"errors"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
)

// Jupiter is the aggregator's provider id.
const Jupiter adapter.ProviderID = "jupiter"

// Aggregator is a route-following swap adapter.
type Aggregator struct {
	id    adapter.ProviderID
	exec  adapter.Executor
	clock clock.Clock
}

// New creates an aggregator adapter.
func New(id adapter.ProviderID, exec adapter.Executor, clk clock.Clock) *Aggregator {
	return &Aggregator{id: id, exec: exec, clock: clk}
}

func (a *Aggregator) ID() adapter.ProviderID { return a.id }

// Swap executes req and returns the output amount. The output is checked
// against MinOutput here even when the program also enforces it.
func (a *Aggregator) Swap(ctx context.Context, req adapter.SwapRequest) (uint64, error) {
	if req.Input == 0 {
		return 0, fault.New(fault.SwapFailed, "%s: zero input", a.id)
	}
	if req.InToken == req.OutToken {
		return 0, fault.New(fault.InvalidRoute, "%s: input and output token are the same", a.id)
	}
	now := a.clock.Now().Unix()
	if req.Deadline != 0 && now > req.Deadline {
		return 0, fault.New(fault.DeadlineExceeded, "%s: deadline %d passed at %d", a.id, req.Deadline, now)
	}
	payload, err := adapter.CheckRoute(req.Route, req.InToken, req.OutToken, now)
	if err != nil {
		return 0, err
	}

	rc, err := a.exec.Execute(ctx, adapter.Instruction{
		Program: a.id,
		Op:      adapter.OpSwap,
		Owner:   req.Account,
		Tokens:  []adapter.Token{req.InToken, req.OutToken},
		Amounts: []uint64{req.Input, req.MinOutput},
		Data:    adapter.EncodeData(a.id, adapter.OpSwap, req.Input, req.MinOutput, payload),
	})
	if err != nil {
		if errors.Is(err, fault.SlippageExceeded) {
			return 0, err
		}
		return 0, fault.Wrap(fault.SwapFailed, err, "%s", a.id)
	}
	out := rc.Amount(0)
	if out < req.MinOutput {
		return 0, fault.New(fault.SlippageExceeded, "%s: output %d below minimum %d", a.id, out, req.MinOutput)
	}
	return out, nil
}

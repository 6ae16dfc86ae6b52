// Package coordinator drives the leveraged-liquidity flows. Open bootstraps
// a position with a short-term loan, rebalances, deposits into a
// concentrated-liquidity pool, refinances with a collateralised loan, and
// repays the short-term loan, all inside one host transaction. Close and
// ForcedUnwind take positions back apart.
//
// Every flow holds the ledger's (owner, pair) slot for its whole run, reads
// the oracle before touching any venue, and checks its deadline at each
// stage. On failure the completed steps are compensated newest first and the
// host transaction is rolled back, so no partial state is observable.
package coordinator

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/token"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/controller"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/ledger"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/model"
)

// PriceFeed supplies validated prices of pair.A in pair.B, 1e6-scaled.
type PriceFeed interface {
	Price(ctx context.Context, pair adapter.Pair) (uint64, error)
}

// averager is implemented by feeds that track a time-weighted price.
type averager interface {
	Average(pair adapter.Pair) (uint64, bool, error)
}

// Event is a position lifecycle notification.
type Event struct {
	Type     string           `json:"type"`
	Position model.PositionID `json:"position"`
	Owner    adapter.Account  `json:"owner"`
	Pair     adapter.Pair     `json:"pair"`
	State    model.State      `json:"state"`
	FlowID   string           `json:"flow_id"`
	Time     time.Time        `json:"time"`
}

// Event types.
const (
	EventOpened   = "position_opened"
	EventClosed   = "position_closed"
	EventUnwound  = "position_unwound"
	EventOpenFail = "open_failed"
)

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Deps wires a Coordinator.
type Deps struct {
	Ledger     *ledger.Ledger
	Controller *controller.Controller
	Registry   *adapter.Registry
	Tokens     *token.Program
	Host       adapter.Host
	Oracle     PriceFeed
	Clock      clock.Clock

	// NeutralTokens never correlate two pairs for the exposure cap.
	NeutralTokens []adapter.Token

	// Events is optional.
	Events Publisher
}

// Coordinator runs open, close, and forced-unwind flows.
type Coordinator struct {
	ledger     *ledger.Ledger
	controller *controller.Controller
	registry   *adapter.Registry
	tokens     *token.Program
	host       adapter.Host
	oracle     PriceFeed
	clock      clock.Clock
	neutral    []adapter.Token
	events     Publisher
}

// New creates a coordinator.
func New(d Deps) *Coordinator {
	clk := d.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Coordinator{
		ledger:     d.Ledger,
		controller: d.Controller,
		registry:   d.Registry,
		tokens:     d.Tokens,
		host:       d.Host,
		oracle:     d.Oracle,
		clock:      clk,
		neutral:    d.NeutralTokens,
		events:     d.Events,
	}
}

// EscrowFor derives the account that holds a position's tokens.
func EscrowFor(owner adapter.Account, pair adapter.Pair, id model.PositionID) adapter.Account {
	return adapter.DeriveAccount("escrow", owner.String(), pair.Key(), strconv.FormatUint(uint64(id), 10))
}

// CapitalFor is the owner's contribution for a loan at leverage:
// ceil(loan*100/(leverage-100)).
func CapitalFor(loan, leverageBps uint64) (uint64, error) {
	if leverageBps <= 100 {
		return 0, fault.New(fault.InvalidLeverage, "leverage %d bp must exceed 100", leverageBps)
	}
	return fixedpoint.MulDivUp(loan, 100, leverageBps-100)
}

// HealthFactor is value*liquidation_ltv/debt, 1e6-scaled. Zero debt is
// infinitely healthy.
func HealthFactor(value, debt, liquidationLTVBps uint64) (uint64, error) {
	if debt == 0 {
		return math.MaxUint64, nil
	}
	// 1e6/1e4 folds to 100.
	scaled, err := fixedpoint.Mul(liquidationLTVBps, fixedpoint.HealthScale/fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	hf, err := fixedpoint.MulDiv(value, scaled, debt)
	if err != nil && fault.KindOf(err) == fault.Overflow {
		return math.MaxUint64, nil
	}
	return hf, err
}

// LTVBps is debt/value in basis points, rounded up.
func LTVBps(debt, value uint64) (uint64, error) {
	if value == 0 {
		if debt == 0 {
			return 0, nil
		}
		return math.MaxUint64, nil
	}
	return fixedpoint.MulDivUp(debt, fixedpoint.BpsScale, value)
}

// Unwindable reports whether hf*threshold/10000 has fallen below 1.0.
func Unwindable(hf, thresholdBps uint64) bool {
	if hf == math.MaxUint64 {
		return false
	}
	adj, err := fixedpoint.MulDiv(hf, thresholdBps, fixedpoint.BpsScale)
	if err != nil {
		return false
	}
	return adj < fixedpoint.HealthScale
}

// valueAt values (a, b) in B at price, rounding down.
func valueAt(a, b, price uint64) (uint64, error) {
	va, err := fixedpoint.ValueInB(a, price)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(va, b)
}

func (c *Coordinator) checkDeadline(deadline int64) error {
	now := c.clock.Now().Unix()
	if now > deadline {
		return fault.New(fault.DeadlineExceeded, "deadline %d passed at %d", deadline, now)
	}
	return nil
}

func (c *Coordinator) publish(typ string, p *model.Position, flowID string) {
	if c.events == nil {
		return
	}
	c.events.Publish(Event{
		Type:     typ,
		Position: p.ID,
		Owner:    p.Owner,
		Pair:     p.Pair,
		State:    p.State,
		FlowID:   flowID,
		Time:     c.clock.Now().UTC(),
	})
}

// observe records a finished flow.
func (c *Coordinator) observe(flow string, start time.Time, err error) {
	metrics.FlowLatency.WithLabelValues(flow).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		stage := ""
		if fe, ok := err.(*FlowError); ok {
			stage = string(fe.Stage)
		}
		metrics.StageFailures.WithLabelValues(flow, stage, fault.KindOf(err).String()).Inc()
	}
	metrics.FlowsTotal.WithLabelValues(flow, outcome).Inc()
	metrics.ActivePositions.Set(float64(c.ledger.Global().ActivePositions))
}

func newFlowID() string { return uuid.NewString() }

// Position returns a committed position.
func (c *Coordinator) Position(ctx context.Context, id model.PositionID) (*model.Position, error) {
	return c.ledger.Get(ctx, id)
}

// Positions lists an owner's positions, oldest first.
func (c *Coordinator) Positions(ctx context.Context, owner adapter.Account) ([]model.Position, error) {
	return c.ledger.ListByOwner(ctx, owner)
}

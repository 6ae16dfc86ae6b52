package coordinator

import (
	"context"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/liquidity"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

// Health values a position at the oracle price against its live debt. A
// position that is not open reports only its state.
func (c *Coordinator) Health(ctx context.Context, id model.PositionID) (model.HealthReport, error) {
	pos, err := c.ledger.Get(ctx, id)
	if err != nil {
		return model.HealthReport{}, err
	}
	if pos.State != model.StateOpen {
		return model.HealthReport{Position: id, State: pos.State}, nil
	}
	cfg, err := c.controller.Config()
	if err != nil {
		return model.HealthReport{}, err
	}
	lender, err := c.registry.Lender(pos.LenderProvider)
	if err != nil {
		return model.HealthReport{}, err
	}
	price, err := c.oracle.Price(ctx, pos.Pair)
	if err != nil {
		return model.HealthReport{}, err
	}
	r, err := c.assess(ctx, pos, price, lender, cfg.LiquidationThresholdBps)
	if err != nil {
		return r, err
	}
	if avg, ok := c.oracle.(averager); ok {
		twap, known, err := avg.Average(pos.Pair)
		if err != nil {
			return r, err
		}
		if known {
			r.TWAPPrice = twap
		}
	}
	return r, nil
}

func (c *Coordinator) assess(ctx context.Context, pos *model.Position, price uint64, lender adapter.CollateralLoanProvider, thresholdBps uint64) (model.HealthReport, error) {
	r := model.HealthReport{Position: pos.ID, State: pos.State, Price: price}

	var err error
	if r.AmountA, r.AmountB, err = amountsAt(pos, price); err != nil {
		return r, err
	}
	if r.CollateralValue, err = valueAt(r.AmountA, r.AmountB, price); err != nil {
		return r, err
	}
	owed, err := lender.Owed(ctx, pos.DebtHandle)
	if err != nil {
		return r, err
	}
	r.Debt = owed.Total()

	params := lender.Params()
	if r.HealthFactor, err = HealthFactor(r.CollateralValue, r.Debt, params.LiquidationLTVBps); err != nil {
		return r, err
	}
	if r.LTVBps, err = LTVBps(r.Debt, r.CollateralValue); err != nil {
		return r, err
	}
	r.Unwindable = Unwindable(r.HealthFactor, thresholdBps)

	tick, err := tickmath.PriceToTick(price)
	if err != nil {
		return r, err
	}
	r.InRange = tick >= pos.TickLower && tick < pos.TickUpper

	if pos.EntryPrice > 0 {
		il, err := liquidity.EstimateImpermanentLoss(pos.EntryPrice, price, pos.TickLower, pos.TickUpper)
		if err != nil {
			return r, err
		}
		r.ImpermanentLossPpm, r.ILSeverity = il.Ppm, string(il.Severity)
	}
	if r.ConcentrationFactor, err = liquidity.ConcentrationFactor(pos.TickLower, pos.TickUpper); err != nil {
		return r, err
	}
	return r, nil
}

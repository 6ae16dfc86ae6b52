// Package controller serves the process-wide policy: initialisation, config
// updates, and the emergency stop. Every flow reads the policy through a
// Controller; only the authority may change it.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/ledger"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/oracle"
)

// LimitSetter receives the oracle limits derived from the policy.
type LimitSetter interface {
	SetLimits(oracle.Limits)
}

// Controller is the typed handle on the global singleton.
type Controller struct {
	ledger *ledger.Ledger
	oracle LimitSetter
}

// New creates a controller. If the ledger already holds an initialised
// record its oracle limits are applied immediately.
func New(l *ledger.Ledger, feed LimitSetter) *Controller {
	c := &Controller{ledger: l, oracle: feed}
	if g := l.Global(); g.Initialized && feed != nil {
		feed.SetLimits(OracleLimits(g.Config))
	}
	return c
}

// OracleLimits maps the policy onto oracle validation limits.
func OracleLimits(cfg model.GlobalConfig) oracle.Limits {
	return oracle.Limits{
		MaxStaleness:     time.Duration(cfg.MaxOracleStalenessS) * time.Second,
		MaxConfidenceBps: cfg.MaxOracleConfidenceBps,
		MaxDeviationBps:  cfg.MaxOracleDeviationBps,
	}
}

// Initialize creates the singleton. It succeeds exactly once.
func (c *Controller) Initialize(ctx context.Context, authority, treasury adapter.Account, cfg model.GlobalConfig) error {
	if authority.IsZero() {
		return fault.New(fault.InvalidConfig, "authority must be set")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if treasury.IsZero() {
		treasury = authority
	}

	_, err := c.ledger.UpdateGlobal(ctx, func(g *model.GlobalState) error {
		if g.Initialized {
			return fault.New(fault.AlreadyInitialised, "controller owned by %s", g.Authority)
		}
		g.Initialized = true
		g.Authority = authority
		g.Treasury = treasury
		g.Config = cfg
		return nil
	})
	if err != nil {
		return err
	}
	c.push(cfg)
	slog.Info("controller initialised", "authority", authority, "treasury", treasury)
	return nil
}

// UpdateConfig replaces the policy. The emergency stop flag is carried in
// cfg like every other field.
func (c *Controller) UpdateConfig(ctx context.Context, caller adapter.Account, cfg model.GlobalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := c.ledger.UpdateGlobal(ctx, func(g *model.GlobalState) error {
		if err := authorise(g, caller); err != nil {
			return err
		}
		g.Config = cfg
		return nil
	})
	if err != nil {
		return err
	}
	c.push(cfg)
	slog.Info("config updated", "caller", caller, "max_leverage_bps", cfg.MaxLeverageBps, "emergency_stop", cfg.EmergencyStop)
	return nil
}

// SetEmergencyStop toggles the stop. Close and forced unwind stay
// available while it is set.
func (c *Controller) SetEmergencyStop(ctx context.Context, caller adapter.Account, stop bool) error {
	_, err := c.ledger.UpdateGlobal(ctx, func(g *model.GlobalState) error {
		if err := authorise(g, caller); err != nil {
			return err
		}
		g.Config.EmergencyStop = stop
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("emergency stop changed", "caller", caller, "stop", stop)
	return nil
}

// SetTreasury redirects protocol fees.
func (c *Controller) SetTreasury(ctx context.Context, caller, treasury adapter.Account) error {
	if treasury.IsZero() {
		return fault.New(fault.InvalidConfig, "treasury must be set")
	}
	_, err := c.ledger.UpdateGlobal(ctx, func(g *model.GlobalState) error {
		if err := authorise(g, caller); err != nil {
			return err
		}
		g.Treasury = treasury
		return nil
	})
	return err
}

func authorise(g *model.GlobalState, caller adapter.Account) error {
	if !g.Initialized {
		return fault.New(fault.NotInitialised, "controller not initialised")
	}
	if caller != g.Authority {
		return fault.New(fault.Unauthorized, "%s is not the authority", caller)
	}
	return nil
}

func (c *Controller) push(cfg model.GlobalConfig) {
	if c.oracle != nil {
		c.oracle.SetLimits(OracleLimits(cfg))
	}
}

// Config returns the current policy.
func (c *Controller) Config() (model.GlobalConfig, error) {
	g := c.ledger.Global()
	if !g.Initialized {
		return model.GlobalConfig{}, fault.New(fault.NotInitialised, "controller not initialised")
	}
	return g.Config, nil
}

// State returns the whole singleton record.
func (c *Controller) State() model.GlobalState { return c.ledger.Global() }

// Authority returns the controlling account.
func (c *Controller) Authority() adapter.Account { return c.ledger.Global().Authority }

// Treasury returns the protocol fee recipient.
func (c *Controller) Treasury() adapter.Account { return c.ledger.Global().Treasury }

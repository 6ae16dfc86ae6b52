// Package keeper periodically scans open positions and force-unwinds the
// ones whose health factor has fallen past the liquidation threshold.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/model"
)

// Positions lists positions by state.
type Positions interface {
	ListByState(ctx context.Context, state model.State) ([]model.Position, error)
}

// Unwinder assesses and unwinds positions.
type Unwinder interface {
	Health(ctx context.Context, id model.PositionID) (model.HealthReport, error)
	ForcedUnwind(ctx context.Context, caller adapter.Account, id model.PositionID, fractionBps uint64) (model.UnwindReport, error)
}

// Config tunes a Keeper.
type Config struct {
	// Schedule is a cron spec with a leading seconds field.
	Schedule string
	Workers  int
	// FractionBps is the share of each unhealthy position unwound per pass.
	FractionBps uint64
	// Caller receives the liquidation penalty.
	Caller adapter.Account
	// RunTimeout bounds one scan.
	RunTimeout time.Duration
}

// Result summarises one scan.
type Result struct {
	Scanned  int
	Unwound  int
	Failed   int
	Skipped  int
	BadDebt  uint64
	Duration time.Duration
}

// Keeper runs health scans on a schedule.
type Keeper struct {
	cfg       Config
	positions Positions
	coord     Unwinder
	pool      pond.Pool
	cron      *cron.Cron
	inflight  *xsync.Map[model.PositionID, struct{}]
}

// New creates a keeper. Call Start to schedule it.
func New(cfg Config, positions Positions, coord Unwinder) (*Keeper, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FractionBps == 0 || cfg.FractionBps > 10_000 {
		return nil, fault.New(fault.InvalidFraction, "keeper fraction %d bp outside (0, 10000]", cfg.FractionBps)
	}
	if cfg.Caller.IsZero() {
		return nil, fault.New(fault.InvalidConfig, "keeper caller is required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 25 * time.Second
	}
	return &Keeper{
		cfg:       cfg,
		positions: positions,
		coord:     coord,
		pool:      pond.NewPool(cfg.Workers, pond.WithQueueSize(cfg.Workers*64)),
		inflight:  xsync.NewMap[model.PositionID, struct{}](),
	}, nil
}

// Start schedules scans on cfg.Schedule. Overlapping runs are skipped.
func (k *Keeper) Start(ctx context.Context) error {
	logger := cronLogger{}
	k.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := k.cron.AddFunc(k.cfg.Schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, k.cfg.RunTimeout)
		defer cancel()
		if _, err := k.Scan(rctx); err != nil {
			slog.Warn("keeper scan failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("keeper schedule %q: %w", k.cfg.Schedule, err)
	}
	k.cron.Start()
	slog.Info("keeper started", "schedule", k.cfg.Schedule, "workers", k.cfg.Workers, "fraction_bps", k.cfg.FractionBps)
	return nil
}

// Stop waits for the running scan and releases the worker pool.
func (k *Keeper) Stop() {
	if k.cron != nil {
		<-k.cron.Stop().Done()
	}
	k.pool.StopAndWait()
}

// Scan checks every open position once and unwinds the unhealthy ones.
func (k *Keeper) Scan(ctx context.Context) (Result, error) {
	start := time.Now()
	open, err := k.positions.ListByState(ctx, model.StateOpen)
	if err != nil {
		metrics.KeeperScans.WithLabelValues("error").Inc()
		return Result{}, err
	}

	unwound := xsync.NewCounter()
	failed := xsync.NewCounter()
	skipped := xsync.NewCounter()
	badDebt := xsync.NewCounter()

	// Tasks still queued when ctx ends never run, so claims are released
	// here rather than by the tasks.
	claimed := make([]model.PositionID, 0, len(open))
	defer func() {
		for _, id := range claimed {
			k.inflight.Delete(id)
		}
	}()

	group := k.pool.NewGroupContext(ctx)
	for i := range open {
		id := open[i].ID
		if _, busy := k.inflight.LoadOrStore(id, struct{}{}); busy {
			skipped.Inc()
			continue
		}
		claimed = append(claimed, id)
		group.Submit(func() {
			rep, acted, err := k.check(ctx, id)
			switch {
			case err != nil:
				failed.Inc()
			case acted:
				unwound.Inc()
				badDebt.Add(int64(rep.BadDebt))
			}
		})
	}
	status := "ok"
	if err := group.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, pond.ErrGroupStopped) {
			metrics.KeeperScans.WithLabelValues("error").Inc()
			return Result{}, err
		}
		status = "cut_short"
	}

	res := Result{
		Scanned:  len(open),
		Unwound:  int(unwound.Value()),
		Failed:   int(failed.Value()),
		Skipped:  int(skipped.Value()),
		BadDebt:  uint64(badDebt.Value()),
		Duration: time.Since(start),
	}
	metrics.KeeperScans.WithLabelValues(status).Inc()
	if res.Unwound > 0 || res.Failed > 0 || status != "ok" {
		slog.Info("keeper scan",
			"scanned", res.Scanned,
			"unwound", res.Unwound,
			"failed", res.Failed,
			"bad_debt", res.BadDebt,
			"status", status,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return res, nil
}

// check unwinds id when it is unwindable. acted reports whether an unwind
// committed.
func (k *Keeper) check(ctx context.Context, id model.PositionID) (model.UnwindReport, bool, error) {
	health, err := k.coord.Health(ctx, id)
	if err != nil {
		slog.Warn("keeper health check failed", "position", id, "err", err)
		return model.UnwindReport{}, false, err
	}
	if !health.Unwindable {
		return model.UnwindReport{}, false, nil
	}
	rep, err := k.coord.ForcedUnwind(ctx, k.cfg.Caller, id, k.cfg.FractionBps)
	if err != nil {
		// Another keeper or a price bounce got there first.
		if kind := fault.KindOf(err); kind == fault.PositionNotUnwindable || kind == fault.PositionNotOpen || kind == fault.PositionAlreadyPending {
			metrics.KeeperUnwinds.WithLabelValues("skipped").Inc()
			return model.UnwindReport{}, false, nil
		}
		metrics.KeeperUnwinds.WithLabelValues("error").Inc()
		return model.UnwindReport{}, false, err
	}
	metrics.KeeperUnwinds.WithLabelValues("ok").Inc()
	return rep, true, nil
}

// cronLogger routes cron's diagnostics through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}

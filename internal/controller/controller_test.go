package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/ledger"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/oracle"
	"github.com/atmx/leverage-engine/internal/store"
)

var (
	authority = adapter.DeriveAccount("authority")
	treasury  = adapter.DeriveAccount("treasury")
	stranger  = adapter.DeriveAccount("stranger")
)

type recordingFeed struct{ limits oracle.Limits }

func (f *recordingFeed) SetLimits(l oracle.Limits) { f.limits = l }

func setup(t *testing.T) (*Controller, *recordingFeed, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := ledger.New(st, clock.NewManual(time.Unix(1_700_000_000, 0)))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	feed := &recordingFeed{}
	return New(l, feed), feed, st
}

func TestInitialize_Once(t *testing.T) {
	c, feed, st := setup(t)
	ctx := context.Background()

	if _, err := c.Config(); !errors.Is(err, fault.NotInitialised) {
		t.Fatalf("Config before init: %v", err)
	}
	if err := c.Initialize(ctx, authority, treasury, model.DefaultConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Initialize(ctx, stranger, treasury, model.DefaultConfig()); !errors.Is(err, fault.AlreadyInitialised) {
		t.Fatalf("second Initialize: got %v", err)
	}
	if c.Authority() != authority || c.Treasury() != treasury {
		t.Errorf("authority/treasury not recorded")
	}
	if feed.limits.MaxStaleness != 60*time.Second || feed.limits.MaxDeviationBps != 200 {
		t.Errorf("oracle limits = %+v", feed.limits)
	}
	g, _ := st.LoadGlobal(ctx)
	if !g.Initialized || g.Config.MaxLeverageBps != 500 {
		t.Errorf("persisted = %+v", g)
	}
}

func TestInitialize_RejectsBadConfig(t *testing.T) {
	c, _, _ := setup(t)
	cfg := model.DefaultConfig()
	cfg.LiquidationThresholdBps = 10_000
	if err := c.Initialize(context.Background(), authority, treasury, cfg); !errors.Is(err, fault.InvalidConfig) {
		t.Fatalf("got %v, want InvalidConfig", err)
	}
	if c.State().Initialized {
		t.Error("rejected config initialised the controller")
	}
}

func TestUpdateConfig_AuthorityOnly(t *testing.T) {
	c, feed, _ := setup(t)
	ctx := context.Background()
	_ = c.Initialize(ctx, authority, treasury, model.DefaultConfig())

	cfg := model.DefaultConfig()
	cfg.MaxLeverageBps = 300
	cfg.MaxOracleStalenessS = 30

	if err := c.UpdateConfig(ctx, stranger, cfg); !errors.Is(err, fault.Unauthorized) {
		t.Fatalf("stranger update: got %v", err)
	}
	if err := c.UpdateConfig(ctx, authority, cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	got, _ := c.Config()
	if got.MaxLeverageBps != 300 {
		t.Errorf("max leverage = %d", got.MaxLeverageBps)
	}
	if feed.limits.MaxStaleness != 30*time.Second {
		t.Errorf("limits not pushed: %+v", feed.limits)
	}
}

func TestSetEmergencyStop(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	if err := c.SetEmergencyStop(ctx, authority, true); !errors.Is(err, fault.NotInitialised) {
		t.Fatalf("before init: got %v", err)
	}
	_ = c.Initialize(ctx, authority, treasury, model.DefaultConfig())

	if err := c.SetEmergencyStop(ctx, stranger, true); !errors.Is(err, fault.Unauthorized) {
		t.Fatalf("stranger: got %v", err)
	}
	if err := c.SetEmergencyStop(ctx, authority, true); err != nil {
		t.Fatalf("SetEmergencyStop: %v", err)
	}
	cfg, _ := c.Config()
	if !cfg.EmergencyStop {
		t.Error("stop not set")
	}
}

func TestSetTreasury(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()
	_ = c.Initialize(ctx, authority, adapter.Account{}, model.DefaultConfig())
	if c.Treasury() != authority {
		t.Fatalf("treasury should default to the authority")
	}
	if err := c.SetTreasury(ctx, authority, treasury); err != nil {
		t.Fatalf("SetTreasury: %v", err)
	}
	if c.Treasury() != treasury {
		t.Error("treasury not updated")
	}
}

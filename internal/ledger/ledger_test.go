package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/store"
)

var (
	owner = adapter.DeriveAccount("owner")
	pair  = adapter.Pair{A: adapter.DeriveToken("SOL"), B: adapter.DeriveToken("USDC")}
)

func newLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := New(st, clock.NewManual(time.Unix(1_700_000_000, 0)))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l, st
}

func TestTryLock_SecondClaimFails(t *testing.T) {
	l, _ := newLedger(t)

	unlock, err := l.TryLock(owner, pair, "flow-1")
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if _, err := l.TryLock(owner, pair, "flow-2"); !errors.Is(err, fault.PositionAlreadyPending) {
		t.Fatalf("got %v, want PositionAlreadyPending", err)
	}

	// A different pair for the same owner is independent.
	other := adapter.Pair{A: adapter.DeriveToken("ETH"), B: pair.B}
	unlockOther, err := l.TryLock(owner, other, "flow-3")
	if err != nil {
		t.Fatalf("other pair: %v", err)
	}
	unlockOther()

	unlock()
	unlock()
	if l.Locked(owner, pair) {
		t.Fatal("slot still held after unlock")
	}
	if _, err := l.TryLock(owner, pair, "flow-4"); err != nil {
		t.Fatalf("relock: %v", err)
	}
}

func TestTryLock_Concurrent(t *testing.T) {
	l, _ := newLedger(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(owner, pair, "flow"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d goroutines acquired the slot, want 1", wins.Load())
	}
}

func TestTransition(t *testing.T) {
	l, _ := newLedger(t)
	p := &model.Position{ID: 1}

	steps := []model.State{model.StateOpening, model.StateOpen, model.StateUnwinding, model.StateOpen, model.StateClosing, model.StateClosed}
	for _, s := range steps {
		if err := l.Transition(p, s); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
	if p.ClosedAt == nil {
		t.Error("terminal transition did not stamp ClosedAt")
	}
	if err := l.Transition(p, model.StateOpen); !errors.Is(err, fault.PositionNotOpen) {
		t.Errorf("reopen closed: got %v", err)
	}
}

func TestCanTransition_Illegal(t *testing.T) {
	illegal := [][2]model.State{
		{"", model.StateOpen},
		{model.StateOpening, model.StateClosed},
		{model.StateOpen, model.StateClosed},
		{model.StateUnwound, model.StateOpen},
		{model.StateErrored, model.StateOpen},
	}
	for _, tt := range illegal {
		if CanTransition(tt[0], tt[1]) {
			t.Errorf("%q -> %q allowed", tt[0], tt[1])
		}
	}
}

func TestCommit_CountersAndNonce(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	if id := l.NextID(); id != 0 {
		t.Fatalf("first id = %d", id)
	}
	id := l.NextID()
	p := &model.Position{ID: id, Owner: owner, Pair: pair, State: model.StateOpen, Liquidity: uint256.NewInt(1)}
	if err := l.Commit(ctx, []*model.Position{p}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	g, _ := st.LoadGlobal(ctx)
	if g.ActivePositions != 1 || g.NextNonce != 2 {
		t.Errorf("persisted global = %+v", g)
	}

	if err := l.Commit(ctx, nil, -2); !errors.Is(err, fault.Underflow) {
		t.Errorf("got %v, want Underflow", err)
	}
	if l.Global().ActivePositions != 1 {
		t.Error("failed commit changed the counter")
	}

	// A reloaded ledger continues from the persisted nonce.
	l2 := New(st, clock.System{})
	_ = l2.Load(ctx)
	if id := l2.NextID(); id != 2 {
		t.Errorf("reloaded id = %d, want 2", id)
	}
}

func TestGet_NotFound(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.Get(context.Background(), 9); !errors.Is(err, fault.PositionNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestUpdateGlobal_RequiresLoad(t *testing.T) {
	l := New(store.NewMemoryStore(), clock.System{})
	_, err := l.UpdateGlobal(context.Background(), func(*model.GlobalState) error { return nil })
	if !errors.Is(err, ErrNotLoaded) {
		t.Errorf("got %v", err)
	}
}

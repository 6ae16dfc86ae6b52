// Package ledger owns position records and the controller singleton. It is
// the only writer of Position.State, hands out position nonces, keeps the
// active position counter, and serialises flows per (owner, pair).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/store"
)

// ErrNotLoaded is returned when the ledger is used before Load.
var ErrNotLoaded = errors.New("ledger: global state not loaded")

// transitions lists the legal state moves. The empty state is a position
// that exists only inside a flow.
var transitions = map[model.State][]model.State{
	"":                   {model.StateOpening},
	model.StateOpening:   {model.StateOpen, model.StateErrored},
	model.StateOpen:      {model.StateClosing, model.StateUnwinding, model.StateErrored},
	model.StateClosing:   {model.StateClosed, model.StateOpen},
	model.StateUnwinding: {model.StateOpen, model.StateUnwound},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to model.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ledger fronts a store.Store with the in-process state every flow shares.
type Ledger struct {
	store store.Store
	clock clock.Clock

	locks *xsync.Map[string, string]
	nonce atomic.Uint64

	mu     sync.RWMutex
	global model.GlobalState
	loaded bool
}

// New creates a ledger over st. Call Load before use.
func New(st store.Store, clk clock.Clock) *Ledger {
	return &Ledger{
		store: st,
		clock: clk,
		locks: xsync.NewMap[string, string](),
	}
}

// Load reads the controller record from the store and seeds the nonce.
func (l *Ledger) Load(ctx context.Context) error {
	g, err := l.store.LoadGlobal(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load: %w", err)
	}
	l.mu.Lock()
	l.global = *g
	l.loaded = true
	l.mu.Unlock()

	l.nonce.Store(g.NextNonce)
	return nil
}

// Global returns a copy of the controller record.
func (l *Ledger) Global() model.GlobalState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.global
}

// UpdateGlobal applies fn to a copy of the controller record and persists
// it. The in-memory record changes only if the store accepts the write.
func (l *Ledger) UpdateGlobal(ctx context.Context, fn func(g *model.GlobalState) error) (model.GlobalState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return model.GlobalState{}, ErrNotLoaded
	}

	g := l.global
	if err := fn(&g); err != nil {
		return model.GlobalState{}, err
	}
	g.UpdatedAt = l.clock.Now().UTC()
	if err := l.store.Commit(ctx, store.Batch{Global: &g}); err != nil {
		return model.GlobalState{}, fmt.Errorf("ledger: persist global: %w", err)
	}
	l.global = g
	return g, nil
}

func lockKey(owner adapter.Account, pair adapter.Pair) string {
	return owner.String() + "/" + pair.Key()
}

// TryLock claims the (owner, pair) slot for flow. It never blocks; a slot
// already held fails with PositionAlreadyPending. The returned func
// releases the slot and is safe to call more than once.
func (l *Ledger) TryLock(owner adapter.Account, pair adapter.Pair, flow string) (func(), error) {
	key := lockKey(owner, pair)
	holder, loaded := l.locks.LoadOrStore(key, flow)
	if loaded {
		return nil, fault.New(fault.PositionAlreadyPending, "%s held by flow %s", key, holder)
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.locks.Delete(key) })
	}, nil
}

// Locked reports whether a flow holds the (owner, pair) slot.
func (l *Ledger) Locked(owner adapter.Account, pair adapter.Pair) bool {
	_, ok := l.locks.Load(lockKey(owner, pair))
	return ok
}

// NextID allocates a position nonce. Nonces are never reused, so a failed
// open leaves a gap.
func (l *Ledger) NextID() model.PositionID {
	return model.PositionID(l.nonce.Add(1) - 1)
}

// Transition moves p to state to, failing PositionNotOpen on an illegal
// move.
func (l *Ledger) Transition(p *model.Position, to model.State) error {
	if !CanTransition(p.State, to) {
		return fault.New(fault.PositionNotOpen, "position %d cannot move from %q to %q", p.ID, p.State, to)
	}
	p.State = to
	p.UpdatedAt = l.clock.Now().UTC()
	if to.Terminal() {
		t := p.UpdatedAt
		p.ClosedAt = &t
	}
	return nil
}

// Commit persists positions together with the controller record, adjusting
// the active counter by activeDelta. Either both land or neither does.
func (l *Ledger) Commit(ctx context.Context, positions []*model.Position, activeDelta int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}

	g := l.global
	switch {
	case activeDelta < 0 && uint64(-activeDelta) > g.ActivePositions:
		return fault.New(fault.Underflow, "active positions %d below %d", g.ActivePositions, -activeDelta)
	case activeDelta < 0:
		g.ActivePositions -= uint64(-activeDelta)
	default:
		g.ActivePositions += uint64(activeDelta)
	}
	if n := l.nonce.Load(); n > g.NextNonce {
		g.NextNonce = n
	}
	g.UpdatedAt = l.clock.Now().UTC()

	if err := l.store.Commit(ctx, store.Batch{Positions: positions, Global: &g}); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	l.global = g
	return nil
}

// Get loads a position, mapping a missing record to PositionNotFound.
func (l *Ledger) Get(ctx context.Context, id model.PositionID) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Wrap(fault.PositionNotFound, err, "position %d", id)
	}
	return p, err
}

func (l *Ledger) ListByOwner(ctx context.Context, owner adapter.Account) ([]model.Position, error) {
	return l.store.ListByOwner(ctx, owner)
}

func (l *Ledger) ListByOwnerPair(ctx context.Context, owner adapter.Account, pair adapter.Pair) ([]model.Position, error) {
	return l.store.ListByOwnerPair(ctx, owner, pair)
}

func (l *Ledger) ListByState(ctx context.Context, state model.State) ([]model.Position, error) {
	return l.store.ListByState(ctx, state)
}

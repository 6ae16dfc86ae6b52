package store

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
)

var (
	alice = adapter.DeriveAccount("alice")
	bob   = adapter.DeriveAccount("bob")
	sol   = adapter.Pair{A: adapter.DeriveToken("SOL"), B: adapter.DeriveToken("USDC")}
	eth   = adapter.Pair{A: adapter.DeriveToken("ETH"), B: adapter.DeriveToken("USDC")}
)

func position(id model.PositionID, owner adapter.Account, pair adapter.Pair, state model.State) *model.Position {
	return &model.Position{ID: id, Owner: owner, Pair: pair, State: state, Liquidity: uint256.NewInt(1_000)}
}

func TestMemoryStore_CommitAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := position(1, alice, sol, model.StateOpen)
	g := &model.GlobalState{Initialized: true, NextNonce: 2, ActivePositions: 1}
	if err := s.Commit(ctx, Batch{Positions: []*model.Position{p}, Global: g}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	p.Liquidity.SetUint64(5)
	p.State = model.StateClosed

	got, err := s.GetPosition(ctx, 1)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.State != model.StateOpen || got.Liquidity.Uint64() != 1_000 {
		t.Errorf("stored position was mutated: %+v", got)
	}

	gs, _ := s.LoadGlobal(ctx)
	if !gs.Initialized || gs.NextNonce != 2 {
		t.Errorf("global = %+v", gs)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	_, err := NewMemoryStore().GetPosition(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RejectsMissingLiquidity(t *testing.T) {
	s := NewMemoryStore()
	p := position(1, alice, sol, model.StateOpen)
	p.Liquidity = nil
	if err := s.Commit(context.Background(), Batch{Positions: []*model.Position{p}}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := s.GetPosition(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected batch was partially applied")
	}
}

func TestMemoryStore_Lists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Commit(ctx, Batch{Positions: []*model.Position{
		position(3, alice, eth, model.StateOpen),
		position(1, alice, sol, model.StateOpen),
		position(2, bob, sol, model.StateClosed),
		position(4, alice, sol, model.StateUnwound),
	}})

	owned, _ := s.ListByOwner(ctx, alice)
	if len(owned) != 3 || owned[0].ID != 1 || owned[1].ID != 3 || owned[2].ID != 4 {
		t.Errorf("ListByOwner = %v", ids(owned))
	}

	inPair, _ := s.ListByOwnerPair(ctx, alice, sol)
	if len(inPair) != 2 || inPair[0].ID != 1 || inPair[1].ID != 4 {
		t.Errorf("ListByOwnerPair = %v", ids(inPair))
	}

	open, _ := s.ListByState(ctx, model.StateOpen)
	if len(open) != 2 {
		t.Errorf("ListByState = %v", ids(open))
	}
}

func ids(ps []model.Position) []model.PositionID {
	out := make([]model.PositionID, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

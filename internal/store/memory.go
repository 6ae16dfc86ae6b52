package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and simulation. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	global    model.GlobalState
	positions map[model.PositionID]*model.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[model.PositionID]*model.Position),
	}
}

func (s *MemoryStore) LoadGlobal(_ context.Context) (*model.GlobalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.global
	return &g, nil
}

func (s *MemoryStore) Commit(_ context.Context, b Batch) error {
	for _, p := range b.Positions {
		if p == nil || p.Liquidity == nil {
			return fmt.Errorf("store: position without liquidity")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store copies to avoid external mutation.
	for _, p := range b.Positions {
		s.positions[p.ID] = p.Clone()
	}
	if b.Global != nil {
		s.global = *b.Global
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id model.PositionID) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) list(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner adapter.Account) ([]model.Position, error) {
	return s.list(func(p *model.Position) bool { return p.Owner == owner }), nil
}

func (s *MemoryStore) ListByOwnerPair(_ context.Context, owner adapter.Account, pair adapter.Pair) ([]model.Position, error) {
	return s.list(func(p *model.Position) bool { return p.Owner == owner && p.Pair == pair }), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state model.State) ([]model.Position, error) {
	return s.list(func(p *model.Position) bool { return p.State == state }), nil
}

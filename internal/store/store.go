// Package store defines the persistence interface for the leverage engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and simulation).
package store

import (
	"context"
	"errors"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
)

// ErrNotFound is returned when a position does not exist.
var ErrNotFound = errors.New("store: not found")

// Batch is one atomic write: position upserts plus, optionally, the global
// state.
type Batch struct {
	Positions []*model.Position
	Global    *model.GlobalState
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// LoadGlobal returns the controller record. A store that was never
	// initialised returns a zero state with Initialized false.
	LoadGlobal(ctx context.Context) (*model.GlobalState, error)

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b Batch) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id model.PositionID) (*model.Position, error)

	// ListByOwner returns every position of an owner, oldest first.
	ListByOwner(ctx context.Context, owner adapter.Account) ([]model.Position, error)

	// ListByOwnerPair returns an owner's positions in one pair, oldest first.
	ListByOwnerPair(ctx context.Context, owner adapter.Account, pair adapter.Pair) ([]model.Position, error)

	// ListByState returns every position in state, oldest first.
	ListByState(ctx context.Context, state model.State) ([]model.Position, error)
}

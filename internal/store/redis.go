package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(b.Positions)+1)
	for _, p := range b.Positions {
		keys = append(keys, positionKey(p.ID), ownerKey(p.Owner))
	}
	if b.Global != nil {
		keys = append(keys, globalKey)
	}
	if len(keys) > 0 {
		// Invalidate; next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadGlobal(ctx context.Context) (*model.GlobalState, error) {
	var g model.GlobalState
	if s.cached(ctx, globalKey, &g) {
		return &g, nil
	}

	// Cache miss: read from primary.
	gp, err := s.primary.LoadGlobal(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, globalKey, gp)
	return gp, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id model.PositionID) (*model.Position, error) {
	var p model.Position
	if s.cached(ctx, positionKey(id), &p) && p.Liquidity != nil {
		return &p, nil
	}

	pp, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(id), pp)
	return pp, nil
}

func (s *CachedStore) ListByOwner(ctx context.Context, owner adapter.Account) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, ownerKey(owner), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ownerKey(owner), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListByOwnerPair(ctx context.Context, owner adapter.Account, pair adapter.Pair) ([]model.Position, error) {
	return s.primary.ListByOwnerPair(ctx, owner, pair)
}

func (s *CachedStore) ListByState(ctx context.Context, state model.State) ([]model.Position, error) {
	return s.primary.ListByState(ctx, state)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const globalKey = "leverage:global"

func positionKey(id model.PositionID) string { return fmt.Sprintf("position:%d", id) }
func ownerKey(owner adapter.Account) string  { return fmt.Sprintf("positions:%s", owner) }

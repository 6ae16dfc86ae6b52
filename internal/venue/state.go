package venue

import (
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
)

type pairKey struct {
	base, quote adapter.Token
}

type flashLoan struct {
	program   adapter.ProviderID
	token     adapter.Token
	principal uint64
	fee       uint64
}

type clmmPosition struct {
	program adapter.ProviderID
	owner   adapter.Account
	pair    adapter.Pair
	lower   int32
	upper   int32
	liq     *uint256.Int
	feesA   uint64
	feesB   uint64
}

type lendingMarket struct {
	token    adapter.Token
	supply   uint64
	borrowed uint64
	curve    adapter.RateCurve
}

type loan struct {
	market    adapter.ProviderID
	owner     adapter.Account
	token     adapter.Token
	principal uint64
	interest  uint64
	rateBps   uint64
	since     int64
}

// state is everything a transaction can change. It is copied whole for a
// snapshot.
type state struct {
	balances  map[adapter.Account]map[adapter.Token]uint64
	reserves  map[adapter.ProviderID]map[adapter.Token]uint64
	flash     map[string]flashLoan
	prices    map[pairKey]uint64
	haircuts  map[pairKey]uint64
	pools     map[adapter.ProviderID]bool
	positions map[string]*clmmPosition
	markets   map[adapter.ProviderID]*lendingMarket
	loans     map[string]*loan
}

func newState() *state {
	return &state{
		balances:  make(map[adapter.Account]map[adapter.Token]uint64),
		reserves:  make(map[adapter.ProviderID]map[adapter.Token]uint64),
		flash:     make(map[string]flashLoan),
		prices:    make(map[pairKey]uint64),
		haircuts:  make(map[pairKey]uint64),
		pools:     make(map[adapter.ProviderID]bool),
		positions: make(map[string]*clmmPosition),
		markets:   make(map[adapter.ProviderID]*lendingMarket),
		loans:     make(map[string]*loan),
	}
}

func (s *state) clone() *state {
	c := newState()
	for acct, m := range s.balances {
		cm := make(map[adapter.Token]uint64, len(m))
		for t, v := range m {
			cm[t] = v
		}
		c.balances[acct] = cm
	}
	for id, m := range s.reserves {
		cm := make(map[adapter.Token]uint64, len(m))
		for t, v := range m {
			cm[t] = v
		}
		c.reserves[id] = cm
	}
	for k, v := range s.flash {
		c.flash[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = v
	}
	for k, v := range s.haircuts {
		c.haircuts[k] = v
	}
	for k, v := range s.pools {
		c.pools[k] = v
	}
	for k, p := range s.positions {
		cp := *p
		cp.liq = new(uint256.Int).Set(p.liq)
		c.positions[k] = &cp
	}
	for k, m := range s.markets {
		cm := *m
		c.markets[k] = &cm
	}
	for k, l := range s.loans {
		cl := *l
		c.loans[k] = &cl
	}
	return c
}

func (s *state) balance(acct adapter.Account, t adapter.Token) uint64 {
	return s.balances[acct][t]
}

func (s *state) credit(acct adapter.Account, t adapter.Token, amount uint64) {
	m, ok := s.balances[acct]
	if !ok {
		m = make(map[adapter.Token]uint64)
		s.balances[acct] = m
	}
	m[t] += amount
}

func (s *state) debit(acct adapter.Account, t adapter.Token, amount uint64) error {
	if s.balance(acct, t) < amount {
		return ErrInsufficientBalance
	}
	s.balances[acct][t] -= amount
	return nil
}

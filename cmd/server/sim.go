package main

import (
	"fmt"
	"sync"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/clmm"
	"github.com/atmx/leverage-engine/internal/adapter/lending"
	"github.com/atmx/leverage-engine/internal/adapter/shortloan"
	"github.com/atmx/leverage-engine/internal/adapter/swap"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/config"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/oracle"
	"github.com/atmx/leverage-engine/internal/venue"
)

type quote struct {
	pair          adapter.Pair
	price         uint64
	confidenceBps uint64
}

// simMarket keeps the simulated venue and its oracle sources on the same
// price, and re-stamps the sources so readings never go stale.
type simMarket struct {
	sim     *venue.Sim
	sources []*oracle.StaticSource

	mu     sync.Mutex
	quotes map[string]quote
}

func newSimMarket(sim *venue.Sim, clk clock.Clock, cfg config.SimulationConfig) *simMarket {
	m := &simMarket{sim: sim, quotes: make(map[string]quote)}
	for _, name := range cfg.Oracles {
		m.sources = append(m.sources, oracle.NewStaticSource(name, oracle.Weights[name], clk))
	}
	for _, p := range cfg.Pairs {
		m.SetPrice(p.Pair(), p.Price, p.ConfidenceBps)
	}
	return m
}

// Sources returns the oracle sources as the feed consumes them.
func (m *simMarket) Sources() []oracle.Source {
	out := make([]oracle.Source, len(m.sources))
	for i, s := range m.sources {
		out[i] = s
	}
	return out
}

// SetPrice moves pair on the venue and every oracle source.
func (m *simMarket) SetPrice(pair adapter.Pair, price, confidenceBps uint64) {
	q := quote{pair: pair, price: price, confidenceBps: confidenceBps}
	m.mu.Lock()
	m.quotes[pair.Key()] = q
	m.mu.Unlock()
	m.sim.SetPrice(pair, price)
	m.publish(q)
}

// Refresh re-publishes every quote with a fresh timestamp.
func (m *simMarket) Refresh() {
	m.mu.Lock()
	quotes := make([]quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		quotes = append(quotes, q)
	}
	m.mu.Unlock()
	for _, q := range quotes {
		m.publish(q)
	}
}

func (m *simMarket) publish(q quote) {
	conf, err := fixedpoint.ApplyBps(q.price, q.confidenceBps)
	if err != nil {
		conf = 0
	}
	for _, s := range m.sources {
		s.Set(q.pair, q.price, conf)
	}
}

// registerProviders registers every preset against the simulated venue and
// funds what the configuration seeds.
func registerProviders(reg *adapter.Registry, sim *venue.Sim, clk clock.Clock, cfg config.SimulationConfig) error {
	if err := reg.RegisterSwap(swap.New(swap.Jupiter, sim, clk)); err != nil {
		return err
	}
	for _, tier := range []shortloan.Tier{shortloan.Solend, shortloan.Kamino, shortloan.MarginFi, shortloan.Port} {
		if err := reg.RegisterShortLoan(shortloan.New(tier, sim)); err != nil {
			return err
		}
	}
	for _, pool := range []clmm.Pool{clmm.Orca, clmm.Raydium, clmm.Meteora} {
		sim.AddPool(pool.ID)
		if err := reg.RegisterClmm(clmm.New(pool, sim)); err != nil {
			return err
		}
	}
	markets := map[adapter.ProviderID]lending.Market{}
	for _, m := range []lending.Market{lending.MarginFi, lending.Solend, lending.Kamino, lending.Port} {
		markets[m.ID] = m
		if err := reg.RegisterLender(lending.New(m, sim)); err != nil {
			return err
		}
	}

	for _, f := range cfg.Flash {
		sim.FundFlash(adapter.ProviderID(f.Provider), config.Token(f.Token), f.Amount)
	}
	for _, l := range cfg.Lending {
		m, ok := markets[adapter.ProviderID(l.Provider)]
		if !ok {
			return fmt.Errorf("simulation: unknown lending market %q", l.Provider)
		}
		sim.AddLendingMarket(m.ID, config.Token(l.Token), l.Supply, m.Params.Curve)
	}
	for _, b := range cfg.Balances {
		acct, err := config.ParseAccount(b.Account)
		if err != nil {
			return err
		}
		sim.Mint(acct, config.Token(b.Token), b.Amount)
	}
	return nil
}

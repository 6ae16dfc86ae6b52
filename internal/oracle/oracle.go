// Package oracle validates and aggregates external price readings. Prices
// are B per A, 1e6-scaled. Every reading is checked for status, staleness
// and confidence before it contributes to an aggregate.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

// Status is a feed's self-reported state.
type Status int

const (
	StatusUnknown Status = iota
	StatusValid
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Source weights for the supported feed families.
const (
	WeightPyth        uint64 = 100
	WeightChainlink   uint64 = 90
	WeightSwitchboard uint64 = 80
	WeightCustom      uint64 = 50
)

// Weights maps feed family names to their weights.
var Weights = map[string]uint64{
	"pyth":        WeightPyth,
	"chainlink":   WeightChainlink,
	"switchboard": WeightSwitchboard,
	"custom":      WeightCustom,
}

// Reading is one price observation.
type Reading struct {
	Source      string
	Price       uint64
	Confidence  uint64
	LastUpdated time.Time
	Status      Status
	Weight      uint64
}

// Limits bound what readings are usable.
type Limits struct {
	MaxStaleness     time.Duration
	MaxConfidenceBps uint64
	MaxDeviationBps  uint64
}

var ErrNoSources = errors.New("oracle: no sources configured")

// Validate checks a single reading at now.
func Validate(r Reading, now time.Time, lim Limits) error {
	if r.Status != StatusValid {
		return fault.Oracle(fault.Stale, "%s status %s", r.Source, r.Status)
	}
	if r.Price == 0 {
		return fault.Oracle(fault.Inconsistent, "%s reports zero price", r.Source)
	}
	if age := now.Sub(r.LastUpdated); age > lim.MaxStaleness {
		return fault.Oracle(fault.Stale, "%s last updated %s ago, limit %s", r.Source, age, lim.MaxStaleness)
	}
	// confidence/price <= max_confidence_bps/10000, kept in integers.
	lhs := new(uint256.Int).Mul(uint256.NewInt(r.Confidence), uint256.NewInt(10_000))
	rhs := new(uint256.Int).Mul(uint256.NewInt(r.Price), uint256.NewInt(lim.MaxConfidenceBps))
	if lhs.Gt(rhs) {
		return fault.Oracle(fault.LowConfidence, "%s confidence %d on price %d exceeds %d bp",
			r.Source, r.Confidence, r.Price, lim.MaxConfidenceBps)
	}
	return nil
}

// Aggregate combines validated readings into one price. Each reading is
// weighted by its source weight over its confidence interval, so tighter
// readings count for more. The result is rejected when the spread between
// the highest and lowest reading exceeds MaxDeviationBps of the aggregate.
func Aggregate(readings []Reading, lim Limits) (uint64, error) {
	if len(readings) == 0 {
		return 0, fault.Oracle(fault.Stale, "no usable readings")
	}
	num, den := new(uint256.Int), new(uint256.Int)
	lo, hi := readings[0].Price, readings[0].Price
	for _, r := range readings {
		w := r.Weight
		if w == 0 {
			w = WeightCustom
		}
		conf := r.Confidence
		if conf == 0 {
			conf = 1
		}
		wt := new(uint256.Int).Mul(uint256.NewInt(w), uint256.NewInt(1_000_000))
		wt.Div(wt, uint256.NewInt(conf))
		if wt.IsZero() {
			wt.SetOne()
		}
		num.Add(num, new(uint256.Int).Mul(uint256.NewInt(r.Price), wt))
		den.Add(den, wt)
		lo = min(lo, r.Price)
		hi = max(hi, r.Price)
	}
	agg := new(uint256.Int).Div(num, den).Uint64()
	if agg == 0 {
		return 0, fault.Oracle(fault.Inconsistent, "aggregate price is zero")
	}
	dev, err := fixedpoint.MulDiv(hi-lo, 10_000, agg)
	if err != nil {
		return 0, fault.Oracle(fault.Inconsistent, "source spread %d..%d out of range", lo, hi)
	}
	if dev > lim.MaxDeviationBps {
		return 0, fault.Oracle(fault.Inconsistent, "sources disagree by %d bp, limit %d", dev, lim.MaxDeviationBps)
	}
	return agg, nil
}

// Source produces readings for a pair.
type Source interface {
	Name() string
	Read(ctx context.Context, pair adapter.Pair) (Reading, error)
}

// StaticSource serves readings set by the operator or a test.
type StaticSource struct {
	name   string
	weight uint64
	clock  clock.Clock

	mu       sync.RWMutex
	readings map[string]Reading
}

// NewStaticSource creates a settable source.
func NewStaticSource(name string, weight uint64, clk clock.Clock) *StaticSource {
	return &StaticSource{name: name, weight: weight, clock: clk, readings: make(map[string]Reading)}
}

func (s *StaticSource) Name() string { return s.name }

// Set publishes a valid reading for pair stamped with the current time.
func (s *StaticSource) Set(pair adapter.Pair, price, confidence uint64) {
	s.Put(pair, Reading{Price: price, Confidence: confidence, LastUpdated: s.clock.Now(), Status: StatusValid})
}

// Put publishes r verbatim, apart from source name and weight.
func (s *StaticSource) Put(pair adapter.Pair, r Reading) {
	r.Source, r.Weight = s.name, s.weight
	s.mu.Lock()
	s.readings[pair.Key()] = r
	s.mu.Unlock()
}

func (s *StaticSource) Read(_ context.Context, pair adapter.Pair) (Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[pair.Key()]
	if !ok {
		return Reading{}, fmt.Errorf("oracle: %s has no price for %s", s.name, pair)
	}
	return r, nil
}

// Feed reads every source for a pair and aggregates the usable readings.
type Feed struct {
	sources []Source
	clock   clock.Clock
	twap    *TWAP

	mu     sync.RWMutex
	limits Limits
}

// NewFeed creates a feed over sources.
func NewFeed(clk clock.Clock, limits Limits, sources ...Source) *Feed {
	return &Feed{sources: sources, clock: clk, limits: limits, twap: NewTWAP(0, 0)}
}

// SetLimits replaces the validation limits.
func (f *Feed) SetLimits(l Limits) {
	f.mu.Lock()
	f.limits = l
	f.mu.Unlock()
}

// Limits returns the current validation limits.
func (f *Feed) Limits() Limits {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.limits
}

// Average returns the time-weighted mean of the aggregates Price has
// produced for pair. ok is false before the first successful Price.
func (f *Feed) Average(pair adapter.Pair) (uint64, bool, error) {
	return f.twap.Average(pair, f.clock.Now())
}

// Price returns the aggregate price for pair. Readings that fail validation
// are dropped; when none survive, the first validation failure is returned.
func (f *Feed) Price(ctx context.Context, pair adapter.Pair) (uint64, error) {
	if len(f.sources) == 0 {
		return 0, ErrNoSources
	}
	lim := f.Limits()
	now := f.clock.Now()

	var usable []Reading
	var firstErr error
	for _, src := range f.sources {
		r, err := src.Read(ctx, pair)
		if err == nil {
			err = Validate(r, now, lim)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		if fault.KindOf(firstErr) == fault.OracleUnusable {
			return 0, firstErr
		}
		return 0, fault.Wrap(fault.OracleUnusable, firstErr, "no usable readings for %s", pair)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Source < usable[j].Source })
	price, err := Aggregate(usable, lim)
	if err != nil {
		return 0, err
	}
	f.twap.Observe(pair, price, now)
	return price, nil
}

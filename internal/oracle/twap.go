package oracle

import (
	"sync"
	"time"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

const (
	defaultTWAPWindow = 30 * time.Minute
	defaultTWAPCap    = 128
)

type sample struct {
	price uint64
	at    time.Time
}

// TWAP keeps a bounded history of aggregate prices per pair and reports
// their time-weighted mean over a rolling window.
type TWAP struct {
	mu      sync.Mutex
	window  time.Duration
	cap     int
	history map[string][]sample
}

// NewTWAP creates a tracker. Non-positive arguments select the defaults.
func NewTWAP(window time.Duration, capacity int) *TWAP {
	if window <= 0 {
		window = defaultTWAPWindow
	}
	if capacity <= 0 {
		capacity = defaultTWAPCap
	}
	return &TWAP{window: window, cap: capacity, history: make(map[string][]sample)}
}

// Observe records price for pair at t. Out-of-order samples are dropped.
func (w *TWAP) Observe(pair adapter.Pair, price uint64, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := pair.Key()
	h := w.history[key]
	if n := len(h); n > 0 && t.Before(h[n-1].at) {
		return
	}
	h = append(h, sample{price: price, at: t})
	if len(h) > w.cap {
		h = h[len(h)-w.cap:]
	}
	w.history[key] = h
}

// Average returns the time-weighted mean over the window ending at now.
// Each sample holds until the next one; the last holds until now. ok is
// false when pair has no history.
func (w *TWAP) Average(pair adapter.Pair, now time.Time) (price uint64, ok bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.history[pair.Key()]
	if len(h) == 0 {
		return 0, false, nil
	}
	start := now.Add(-w.window)

	var weighted, total uint64
	for i, s := range h {
		from := s.at
		if from.Before(start) {
			from = start
		}
		to := now
		if i+1 < len(h) {
			to = h[i+1].at
		}
		if !to.After(from) {
			continue
		}
		secs := uint64(to.Sub(from) / time.Second)
		if secs == 0 {
			continue
		}
		part, err := fixedpoint.Mul(s.price, secs)
		if err != nil {
			return 0, false, err
		}
		if weighted, err = fixedpoint.Add(weighted, part); err != nil {
			return 0, false, err
		}
		total += secs
	}
	if total == 0 {
		return h[len(h)-1].price, true, nil
	}
	return weighted / total, true, nil
}

package adapter

import (
	"sort"
	"sync"

	"github.com/atmx/leverage-engine/internal/fault"
)

// Registry indexes providers by ID. Registration happens at start-up;
// lookups are concurrent.
type Registry struct {
	mu          sync.RWMutex
	families    map[ProviderID]Family
	shortLoans  map[ProviderID]ShortLoanProvider
	swaps       map[ProviderID]AmmSwap
	clmms       map[ProviderID]ClmmProvider
	lenders     map[ProviderID]CollateralLoanProvider
	defaultSwap ProviderID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		families:   make(map[ProviderID]Family),
		shortLoans: make(map[ProviderID]ShortLoanProvider),
		swaps:      make(map[ProviderID]AmmSwap),
		clmms:      make(map[ProviderID]ClmmProvider),
		lenders:    make(map[ProviderID]CollateralLoanProvider),
	}
}

func (r *Registry) claim(id ProviderID, f Family) error {
	if id == "" {
		return fault.New(fault.ProviderUnsupported, "empty provider id")
	}
	if existing, ok := r.families[id]; ok {
		return fault.New(fault.ProviderMismatch, "provider %s already registered as %s", id, existing)
	}
	r.families[id] = f
	return nil
}

// RegisterShortLoan adds a short-loan provider. Providers that cannot
// guarantee atomicity are refused.
func (r *Registry) RegisterShortLoan(p ShortLoanProvider) error {
	if !p.Atomic() {
		return fault.New(fault.ProviderUnsupported, "short-loan provider %s is not atomic", p.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claim(p.ID(), FamilyShortLoan); err != nil {
		return err
	}
	r.shortLoans[p.ID()] = p
	return nil
}

// RegisterSwap adds a swap provider. The first one registered becomes the
// default used for close and unwind rebalancing.
func (r *Registry) RegisterSwap(p AmmSwap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claim(p.ID(), FamilySwap); err != nil {
		return err
	}
	r.swaps[p.ID()] = p
	if r.defaultSwap == "" {
		r.defaultSwap = p.ID()
	}
	return nil
}

// RegisterClmm adds a concentrated-liquidity provider.
func (r *Registry) RegisterClmm(p ClmmProvider) error {
	if p.Spacing() <= 0 {
		return fault.New(fault.ProviderUnsupported, "clmm provider %s has spacing %d", p.ID(), p.Spacing())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claim(p.ID(), FamilyClmm); err != nil {
		return err
	}
	r.clmms[p.ID()] = p
	return nil
}

// RegisterLender adds a collateralised-loan provider.
func (r *Registry) RegisterLender(p CollateralLoanProvider) error {
	params := p.Params()
	if params.MaxLTVBps == 0 || params.MaxLTVBps > 10_000 || params.LiquidationLTVBps == 0 || params.LiquidationLTVBps > 10_000 {
		return fault.New(fault.ProviderUnsupported, "lender %s has invalid ltv params", p.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claim(p.ID(), FamilyCollateralLoan); err != nil {
		return err
	}
	r.lenders[p.ID()] = p
	return nil
}

func (r *Registry) missing(id ProviderID, want Family) error {
	if f, ok := r.families[id]; ok {
		return fault.New(fault.ProviderMismatch, "provider %s is %s, not %s", id, f, want)
	}
	return fault.New(fault.ProviderUnsupported, "no %s provider %q", want, id)
}

// ShortLoan looks up a short-loan provider.
func (r *Registry) ShortLoan(id ProviderID) (ShortLoanProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.shortLoans[id]; ok {
		return p, nil
	}
	return nil, r.missing(id, FamilyShortLoan)
}

// Swap looks up a swap provider; an empty id selects the default.
func (r *Registry) Swap(id ProviderID) (AmmSwap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultSwap
	}
	if p, ok := r.swaps[id]; ok {
		return p, nil
	}
	return nil, r.missing(id, FamilySwap)
}

// Clmm looks up a concentrated-liquidity provider.
func (r *Registry) Clmm(id ProviderID) (ClmmProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.clmms[id]; ok {
		return p, nil
	}
	return nil, r.missing(id, FamilyClmm)
}

// Lender looks up a collateralised-loan provider.
func (r *Registry) Lender(id ProviderID) (CollateralLoanProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.lenders[id]; ok {
		return p, nil
	}
	return nil, r.missing(id, FamilyCollateralLoan)
}

// CheapestShortLoan returns the registered short-loan provider charging the
// lowest fee on principal. Ties break on provider ID.
func (r *Registry) CheapestShortLoan(principal uint64) (ShortLoanProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.shortLoans))
	for id := range r.shortLoans {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var best ShortLoanProvider
	var bestFee uint64
	for _, id := range ids {
		p := r.shortLoans[ProviderID(id)]
		fee, err := p.Fee(principal)
		if err != nil {
			continue
		}
		if best == nil || fee < bestFee {
			best, bestFee = p, fee
		}
	}
	if best == nil {
		return nil, fault.New(fault.ShortLoanUnavailable, "no short-loan provider serves %d", principal)
	}
	return best, nil
}

// Entry describes one registered provider.
type Entry struct {
	ID     ProviderID `json:"id"`
	Family Family     `json:"family"`
}

// List returns every registered provider ordered by ID.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.families))
	for id, f := range r.families {
		out = append(out, Entry{ID: id, Family: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

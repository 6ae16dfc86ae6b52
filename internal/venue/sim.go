// Package venue is an in-process stand-in for the foreign protocols the
// engine composes: a token bank, flash-loan reserves, an oracle-priced AMM,
// concentrated-liquidity pools and lending markets. Sim executes adapter
// instructions against that state and doubles as the transaction host.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/lending"
	"github.com/atmx/leverage-engine/internal/adapter/token"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
	"github.com/atmx/leverage-engine/internal/liquidity"
	"github.com/atmx/leverage-engine/internal/tickmath"
)

var (
	ErrInsufficientBalance = errors.New("venue: insufficient balance")
	ErrNoMarket            = errors.New("venue: no market for pair")
	ErrUnknownProgram      = errors.New("venue: unknown program")
	ErrUnknownHandle       = errors.New("venue: unknown handle")
	ErrReserveEmpty        = errors.New("venue: reserve cannot cover principal")
	ErrWrongOwner          = errors.New("venue: account does not own handle")
	ErrUnsupportedOp       = errors.New("venue: unsupported operation")
)

type failKey struct {
	program adapter.ProviderID
	op      adapter.Op
}

// Sim is the simulated venue. It is safe for concurrent use.
type Sim struct {
	clock clock.Clock
	sem   chan struct{}

	mu       sync.Mutex
	st       *state
	failures map[failKey]error
	calls    map[failKey]int
	hooks    map[failKey]func()
}

// New creates an empty venue.
func New(clk clock.Clock) *Sim {
	return &Sim{
		clock:    clk,
		sem:      make(chan struct{}, 1),
		st:       newState(),
		failures: make(map[failKey]error),
		calls:    make(map[failKey]int),
		hooks:    make(map[failKey]func()),
	}
}

// Mint credits amount of t to acct.
func (s *Sim) Mint(acct adapter.Account, t adapter.Token, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.credit(acct, t, amount)
}

// Balance returns acct's holding of t.
func (s *Sim) Balance(acct adapter.Account, t adapter.Token) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.balance(acct, t)
}

// SetPrice sets the price of pair.A in units of pair.B, 1e6-scaled. The AMM
// and every pool quote the pair at this price.
func (s *Sim) SetPrice(pair adapter.Pair, price uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.prices[pairKey{pair.A, pair.B}] = price
}

// SetHaircut makes swaps on pair return bps less than the quoted price.
func (s *Sim) SetHaircut(pair adapter.Pair, bps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.haircuts[pairKey{pair.A, pair.B}] = bps
}

// FundFlash gives a flash-loan program a reserve of t.
func (s *Sim) FundFlash(program adapter.ProviderID, t adapter.Token, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.reserves[program]
	if !ok {
		m = make(map[adapter.Token]uint64)
		s.st.reserves[program] = m
	}
	m[t] += amount
}

// AddPool registers a concentrated-liquidity program.
func (s *Sim) AddPool(program adapter.ProviderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pools[program] = true
}

// AddLendingMarket registers a lending program lending t from supply, with
// the borrow rate set by curve at the utilisation after each borrow.
func (s *Sim) AddLendingMarket(program adapter.ProviderID, t adapter.Token, supply uint64, curve adapter.RateCurve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.markets[program] = &lendingMarket{token: t, supply: supply, curve: curve}
}

// AccrueFees adds trading fees to a pool position.
func (s *Sim) AccrueFees(handle string, a, b uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.positions[handle]
	if !ok {
		return ErrUnknownHandle
	}
	p.feesA += a
	p.feesB += b
	return nil
}

// PositionLiquidity returns the liquidity left in a pool position.
func (s *Sim) PositionLiquidity(handle string) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.st.positions[handle]; ok {
		return new(uint256.Int).Set(p.liq)
	}
	return new(uint256.Int)
}

// OpenFlashLoans counts flash loans not yet repaid.
func (s *Sim) OpenFlashLoans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.flash)
}

// FailOn makes every instruction for op on program fail with err until
// cleared. A nil err clears the failure.
func (s *Sim) FailOn(program adapter.ProviderID, op adapter.Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failKey{program, op}
	if err == nil {
		delete(s.failures, k)
		return
	}
	s.failures[k] = err
}

// OnExecute runs fn after each successful instruction for op on program,
// outside the venue lock. A nil fn clears the hook.
func (s *Sim) OnExecute(program adapter.ProviderID, op adapter.Op, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failKey{program, op}
	if fn == nil {
		delete(s.hooks, k)
		return
	}
	s.hooks[k] = fn
}

// Calls reports how many instructions for op on program were executed.
func (s *Sim) Calls(program adapter.ProviderID, op adapter.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[failKey{program, op}]
}

// Execute applies one instruction.
func (s *Sim) Execute(ctx context.Context, ix adapter.Instruction) (adapter.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Receipt{}, err
	}
	if err := adapter.CheckDiscriminator(ix); err != nil {
		return adapter.Receipt{}, err
	}

	rc, hook, err := s.apply(ix)
	if err == nil && hook != nil {
		hook()
	}
	return rc, err
}

func (s *Sim) apply(ix adapter.Instruction) (adapter.Receipt, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failKey{ix.Program, ix.Op}
	s.calls[k]++
	if err := s.failures[k]; err != nil {
		return adapter.Receipt{}, nil, err
	}
	rc, err := s.dispatch(ix)
	return rc, s.hooks[k], err
}

func (s *Sim) dispatch(ix adapter.Instruction) (adapter.Receipt, error) {
	switch ix.Op {
	case adapter.OpTransfer:
		return s.transfer(ix)
	case adapter.OpBalance:
		return adapter.Receipt{Amounts: []uint64{s.st.balance(ix.Owner, ix.Tokens[0])}}, nil
	case adapter.OpFlashBorrow:
		return s.flashBorrow(ix)
	case adapter.OpFlashRepay:
		return s.flashRepay(ix)
	case adapter.OpSwap:
		return s.swap(ix)
	case adapter.OpIncreaseLiquidity:
		return s.increase(ix)
	case adapter.OpDecreaseLiquidity:
		return s.decrease(ix)
	case adapter.OpCollectFees:
		return s.collect(ix)
	case adapter.OpBorrow:
		return s.borrow(ix)
	case adapter.OpRepay:
		return s.repay(ix)
	case adapter.OpQuoteDebt:
		return s.quote(ix)
	}
	return adapter.Receipt{}, fmt.Errorf("%w: %s", ErrUnsupportedOp, ix.Op)
}

func (s *Sim) transfer(ix adapter.Instruction) (adapter.Receipt, error) {
	if ix.Program != token.ProgramID {
		return adapter.Receipt{}, ErrUnknownProgram
	}
	t, amount := ix.Tokens[0], ix.Amounts[0]
	if err := s.st.debit(ix.Owner, t, amount); err != nil {
		return adapter.Receipt{}, err
	}
	s.st.credit(ix.To, t, amount)
	return adapter.Receipt{Amounts: []uint64{amount}}, nil
}

func (s *Sim) flashBorrow(ix adapter.Instruction) (adapter.Receipt, error) {
	reserves, ok := s.st.reserves[ix.Program]
	if !ok {
		return adapter.Receipt{}, ErrUnknownProgram
	}
	t, principal, fee := ix.Tokens[0], ix.Amounts[0], ix.Amounts[1]
	if reserves[t] < principal {
		return adapter.Receipt{}, ErrReserveEmpty
	}
	reserves[t] -= principal
	s.st.credit(ix.Owner, t, principal)
	handle := uuid.NewString()
	s.st.flash[handle] = flashLoan{program: ix.Program, token: t, principal: principal, fee: fee}
	return adapter.Receipt{Handle: handle, Amounts: []uint64{principal}}, nil
}

func (s *Sim) flashRepay(ix adapter.Instruction) (adapter.Receipt, error) {
	l, ok := s.st.flash[ix.Handle]
	if !ok || l.program != ix.Program {
		return adapter.Receipt{}, ErrUnknownHandle
	}
	amount := ix.Amounts[0]
	if amount < l.principal+l.fee {
		return adapter.Receipt{}, fmt.Errorf("venue: flash repay %d below %d", amount, l.principal+l.fee)
	}
	if err := s.st.debit(ix.Owner, l.token, amount); err != nil {
		return adapter.Receipt{}, err
	}
	s.st.reserves[ix.Program][l.token] += amount
	delete(s.st.flash, ix.Handle)
	return adapter.Receipt{Amounts: []uint64{amount}}, nil
}

// price returns the price of base in quote, inverting the stored quote when
// only the reverse direction is set.
func (s *Sim) price(base, quote adapter.Token) (uint64, bool, error) {
	if p, ok := s.st.prices[pairKey{base, quote}]; ok {
		return p, false, nil
	}
	if p, ok := s.st.prices[pairKey{quote, base}]; ok {
		return p, true, nil
	}
	return 0, false, ErrNoMarket
}

func (s *Sim) swap(ix adapter.Instruction) (adapter.Receipt, error) {
	in, out := ix.Tokens[0], ix.Tokens[1]
	input, minOut := ix.Amounts[0], ix.Amounts[1]
	p, inverted, err := s.price(in, out)
	if err != nil {
		return adapter.Receipt{}, err
	}
	var quoted uint64
	if inverted {
		quoted, err = fixedpoint.MulDiv(input, fixedpoint.PriceScale, p)
	} else {
		quoted, err = fixedpoint.MulDiv(input, p, fixedpoint.PriceScale)
	}
	if err != nil {
		return adapter.Receipt{}, err
	}
	cut := s.st.haircuts[pairKey{in, out}] + s.st.haircuts[pairKey{out, in}]
	output, err := fixedpoint.SubBps(quoted, cut)
	if err != nil {
		return adapter.Receipt{}, err
	}
	if output < minOut {
		return adapter.Receipt{}, fault.New(fault.SlippageExceeded, "venue: output %d below minimum %d", output, minOut)
	}
	if err := s.st.debit(ix.Owner, in, input); err != nil {
		return adapter.Receipt{}, err
	}
	s.st.credit(ix.Owner, out, output)
	return adapter.Receipt{Amounts: []uint64{output}}, nil
}

func (s *Sim) sqrtBounds(pair adapter.Pair, lower, upper int32) (sp, sa, sb *uint256.Int, err error) {
	p, ok := s.st.prices[pairKey{pair.A, pair.B}]
	if !ok {
		return nil, nil, nil, ErrNoMarket
	}
	if sp, err = tickmath.SqrtPriceFromPrice(p); err != nil {
		return nil, nil, nil, err
	}
	if sa, err = tickmath.SqrtPriceAtTick(lower); err != nil {
		return nil, nil, nil, err
	}
	if sb, err = tickmath.SqrtPriceAtTick(upper); err != nil {
		return nil, nil, nil, err
	}
	return sp, sa, sb, nil
}

func (s *Sim) increase(ix adapter.Instruction) (adapter.Receipt, error) {
	if !s.st.pools[ix.Program] {
		return adapter.Receipt{}, ErrUnknownProgram
	}
	pair := adapter.Pair{A: ix.Tokens[0], B: ix.Tokens[1]}
	lower, upper := ix.Ticks[0], ix.Ticks[1]
	sp, sa, sb, err := s.sqrtBounds(pair, lower, upper)
	if err != nil {
		return adapter.Receipt{}, err
	}
	l, err := liquidity.ForAmounts(sp, sa, sb, ix.Amounts[0], ix.Amounts[1])
	if err != nil {
		return adapter.Receipt{}, err
	}
	if l.IsZero() {
		return adapter.Receipt{}, errors.New("venue: amounts mint no liquidity")
	}
	a, b, err := liquidity.Amounts(sp, sa, sb, l, true)
	if err != nil {
		return adapter.Receipt{}, err
	}
	if s.st.balance(ix.Owner, pair.A) < a || s.st.balance(ix.Owner, pair.B) < b {
		return adapter.Receipt{}, ErrInsufficientBalance
	}
	if err := s.st.debit(ix.Owner, pair.A, a); err != nil {
		return adapter.Receipt{}, err
	}
	if err := s.st.debit(ix.Owner, pair.B, b); err != nil {
		s.st.credit(ix.Owner, pair.A, a)
		return adapter.Receipt{}, err
	}

	handle := uuid.NewString()
	s.st.positions[handle] = &clmmPosition{
		program: ix.Program,
		owner:   ix.Owner,
		pair:    pair,
		lower:   lower,
		upper:   upper,
		liq:     new(uint256.Int).Set(l),
	}
	return adapter.Receipt{Handle: handle, Liquidity: l, Amounts: []uint64{a, b}}, nil
}

func (s *Sim) position(ix adapter.Instruction) (*clmmPosition, error) {
	p, ok := s.st.positions[ix.Handle]
	if !ok || p.program != ix.Program {
		return nil, ErrUnknownHandle
	}
	if p.owner != ix.Owner {
		return nil, ErrWrongOwner
	}
	return p, nil
}

func (s *Sim) decrease(ix adapter.Instruction) (adapter.Receipt, error) {
	p, err := s.position(ix)
	if err != nil {
		return adapter.Receipt{}, err
	}
	if ix.Liquidity == nil || ix.Liquidity.Gt(p.liq) {
		return adapter.Receipt{}, fmt.Errorf("venue: withdraw exceeds position liquidity %s", p.liq.Dec())
	}
	sp, sa, sb, err := s.sqrtBounds(p.pair, p.lower, p.upper)
	if err != nil {
		return adapter.Receipt{}, err
	}
	a, b, err := liquidity.Amounts(sp, sa, sb, ix.Liquidity, false)
	if err != nil {
		return adapter.Receipt{}, err
	}
	p.liq = new(uint256.Int).Sub(p.liq, ix.Liquidity)
	s.st.credit(ix.Owner, p.pair.A, a)
	s.st.credit(ix.Owner, p.pair.B, b)
	return adapter.Receipt{Amounts: []uint64{a, b}}, nil
}

func (s *Sim) collect(ix adapter.Instruction) (adapter.Receipt, error) {
	p, err := s.position(ix)
	if err != nil {
		return adapter.Receipt{}, err
	}
	a, b := p.feesA, p.feesB
	p.feesA, p.feesB = 0, 0
	s.st.credit(ix.Owner, p.pair.A, a)
	s.st.credit(ix.Owner, p.pair.B, b)
	return adapter.Receipt{Amounts: []uint64{a, b}}, nil
}

func (s *Sim) borrow(ix adapter.Instruction) (adapter.Receipt, error) {
	m, ok := s.st.markets[ix.Program]
	if !ok {
		return adapter.Receipt{}, ErrUnknownProgram
	}
	debtToken, principal := ix.Tokens[1], ix.Amounts[1]
	if debtToken != m.token {
		return adapter.Receipt{}, fmt.Errorf("%w: market lends %s", ErrNoMarket, m.token)
	}
	if m.supply-m.borrowed < principal {
		return adapter.Receipt{}, ErrReserveEmpty
	}
	util, err := fixedpoint.MulDiv(m.borrowed+principal, fixedpoint.BpsScale, m.supply)
	if err != nil {
		return adapter.Receipt{}, err
	}
	rate := m.curve.Rate(util)
	m.borrowed += principal
	s.st.credit(ix.Owner, debtToken, principal)

	handle := uuid.NewString()
	s.st.loans[handle] = &loan{
		market:    ix.Program,
		owner:     ix.Owner,
		token:     debtToken,
		principal: principal,
		rateBps:   rate,
		since:     s.clock.Now().Unix(),
	}
	return adapter.Receipt{Handle: handle, Amounts: []uint64{principal, rate}}, nil
}

// settle folds interest accrued since the last touch into the loan.
func (s *Sim) settle(l *loan) error {
	now := s.clock.Now().Unix()
	acc, err := lending.AccruedInterest(l.principal, l.rateBps, l.since, now)
	if err != nil {
		return err
	}
	l.interest += acc
	if now > l.since {
		l.since = now
	}
	return nil
}

func (s *Sim) loan(ix adapter.Instruction) (*loan, error) {
	l, ok := s.st.loans[ix.Handle]
	if !ok || l.market != ix.Program {
		return nil, ErrUnknownHandle
	}
	return l, nil
}

func (s *Sim) repay(ix adapter.Instruction) (adapter.Receipt, error) {
	l, err := s.loan(ix)
	if err != nil {
		return adapter.Receipt{}, err
	}
	if err := s.settle(l); err != nil {
		return adapter.Receipt{}, err
	}
	pay := fixedpoint.Min(ix.Amounts[0], l.principal+l.interest)
	if err := s.st.debit(ix.Owner, l.token, pay); err != nil {
		return adapter.Receipt{}, err
	}
	interestPaid := fixedpoint.Min(pay, l.interest)
	l.interest -= interestPaid
	principalPaid := pay - interestPaid
	l.principal -= principalPaid
	s.st.markets[l.market].borrowed -= principalPaid
	return adapter.Receipt{Amounts: []uint64{pay, interestPaid}}, nil
}

func (s *Sim) quote(ix adapter.Instruction) (adapter.Receipt, error) {
	l, err := s.loan(ix)
	if err != nil {
		return adapter.Receipt{}, err
	}
	acc, err := lending.AccruedInterest(l.principal, l.rateBps, l.since, s.clock.Now().Unix())
	if err != nil {
		return adapter.Receipt{}, err
	}
	return adapter.Receipt{Amounts: []uint64{l.principal, l.interest + acc}}, nil
}

// Begin opens a host transaction. Transactions are serialised; Begin waits
// for the previous one to finish or for ctx to end.
func (s *Sim) Begin(ctx context.Context) (adapter.Txn, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	snap := s.st.clone()
	s.mu.Unlock()
	return &txn{sim: s, snap: snap}, nil
}

type txn struct {
	sim  *Sim
	snap *state
	once sync.Once
	err  error
}

// Commit keeps the transaction's effects unless a flash loan taken inside it
// is still open, in which case the whole transaction is discarded.
func (t *txn) Commit() error {
	t.once.Do(func() {
		t.sim.mu.Lock()
		if n := len(t.sim.st.flash); n > 0 {
			t.sim.st = t.snap
			t.err = fmt.Errorf("venue: %d flash loans unpaid at commit, transaction reverted", n)
		}
		t.sim.mu.Unlock()
		<-t.sim.sem
		if t.err != nil {
			slog.Warn("venue transaction reverted", "error", t.err)
		}
	})
	return t.err
}

func (t *txn) Rollback() error {
	t.once.Do(func() {
		t.sim.mu.Lock()
		t.sim.st = t.snap
		t.sim.mu.Unlock()
		<-t.sim.sem
	})
	return nil
}

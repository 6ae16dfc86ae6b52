package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Amounts are NUMERIC so
// full uint64 and 128-bit liquidity values round-trip exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                  BIGINT PRIMARY KEY,
	owner               TEXT NOT NULL,
	pair_a              TEXT NOT NULL,
	pair_b              TEXT NOT NULL,
	state               TEXT NOT NULL,
	short_loan_provider TEXT NOT NULL,
	clmm_provider       TEXT NOT NULL,
	lender_provider     TEXT NOT NULL,
	escrow              TEXT NOT NULL,
	tick_lower          INTEGER NOT NULL,
	tick_upper          INTEGER NOT NULL,
	liquidity           NUMERIC(39, 0) NOT NULL,
	position_handle     TEXT NOT NULL,
	debt_handle         TEXT NOT NULL,
	flow_id             TEXT NOT NULL,
	opened_at           TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	closed_at           TIMESTAMPTZ,
	capital             NUMERIC(20, 0) NOT NULL,
	loan_amount         NUMERIC(20, 0) NOT NULL,
	short_fee           NUMERIC(20, 0) NOT NULL,
	leverage_bps        NUMERIC(20, 0) NOT NULL,
	initial_a           NUMERIC(20, 0) NOT NULL,
	initial_b           NUMERIC(20, 0) NOT NULL,
	current_a           NUMERIC(20, 0) NOT NULL,
	current_b           NUMERIC(20, 0) NOT NULL,
	debt_principal      NUMERIC(20, 0) NOT NULL,
	debt_interest       NUMERIC(20, 0) NOT NULL,
	rate_bps            NUMERIC(20, 0) NOT NULL,
	fees_a              NUMERIC(20, 0) NOT NULL,
	fees_b              NUMERIC(20, 0) NOT NULL,
	idle_a              NUMERIC(20, 0) NOT NULL,
	idle_b              NUMERIC(20, 0) NOT NULL,
	bad_debt            NUMERIC(20, 0) NOT NULL,
	range_lower         NUMERIC(20, 0) NOT NULL,
	range_upper         NUMERIC(20, 0) NOT NULL,
	range_reference     NUMERIC(20, 0) NOT NULL,
	entry_price         NUMERIC(20, 0) NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_owner_pair ON positions (owner, pair_a, pair_b, id);
CREATE INDEX IF NOT EXISTS positions_state ON positions (state, id);

CREATE TABLE IF NOT EXISTS global_state (
	id               SMALLINT PRIMARY KEY CHECK (id = 1),
	initialized      BOOLEAN NOT NULL,
	authority        TEXT NOT NULL,
	treasury         TEXT NOT NULL,
	config           JSONB NOT NULL,
	active_positions NUMERIC(20, 0) NOT NULL,
	next_nonce       NUMERIC(20, 0) NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// textColumns precede the numeric ones in every positions query.
var textColumns = []string{
	"id", "owner", "pair_a", "pair_b", "state",
	"short_loan_provider", "clmm_provider", "lender_provider", "escrow",
	"tick_lower", "tick_upper", "liquidity", "position_handle", "debt_handle",
	"flow_id", "opened_at", "updated_at", "closed_at",
}

var numericColumns = []string{
	"capital", "loan_amount", "short_fee", "leverage_bps",
	"initial_a", "initial_b", "current_a", "current_b",
	"debt_principal", "debt_interest", "rate_bps",
	"fees_a", "fees_b", "idle_a", "idle_b", "bad_debt",
	"range_lower", "range_upper", "range_reference", "entry_price",
}

func numericFields(p *model.Position) []*uint64 {
	return []*uint64{
		&p.Capital, &p.LoanAmount, &p.ShortFee, &p.LeverageBps,
		&p.InitialA, &p.InitialB, &p.CurrentA, &p.CurrentB,
		&p.DebtPrincipal, &p.DebtInterest, &p.RateBps,
		&p.FeesA, &p.FeesB, &p.IdleA, &p.IdleB, &p.BadDebt,
		&p.Range.Lower, &p.Range.Upper, &p.Range.Reference, &p.EntryPrice,
	}
}

var (
	selectPositions string
	upsertPosition  string
)

func init() {
	sel := make([]string, 0, len(textColumns)+len(numericColumns))
	for _, c := range textColumns {
		if c == "liquidity" {
			c = "liquidity::TEXT"
		}
		sel = append(sel, c)
	}
	for _, c := range numericColumns {
		sel = append(sel, c+"::TEXT")
	}
	selectPositions = "SELECT " + strings.Join(sel, ", ") + " FROM positions"

	all := append(append([]string{}, textColumns...), numericColumns...)
	params := make([]string, len(all))
	updates := make([]string, 0, len(all)-1)
	for i, c := range all {
		params[i] = fmt.Sprintf("$%d", i+1)
		if c == "liquidity" || i >= len(textColumns) {
			params[i] += "::NUMERIC"
		}
		if c != "id" {
			updates = append(updates, c+" = EXCLUDED."+c)
		}
	}
	upsertPosition = "INSERT INTO positions (" + strings.Join(all, ", ") + ") VALUES (" +
		strings.Join(params, ", ") + ") ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) LoadGlobal(ctx context.Context) (*model.GlobalState, error) {
	var g model.GlobalState
	var authority, treasury, active, nonce string
	var cfg []byte

	err := s.pool.QueryRow(ctx,
		`SELECT initialized, authority, treasury, config,
		        active_positions::TEXT, next_nonce::TEXT, updated_at
		 FROM global_state WHERE id = 1`).
		Scan(&g.Initialized, &authority, &treasury, &cfg, &active, &nonce, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load global state: %w", err)
	}
	if g.Authority, err = adapter.ParseAccount(authority); err != nil {
		return nil, err
	}
	if g.Treasury, err = adapter.ParseAccount(treasury); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &g.Config); err != nil {
		return nil, fmt.Errorf("decode global config: %w", err)
	}
	if g.ActivePositions, err = strconv.ParseUint(active, 10, 64); err != nil {
		return nil, err
	}
	if g.NextNonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) Commit(ctx context.Context, b Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, p := range b.Positions {
		if _, err := tx.Exec(ctx, upsertPosition, positionArgs(p)...); err != nil {
			return fmt.Errorf("upsert position %d: %w", p.ID, err)
		}
	}
	if g := b.Global; g != nil {
		cfg, err := json.Marshal(g.Config)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO global_state (id, initialized, authority, treasury, config, active_positions, next_nonce, updated_at)
			 VALUES (1, $1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   initialized = EXCLUDED.initialized, authority = EXCLUDED.authority,
			   treasury = EXCLUDED.treasury, config = EXCLUDED.config,
			   active_positions = EXCLUDED.active_positions, next_nonce = EXCLUDED.next_nonce,
			   updated_at = EXCLUDED.updated_at`,
			g.Initialized, g.Authority.String(), g.Treasury.String(), cfg,
			strconv.FormatUint(g.ActivePositions, 10), strconv.FormatUint(g.NextNonce, 10), g.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert global state: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func positionArgs(p *model.Position) []any {
	liq := "0"
	if p.Liquidity != nil {
		liq = p.Liquidity.Dec()
	}
	args := []any{
		int64(p.ID), p.Owner.String(), p.Pair.A.String(), p.Pair.B.String(), string(p.State),
		string(p.ShortLoanProvider), string(p.ClmmProvider), string(p.LenderProvider), p.Escrow.String(),
		p.TickLower, p.TickUpper, liq, p.PositionHandle, p.DebtHandle,
		p.FlowID, p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	}
	for _, f := range numericFields(p) {
		args = append(args, strconv.FormatUint(*f, 10))
	}
	return args
}

func (s *PostgresStore) GetPosition(ctx context.Context, id model.PositionID) (*model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+" WHERE id = $1", int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner adapter.Account) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+" WHERE owner = $1 ORDER BY id", owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListByOwnerPair(ctx context.Context, owner adapter.Account, pair adapter.Pair) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		selectPositions+" WHERE owner = $1 AND pair_a = $2 AND pair_b = $3 ORDER BY id",
		owner.String(), pair.A.String(), pair.B.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListByState(ctx context.Context, state model.State) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+" WHERE state = $1 ORDER BY id", string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// pgxRows is the subset of pgx.Rows the scanner needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var id int64
		var owner, pairA, pairB, state, short, clmm, lender, escrow, liq string
		var closedAt *time.Time
		nums := make([]string, len(numericColumns))

		dest := []any{
			&id, &owner, &pairA, &pairB, &state,
			&short, &clmm, &lender, &escrow,
			&p.TickLower, &p.TickUpper, &liq, &p.PositionHandle, &p.DebtHandle,
			&p.FlowID, &p.OpenedAt, &p.UpdatedAt, &closedAt,
		}
		for i := range nums {
			dest = append(dest, &nums[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		p.ID = model.PositionID(id)
		p.State = model.State(state)
		p.ShortLoanProvider = adapter.ProviderID(short)
		p.ClmmProvider = adapter.ProviderID(clmm)
		p.LenderProvider = adapter.ProviderID(lender)
		p.ClosedAt = closedAt

		var err error
		if p.Owner, err = adapter.ParseAccount(owner); err != nil {
			return nil, err
		}
		if p.Pair.A, err = adapter.ParseToken(pairA); err != nil {
			return nil, err
		}
		if p.Pair.B, err = adapter.ParseToken(pairB); err != nil {
			return nil, err
		}
		if p.Escrow, err = adapter.ParseAccount(escrow); err != nil {
			return nil, err
		}
		if p.Liquidity, err = uint256.FromDecimal(liq); err != nil {
			return nil, fmt.Errorf("position %d liquidity: %w", id, err)
		}
		for i, f := range numericFields(&p) {
			if *f, err = strconv.ParseUint(nums[i], 10, 64); err != nil {
				return nil, fmt.Errorf("position %d %s: %w", id, numericColumns[i], err)
			}
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Package model defines the core domain types shared across the leverage
// engine. Money is carried as integer base units; prices and health
// factors are 1e6-scaled and ratios are basis points. Floats never appear
// on a money path; decimal.Decimal is used only to render scaled values.
package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/fault"
)

// PositionID is the position's nonce.
type PositionID uint64

// State is a position's lifecycle state.
type State string

const (
	StateOpening   State = "opening"
	StateOpen      State = "open"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
	StateUnwinding State = "unwinding"
	StateUnwound   State = "unwound"
	StateErrored   State = "errored"
)

// Terminal reports whether no further flow may run on the position.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateUnwound
}

// PriceRange bounds a position. All three prices are B per A, 1e6-scaled.
type PriceRange struct {
	Lower     uint64 `json:"lower_price" validate:"required,gt=0"`
	Upper     uint64 `json:"upper_price" validate:"required,gtfield=Lower"`
	Reference uint64 `json:"reference_price" validate:"required,gt=0"`
}

// Position is a committed leveraged liquidity position. It is keyed by
// (owner, pair, nonce).
type Position struct {
	ID    PositionID      `json:"id" db:"id"`
	Owner adapter.Account `json:"owner" db:"owner"`
	Pair  adapter.Pair    `json:"pair" db:"pair"`
	State State           `json:"state" db:"state"`

	ShortLoanProvider adapter.ProviderID `json:"short_loan_provider" db:"short_loan_provider"`
	ClmmProvider      adapter.ProviderID `json:"clmm_provider" db:"clmm_provider"`
	LenderProvider    adapter.ProviderID `json:"lender_provider" db:"lender_provider"`

	// Escrow is the program-derived account holding the position's tokens
	// between flows.
	Escrow adapter.Account `json:"escrow" db:"escrow"`

	Capital     uint64 `json:"capital" db:"capital"`
	LoanAmount  uint64 `json:"loan_amount" db:"loan_amount"`
	ShortFee    uint64 `json:"short_fee" db:"short_fee"`
	LeverageBps uint64 `json:"leverage_bps" db:"leverage_bps"`

	InitialA uint64 `json:"initial_a" db:"initial_a"`
	InitialB uint64 `json:"initial_b" db:"initial_b"`
	CurrentA uint64 `json:"current_a" db:"current_a"`
	CurrentB uint64 `json:"current_b" db:"current_b"`

	TickLower      int32        `json:"tick_lower" db:"tick_lower"`
	TickUpper      int32        `json:"tick_upper" db:"tick_upper"`
	Liquidity      *uint256.Int `json:"liquidity" db:"liquidity"`
	PositionHandle string       `json:"position_handle" db:"position_handle"`

	DebtHandle    string `json:"debt_handle" db:"debt_handle"`
	DebtPrincipal uint64 `json:"debt_principal" db:"debt_principal"`
	DebtInterest  uint64 `json:"debt_interest" db:"debt_interest"`
	RateBps       uint64 `json:"rate_bps" db:"rate_bps"`

	FeesA   uint64 `json:"fees_a" db:"fees_a"`
	FeesB   uint64 `json:"fees_b" db:"fees_b"`
	IdleA   uint64 `json:"idle_a" db:"idle_a"`
	IdleB   uint64 `json:"idle_b" db:"idle_b"`
	BadDebt uint64 `json:"bad_debt" db:"bad_debt"`

	Range      PriceRange `json:"range" db:"range"`
	EntryPrice uint64     `json:"entry_price" db:"entry_price"`

	FlowID    string     `json:"flow_id" db:"flow_id"`
	OpenedAt  time.Time  `json:"opened_at" db:"opened_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.Liquidity != nil {
		c.Liquidity = new(uint256.Int).Set(p.Liquidity)
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Key is the position's ledger key.
func (p *Position) Key() string {
	return PositionKey(p.Owner, p.Pair, p.ID)
}

// PositionKey formats a ledger key.
func PositionKey(owner adapter.Account, pair adapter.Pair, id PositionID) string {
	return fmt.Sprintf("%s/%s/%d", owner, pair.Key(), id)
}

// Debt is principal plus interest as last recorded.
func (p *Position) Debt() uint64 { return p.DebtPrincipal + p.DebtInterest }

// GlobalConfig is the process-wide policy, changed only by the authority.
type GlobalConfig struct {
	MaxLeverageBps          uint64 `json:"max_leverage_bps" yaml:"max_leverage_bps" validate:"gt=100"`
	MaxSlippageBps          uint64 `json:"max_slippage_bps" yaml:"max_slippage_bps" validate:"lte=10000"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps" validate:"gt=0,lt=10000"`
	ProtocolFeeBps          uint64 `json:"protocol_fee_bps" yaml:"protocol_fee_bps" validate:"lte=10000"`
	MinPositionValue        uint64 `json:"min_position_value" yaml:"min_position_value"`
	MaxPositionValue        uint64 `json:"max_position_value" yaml:"max_position_value" validate:"gtefield=MinPositionValue"`
	MaxOracleStalenessS     uint64 `json:"max_oracle_staleness_s" yaml:"max_oracle_staleness_s" validate:"gt=0"`
	MaxOracleDeviationBps   uint64 `json:"max_oracle_deviation_bps" yaml:"max_oracle_deviation_bps" validate:"gt=0,lte=10000"`
	MaxOracleConfidenceBps  uint64 `json:"max_oracle_confidence_bps" yaml:"max_oracle_confidence_bps" validate:"gt=0,lte=10000"`
	// MaxOwnerExposure caps one owner's open value across pairs sharing a
	// token. Zero disables the cap.
	MaxOwnerExposure uint64 `json:"max_owner_exposure" yaml:"max_owner_exposure"`
	EmergencyStop    bool   `json:"emergency_stop" yaml:"emergency_stop"`
}

// DefaultConfig returns the launch policy.
func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		MaxLeverageBps:          500,
		MaxSlippageBps:          100,
		LiquidationThresholdBps: 8_500,
		ProtocolFeeBps:          10,
		MinPositionValue:        100_000_000,
		MaxPositionValue:        10_000_000_000,
		MaxOracleStalenessS:     60,
		MaxOracleDeviationBps:   200,
		MaxOracleConfidenceBps:  100,
	}
}

// Validate checks the policy's internal consistency.
func (c GlobalConfig) Validate() error {
	switch {
	case c.MaxLeverageBps <= 100:
		return fault.New(fault.InvalidConfig, "max_leverage_bps %d must exceed 100", c.MaxLeverageBps)
	case c.MaxSlippageBps > 10_000:
		return fault.New(fault.InvalidConfig, "max_slippage_bps %d above 10000", c.MaxSlippageBps)
	case c.LiquidationThresholdBps == 0 || c.LiquidationThresholdBps >= 10_000:
		return fault.New(fault.InvalidConfig, "liquidation_threshold_bps %d outside (0, 10000)", c.LiquidationThresholdBps)
	case c.ProtocolFeeBps > 10_000:
		return fault.New(fault.InvalidConfig, "protocol_fee_bps %d above 10000", c.ProtocolFeeBps)
	case c.MinPositionValue > c.MaxPositionValue:
		return fault.New(fault.InvalidConfig, "min_position_value %d above max %d", c.MinPositionValue, c.MaxPositionValue)
	case c.MaxOracleStalenessS == 0:
		return fault.New(fault.InvalidConfig, "max_oracle_staleness_s must be positive")
	case c.MaxOracleDeviationBps == 0 || c.MaxOracleDeviationBps > 10_000:
		return fault.New(fault.InvalidConfig, "max_oracle_deviation_bps %d outside (0, 10000]", c.MaxOracleDeviationBps)
	case c.MaxOracleConfidenceBps == 0 || c.MaxOracleConfidenceBps > 10_000:
		return fault.New(fault.InvalidConfig, "max_oracle_confidence_bps %d outside (0, 10000]", c.MaxOracleConfidenceBps)
	}
	return nil
}

// GlobalState is the singleton controller record.
type GlobalState struct {
	Initialized     bool            `json:"initialized" db:"initialized"`
	Authority       adapter.Account `json:"authority" db:"authority"`
	Treasury        adapter.Account `json:"treasury" db:"treasury"`
	Config          GlobalConfig    `json:"config" db:"config"`
	ActivePositions uint64          `json:"active_positions" db:"active_positions"`
	NextNonce       uint64          `json:"next_nonce" db:"next_nonce"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// OpenParams is the input to an open flow.
type OpenParams struct {
	Pair        adapter.Pair `json:"pair"`
	LoanAmount  uint64       `json:"loan_amount" validate:"required,gt=0"`
	LeverageBps uint64       `json:"leverage_bps" validate:"required"`
	SlippageBps uint64       `json:"slippage_bps"`
	Range       PriceRange   `json:"range"`

	// ShortLoan selects the flash provider; empty picks the cheapest for
	// LoanAmount.
	ShortLoan adapter.ProviderID `json:"short_loan_provider,omitempty"`
	Clmm      adapter.ProviderID `json:"clmm_provider" validate:"required"`
	Lender    adapter.ProviderID `json:"lender_provider" validate:"required"`
	// Swap selects the swap provider; empty uses the registry default.
	Swap adapter.ProviderID `json:"swap_provider,omitempty"`

	MinOutputA       uint64 `json:"min_output_a"`
	MaxInputBForSwap uint64 `json:"max_input_b_for_swap"`
	SwapRoute        []byte `json:"swap_route"`
	// Deadline is a unix time in seconds.
	Deadline int64 `json:"deadline" validate:"required"`
	// StrictTicks rejects a range whose prices do not fall on tick-spacing
	// boundaries instead of widening it to the nearest aligned ticks.
	StrictTicks bool `json:"strict_ticks"`
}

// CloseReport summarises a close.
type CloseReport struct {
	Position       PositionID `json:"position"`
	ReturnedA      uint64     `json:"returned_a"`
	ReturnedB      uint64     `json:"returned_b"`
	FeesCollectedA uint64     `json:"fees_collected_a"`
	FeesCollectedB uint64     `json:"fees_collected_b"`
	ProtocolFeeA   uint64     `json:"protocol_fee_a"`
	ProtocolFeeB   uint64     `json:"protocol_fee_b"`
	InterestPaid   uint64     `json:"interest_paid"`
	DebtRepaid     uint64     `json:"debt_repaid"`
	FlowID         string     `json:"flow_id,omitempty"`
}

// UnwindReport summarises a forced unwind.
type UnwindReport struct {
	Position           PositionID   `json:"position"`
	FractionBps        uint64       `json:"fraction_bps"`
	LiquidityWithdrawn *uint256.Int `json:"liquidity_withdrawn"`
	DebtRepaid         uint64       `json:"debt_repaid"`
	InterestPaid       uint64       `json:"interest_paid"`
	Penalty            uint64       `json:"penalty"`
	BadDebt            uint64       `json:"bad_debt"`
	ReturnedA          uint64       `json:"returned_a"`
	ReturnedB          uint64       `json:"returned_b"`
	State              State        `json:"state"`
	FlowID             string       `json:"flow_id,omitempty"`
}

// HealthReport is a point-in-time risk view of a position.
type HealthReport struct {
	Position            PositionID `json:"position"`
	State               State      `json:"state"`
	Price               uint64     `json:"price"`
	AmountA             uint64     `json:"amount_a"`
	AmountB             uint64     `json:"amount_b"`
	CollateralValue     uint64     `json:"collateral_value"`
	Debt                uint64     `json:"debt"`
	HealthFactor        uint64     `json:"health_factor"`
	LTVBps              uint64     `json:"ltv_bps"`
	Unwindable          bool       `json:"unwindable"`
	InRange             bool       `json:"in_range"`
	ImpermanentLossPpm  int64      `json:"impermanent_loss_ppm"`
	ILSeverity          string     `json:"il_severity"`
	ConcentrationFactor uint64     `json:"concentration_factor"`
	// TWAPPrice is the oracle's time-weighted mean, zero when unavailable.
	TWAPPrice uint64 `json:"twap_price,omitempty"`
}

// Scaled renders v/10^places without rounding.
func Scaled(v uint64, places int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -places)
}

// ScaledSigned is Scaled for signed values.
func ScaledSigned(v int64, places int32) decimal.Decimal {
	return decimal.New(v, -places)
}

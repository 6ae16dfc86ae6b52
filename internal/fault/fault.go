// Package fault defines the error taxonomy shared by every layer of the
// leverage engine. Every failure the engine can reach maps to exactly one
// Kind, so callers can switch exhaustively on KindOf(err).
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kind implements error so that
// errors.Is(err, fault.SlippageExceeded) works through any wrapping.
type Kind int

const (
	Unknown Kind = iota

	// Input faults.
	InvalidLeverage
	InvalidSlippage
	InvalidPriceRange
	InvalidTickRange
	DeadlineExceeded
	InvalidRoute
	InvalidConfig
	InvalidFraction

	// Policy faults.
	PositionTooSmall
	PositionTooLarge
	EmergencyStopActive
	AlreadyInitialised
	NotInitialised
	PositionAlreadyPending
	Unauthorized
	PositionNotFound
	PositionNotOpen
	PositionNotUnwindable
	ExposureLimitExceeded

	// Arithmetic faults.
	Overflow
	Underflow
	DivisionByZero

	// Execution faults.
	ShortLoanUnavailable
	SwapFailed
	SlippageExceeded
	SwapInputExceedsCap
	LiquidityDepositRejected
	CollateralLoanRejected
	InsufficientCollateral
	InsufficientToRepay

	// Safety faults.
	HealthFactorTooLow
	OracleUnusable

	// Provider-contract faults.
	ProviderMismatch
	ProviderUnsupported
)

var kindNames = map[Kind]string{
	Unknown:                  "unknown",
	InvalidLeverage:          "invalid_leverage",
	InvalidSlippage:          "invalid_slippage",
	InvalidPriceRange:        "invalid_price_range",
	InvalidTickRange:         "invalid_tick_range",
	DeadlineExceeded:         "deadline_exceeded",
	InvalidRoute:             "invalid_route",
	InvalidConfig:            "invalid_config",
	InvalidFraction:          "invalid_fraction",
	PositionTooSmall:         "position_too_small",
	PositionTooLarge:         "position_too_large",
	EmergencyStopActive:      "emergency_stop_active",
	AlreadyInitialised:       "already_initialised",
	NotInitialised:           "not_initialised",
	PositionAlreadyPending:   "position_already_pending",
	Unauthorized:             "unauthorized",
	PositionNotFound:         "position_not_found",
	PositionNotOpen:          "position_not_open",
	PositionNotUnwindable:    "position_not_unwindable",
	ExposureLimitExceeded:    "exposure_limit_exceeded",
	Overflow:                 "overflow",
	Underflow:                "underflow",
	DivisionByZero:           "division_by_zero",
	ShortLoanUnavailable:     "short_loan_unavailable",
	SwapFailed:               "swap_failed",
	SlippageExceeded:         "slippage_exceeded",
	SwapInputExceedsCap:      "swap_input_exceeds_cap",
	LiquidityDepositRejected: "liquidity_deposit_rejected",
	CollateralLoanRejected:   "collateral_loan_rejected",
	InsufficientCollateral:   "insufficient_collateral",
	InsufficientToRepay:      "insufficient_to_repay",
	HealthFactorTooLow:       "health_factor_too_low",
	OracleUnusable:           "oracle_unusable",
	ProviderMismatch:         "provider_mismatch",
	ProviderUnsupported:      "provider_unsupported",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Category groups kinds the way callers react to them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryInput
	CategoryPolicy
	CategoryArithmetic
	CategoryExecution
	CategorySafety
	CategoryProvider
)

// Category reports the class a kind belongs to.
func (k Kind) Category() Category {
	switch {
	case k >= InvalidLeverage && k <= InvalidFraction:
		return CategoryInput
	case k >= PositionTooSmall && k <= ExposureLimitExceeded:
		return CategoryPolicy
	case k >= Overflow && k <= DivisionByZero:
		return CategoryArithmetic
	case k >= ShortLoanUnavailable && k <= InsufficientToRepay:
		return CategoryExecution
	case k == HealthFactorTooLow || k == OracleUnusable:
		return CategorySafety
	case k == ProviderMismatch || k == ProviderUnsupported:
		return CategoryProvider
	default:
		return CategoryUnknown
	}
}

// Reason refines InvalidTickRange and OracleUnusable.
type Reason string

const (
	Narrow      Reason = "narrow"
	Wide        Reason = "wide"
	Misaligned  Reason = "misaligned"
	OutOfBounds Reason = "out_of_bounds"

	Stale         Reason = "stale"
	LowConfidence Reason = "low_confidence"
	Inconsistent  Reason = "inconsistent"
)

// Error is a classified failure. Cause is optional and is exposed through
// Unwrap so adapter errors stay inspectable.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Reason != "" {
		s += "{" + string(e.Reason) + "}"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches a bare Kind, or another *Error with the same kind and, when
// the target names one, the same reason.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Reason == "" || t.Reason == e.Reason)
	}
	return false
}

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Tick builds an InvalidTickRange fault.
func Tick(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: InvalidTickRange, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Oracle builds an OracleUnusable fault.
func Oracle(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: OracleUnusable, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Match returns a target usable with errors.Is for a kind plus reason.
func Match(kind Kind, reason Reason) error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// ReasonOf returns the reason of the first classified error in err's chain.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Package swapsizer decides how to rebalance token balances toward the value
// ratio a concentrated-liquidity range wants at the current price.
package swapsizer

import (
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/fixedpoint"
)

// ToleranceBand is the distance from the target ratio, 1e6-scaled, inside
// which no swap is planned. 1_000 = 10 bp.
const ToleranceBand uint64 = 1_000

// Direction of a planned swap.
type Direction string

const (
	None Direction = "none"
	AtoB Direction = "a_to_b"
	BtoA Direction = "b_to_a"
)

// Input carries everything the sizer reads.
type Input struct {
	BalanceA uint64
	BalanceB uint64

	// TargetA is the desired share of value in token A, 1e6-scaled.
	TargetA uint64

	// Price of A in B, 1e6-scaled.
	Price uint64

	SlippageBps uint64

	// MaxInputB caps the B spent on a BtoA swap. Zero means no cap.
	MaxInputB uint64

	// MinOutputA is the least A a BtoA swap may promise.
	MinOutputA uint64
}

// Plan is the sizer's decision.
type Plan struct {
	Direction      Direction `json:"direction"`
	InputAmount    uint64    `json:"input_amount"`
	ExpectedOutput uint64    `json:"expected_output"`
	MinOutput      uint64    `json:"min_output"`
	PostA          uint64    `json:"post_a"`
	PostB          uint64    `json:"post_b"`
}

// Size plans the swap that brings (a, b) to the target ratio. Inputs are
// rounded down and the minimum output is the expected output less the
// slippage tolerance.
func Size(in Input) (Plan, error) {
	if in.Price == 0 {
		return Plan{}, fault.New(fault.DivisionByZero, "zero price")
	}
	if in.TargetA > fixedpoint.HealthScale {
		return Plan{}, fault.New(fault.InvalidPriceRange, "target ratio %d above 1e6", in.TargetA)
	}
	if in.SlippageBps > fixedpoint.BpsScale {
		return Plan{}, fault.New(fault.InvalidSlippage, "slippage %d bp above 10000", in.SlippageBps)
	}

	valueA, err := fixedpoint.ValueInB(in.BalanceA, in.Price)
	if err != nil {
		return Plan{}, err
	}
	total, err := fixedpoint.Add(valueA, in.BalanceB)
	if err != nil {
		return Plan{}, err
	}
	none := Plan{Direction: None, PostA: in.BalanceA, PostB: in.BalanceB}
	if total == 0 {
		return none, nil
	}

	current, err := fixedpoint.MulDiv(valueA, fixedpoint.HealthScale, total)
	if err != nil {
		return Plan{}, err
	}
	if fixedpoint.AbsDiff(current, in.TargetA) <= ToleranceBand {
		return none, nil
	}

	targetValueA, err := fixedpoint.MulDiv(total, in.TargetA, fixedpoint.HealthScale)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	if valueA > targetValueA {
		// Excess A: sell the surplus value of A for B.
		input, err := fixedpoint.AmountAForB(valueA-targetValueA, in.Price)
		if err != nil {
			return Plan{}, err
		}
		expected, err := fixedpoint.ValueInB(input, in.Price)
		if err != nil {
			return Plan{}, err
		}
		plan = Plan{
			Direction:      AtoB,
			InputAmount:    input,
			ExpectedOutput: expected,
			PostA:          in.BalanceA - input,
			PostB:          in.BalanceB + expected,
		}
	} else {
		input := targetValueA - valueA
		expected, err := fixedpoint.AmountAForB(input, in.Price)
		if err != nil {
			return Plan{}, err
		}
		plan = Plan{
			Direction:      BtoA,
			InputAmount:    input,
			ExpectedOutput: expected,
			PostA:          in.BalanceA + expected,
			PostB:          in.BalanceB - input,
		}
	}

	plan.MinOutput, err = fixedpoint.SubBps(plan.ExpectedOutput, in.SlippageBps)
	if err != nil {
		return Plan{}, err
	}

	if plan.Direction == BtoA {
		if in.MaxInputB > 0 && plan.InputAmount > in.MaxInputB {
			return Plan{}, fault.New(fault.SwapInputExceedsCap, "input %d B above cap %d", plan.InputAmount, in.MaxInputB)
		}
		if plan.MinOutput < in.MinOutputA {
			return Plan{}, fault.New(fault.SlippageExceeded, "min output %d A below requested %d", plan.MinOutput, in.MinOutputA)
		}
	}
	if plan.InputAmount == 0 {
		return none, nil
	}
	return plan, nil
}

// Unwind plans the swap of A needed to raise deficit B at price, tolerating
// slippageBps. The input is rounded up so the minimum output still covers
// the deficit.
func Unwind(deficitB, price, slippageBps uint64) (input, minOutput uint64, err error) {
	if price == 0 {
		return 0, 0, fault.New(fault.DivisionByZero, "zero price")
	}
	if slippageBps >= fixedpoint.BpsScale {
		return 0, 0, fault.New(fault.InvalidSlippage, "slippage %d bp", slippageBps)
	}
	gross, err := fixedpoint.MulDivUp(deficitB, fixedpoint.BpsScale, fixedpoint.BpsScale-slippageBps)
	if err != nil {
		return 0, 0, err
	}
	input, err = fixedpoint.AmountAForBUp(gross, price)
	if err != nil {
		return 0, 0, err
	}
	return input, deficitB, nil
}

package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/atmx/leverage-engine/internal/fault"
)

func TestEnvelope_UnwindsNewestFirstOnce(t *testing.T) {
	var order []string
	env := newEnvelope("open", "flow-1")
	for _, name := range []string{"first", "second", "third"} {
		env.push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	ran := env.unwind(context.Background())
	want := []string{"third", "second", "first"}
	if len(ran) != 3 || ran[0] != want[0] || ran[2] != want[2] {
		t.Fatalf("ran %v, want %v", ran, want)
	}
	if len(order) != 3 {
		t.Fatalf("executed %v", order)
	}

	if again := env.unwind(context.Background()); len(again) != 0 {
		t.Errorf("second unwind ran %v", again)
	}
	if len(order) != 3 {
		t.Errorf("compensations re-executed: %v", order)
	}
}

func TestEnvelope_FailingStepDoesNotStopTheRest(t *testing.T) {
	env := newEnvelope("open", "flow-2")
	var calls int
	env.push("a", func(context.Context) error { calls++; return nil })
	env.push("b", func(context.Context) error { calls++; return errors.New("boom") })

	fe := env.fail(context.Background(), fault.StageDeposit, fault.New(fault.LiquidityDepositRejected, "pool full"))
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(fe.Compensated) != 2 || fe.Compensated[0] != "b" {
		t.Errorf("compensated = %v", fe.Compensated)
	}
	if !errors.Is(fe, fault.LiquidityDepositRejected) {
		t.Errorf("cause lost: %v", fe)
	}
}

func TestEnvelope_IgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := newEnvelope("close", "flow-3")
	var sawErr error
	env.push("check", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})
	env.unwind(ctx)
	if sawErr != nil {
		t.Errorf("compensation saw cancelled context: %v", sawErr)
	}
}

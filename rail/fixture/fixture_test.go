package fixture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/murphlabs/tally/rail"
	"github.com/murphlabs/tally/rail/fixture"
	"github.com/murphlabs/tally/types"
)

func TestPayoutFailureToggle(t *testing.T) {
	r := fixture.New()
	ctx := context.Background()

	r.SetFailPayouts(true)
	if err := r.Payout(ctx, "tea_1", types.USD(100), "stl_1"); !errors.Is(err, rail.ErrPayoutDeclined) {
		t.Fatalf("err = %v, want ErrPayoutDeclined", err)
	}
	if _, ok := r.PaidOut("stl_1"); ok {
		t.Fatal("declined payout must not record a payment")
	}

	r.SetFailPayouts(false)
	if err := r.Payout(ctx, "tea_1", types.USD(100), "stl_1"); err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if paid, ok := r.PaidOut("stl_1"); !ok || paid.Amount != 100 {
		t.Fatalf("paid = %v, %v, want 100", paid, ok)
	}

	// Repeats against the same settlement stay no-ops.
	if err := r.Payout(ctx, "tea_1", types.USD(100), "stl_1"); err != nil {
		t.Fatalf("repeat Payout: %v", err)
	}
	if got := r.Balance("tea_1"); got.Amount != 100 {
		t.Fatalf("teacher balance = %d, want 100", got.Amount)
	}
}

func TestFailPayoutsToggleWhilePayoutsRun(t *testing.T) {
	r := fixture.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.SetFailPayouts(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Payout(ctx, "tea_1", types.USD(1), fmt.Sprintf("stl_%d", i))
		}
	}()
	wg.Wait()
}

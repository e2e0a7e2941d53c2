package tally_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/rail/fixture"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/store/memory"
	"github.com/murphlabs/tally/types"
)

// testClock is a settable clock so accrual tests move billing time
// without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *tally.Engine
	rail   *fixture.Rail
	clock  *testClock
}

func newTestEnv(t *testing.T, opts ...tally.Option) *testEnv {
	t.Helper()

	clock := newTestClock()
	r := fixture.New()
	// Defaults go first so caller options override them. Long worker
	// intervals keep the background loops quiet unless a test wants them.
	opts = append([]tally.Option{
		tally.WithClock(clock.Now),
		tally.WithSweepInterval(time.Hour),
		tally.WithPayoutRetry(time.Hour, 50),
	}, opts...)
	e := tally.New(memory.New(), r, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })

	return &testEnv{engine: e, rail: r, clock: clock}
}

func (env *testEnv) authorizeActive(t *testing.T, locked, rate int64) *session.Session {
	t.Helper()
	ctx := context.Background()

	env.rail.Deposit("stu_1", types.USD(locked))
	sess, err := env.engine.Authorize(ctx, tally.AuthorizeParams{
		StudentID:          "stu_1",
		TeacherID:          "tea_1",
		LockedAmount:       types.USD(locked),
		RatePerMinute:      types.USD(rate),
		FreePreviewSeconds: session.DefaultFreePreviewSeconds,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	sess, err = env.engine.Activate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return sess
}

func TestAccrualScenarios(t *testing.T) {
	// Rate $0.50/min, lock $30.00, 10s free preview.
	tests := []struct {
		name        string
		afterStart  time.Duration
		wantCharged int64
	}{
		{"inside free preview", 10 * time.Second, 0},
		{"one billable minute", 70 * time.Second, 50},
		{"forty billable seconds rounds half up", 50 * time.Second, 33},
		{"capped at lock", 3610 * time.Second, 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			sess := env.authorizeActive(t, 3000, 50)
			env.clock.Advance(tt.afterStart)

			rec, err := env.engine.End(ctx, sess.ID)
			if err != nil {
				t.Fatalf("End: %v", err)
			}
			if rec.AmountCharged.Amount != tt.wantCharged {
				t.Fatalf("charged = %d, want %d", rec.AmountCharged.Amount, tt.wantCharged)
			}
			if !rec.AmountCharged.Add(rec.AmountRefunded).Equal(rec.LockedAmount) {
				t.Fatalf("conservation broken: %s + %s != %s",
					rec.AmountCharged, rec.AmountRefunded, rec.LockedAmount)
			}
		})
	}
}

func TestZeroFreePreviewBillsFromActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.Deposit("stu_1", types.USD(3000))
	sess, err := env.engine.Authorize(ctx, tally.AuthorizeParams{
		StudentID:          "stu_1",
		TeacherID:          "tea_1",
		LockedAmount:       types.USD(3000),
		RatePerMinute:      types.USD(60),
		FreePreviewSeconds: 0,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if sess.FreePreviewSeconds != 0 {
		t.Fatalf("FreePreviewSeconds = %d, want the explicit 0", sess.FreePreviewSeconds)
	}
	if sess, err = env.engine.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	env.clock.Advance(8 * time.Second)
	rec, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	// $0.60/min is a cent a second; all eight elapsed seconds bill.
	if rec.AmountCharged.Amount != 8 {
		t.Fatalf("charged = %d, want 8", rec.AmountCharged.Amount)
	}
	if rec.AmountRefunded.Amount != 2992 {
		t.Fatalf("refunded = %d, want 2992", rec.AmountRefunded.Amount)
	}
}

func TestEndRefundsExactRemainder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Rate $1.50/min, lock $30.00. 40 billable seconds charges $1.00.
	sess := env.authorizeActive(t, 3000, 150)
	env.clock.Advance(50 * time.Second)

	rec, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if rec.AmountCharged.Amount != 100 {
		t.Fatalf("charged = %d, want 100", rec.AmountCharged.Amount)
	}
	if rec.AmountRefunded.Amount != 2900 {
		t.Fatalf("refunded = %d, want 2900", rec.AmountRefunded.Amount)
	}

	// Refund is synchronous: the student's wallet holds it already.
	if got := env.rail.Balance("stu_1"); got.Amount != 2900 {
		t.Fatalf("student balance = %d, want 2900", got.Amount)
	}
	if !rec.TeacherPaid {
		t.Fatal("teacher payout should have succeeded on the fixture rail")
	}
	if paid, ok := env.rail.PaidOut(rec.ID.String()); !ok || paid.Amount != 100 {
		t.Fatalf("paid out = %v %v, want 100", paid, ok)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	env.clock.Advance(2 * time.Minute)

	first, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("first End: %v", err)
	}

	// Later retries return the stored record with identical figures and
	// never move money again.
	env.clock.Advance(10 * time.Minute)
	second, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second End returned a different record: %s vs %s", second.ID, first.ID)
	}
	if !second.AmountCharged.Equal(first.AmountCharged) ||
		!second.AmountRefunded.Equal(first.AmountRefunded) {
		t.Fatalf("figures drifted between calls: %+v vs %+v", second, first)
	}
	if env.rail.PayoutCount() != 1 {
		t.Fatalf("payouts = %d, want 1", env.rail.PayoutCount())
	}
}

func TestConcurrentEndSettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	env.clock.Advance(3 * time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	recs := make([]*id.ID, callers)
	charges := make([]int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := env.engine.End(ctx, sess.ID)
			if err != nil {
				t.Errorf("caller %d: End: %v", i, err)
				return
			}
			recs[i] = &rec.ID
			charges[i] = rec.AmountCharged.Amount
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if recs[i] == nil || recs[0] == nil {
			t.Fatal("a caller returned no record")
		}
		if *recs[i] != *recs[0] {
			t.Fatalf("caller %d saw record %s, caller 0 saw %s", i, recs[i], recs[0])
		}
		if charges[i] != charges[0] {
			t.Fatalf("caller %d saw charge %d, caller 0 saw %d", i, charges[i], charges[0])
		}
	}
	if env.rail.PayoutCount() != 1 {
		t.Fatalf("payouts = %d, want exactly 1", env.rail.PayoutCount())
	}
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.Deposit("stu_1", types.USD(100))
	_, err := env.engine.Authorize(ctx, tally.AuthorizeParams{
		StudentID:     "stu_1",
		TeacherID:     "tea_1",
		LockedAmount:  types.USD(3000),
		RatePerMinute: types.USD(50),
	})
	if !errors.Is(err, tally.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// No session may exist after a failed authorization.
	sessions, err := env.engine.ListSessions(ctx, session.ListOpts{StudentID: "stu_1"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want 0", len(sessions))
	}
}

func TestAuthorizeValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params tally.AuthorizeParams
	}{
		{"missing student", tally.AuthorizeParams{
			TeacherID: "tea_1", LockedAmount: types.USD(3000), RatePerMinute: types.USD(50)}},
		{"zero lock", tally.AuthorizeParams{
			StudentID: "stu_1", TeacherID: "tea_1", LockedAmount: types.USD(0), RatePerMinute: types.USD(50)}},
		{"negative rate", tally.AuthorizeParams{
			StudentID: "stu_1", TeacherID: "tea_1", LockedAmount: types.USD(3000), RatePerMinute: types.USD(-50)}},
		{"currency mismatch", tally.AuthorizeParams{
			StudentID: "stu_1", TeacherID: "tea_1", LockedAmount: types.USD(3000), RatePerMinute: types.EUR(50)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.engine.Authorize(ctx, tt.params); !errors.Is(err, tally.ErrInvalidParameters) {
				t.Fatalf("err = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestCancelBeforeStartReleasesFullHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.Deposit("stu_1", types.USD(5000))
	sess, err := env.engine.Authorize(ctx, tally.AuthorizeParams{
		StudentID:     "stu_1",
		TeacherID:     "tea_1",
		LockedAmount:  types.USD(3000),
		RatePerMinute: types.USD(50),
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got := env.rail.Balance("stu_1"); got.Amount != 2000 {
		t.Fatalf("balance after hold = %d, want 2000", got.Amount)
	}

	cancelled, err := env.engine.CancelBeforeStart(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CancelBeforeStart: %v", err)
	}
	if cancelled.State != session.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
	if got := env.rail.Balance("stu_1"); got.Amount != 5000 {
		t.Fatalf("balance after cancel = %d, want full 5000", got.Amount)
	}

	// No settlement record exists for a cancelled session.
	if _, err := env.engine.Status(ctx, sess.ID); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, err := env.engine.End(ctx, sess.ID); !errors.Is(err, tally.ErrSessionAlreadyCancelled) {
		t.Fatalf("End after cancel: err = %v, want ErrSessionAlreadyCancelled", err)
	}
}

func TestCancelAfterStartFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	if _, err := env.engine.CancelBeforeStart(ctx, sess.ID); !errors.Is(err, tally.ErrSessionNotAuthorized) {
		t.Fatalf("err = %v, want ErrSessionNotAuthorized", err)
	}
}

func TestEndBeforeActivateFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.rail.Deposit("stu_1", types.USD(3000))
	sess, err := env.engine.Authorize(ctx, tally.AuthorizeParams{
		StudentID:     "stu_1",
		TeacherID:     "tea_1",
		LockedAmount:  types.USD(3000),
		RatePerMinute: types.USD(50),
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if _, err := env.engine.End(ctx, sess.ID); !errors.Is(err, tally.ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}
}

func TestPayoutFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	env.clock.Advance(2 * time.Minute)

	env.rail.SetFailPayouts(true)
	rec, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End must succeed despite payout failure: %v", err)
	}
	if rec.TeacherPaid {
		t.Fatal("TeacherPaid should be false after a failed payout")
	}
	if !rec.AmountCharged.Add(rec.AmountRefunded).Equal(rec.LockedAmount) {
		t.Fatal("settlement must balance even when the payout fails")
	}

	// The student's refund is not held hostage by the teacher-side rail.
	wantRefund := rec.AmountRefunded.Amount
	if got := env.rail.Balance("stu_1"); got.Amount != wantRefund {
		t.Fatalf("student balance = %d, want %d", got.Amount, wantRefund)
	}
}

func TestPayoutRetryRecovers(t *testing.T) {
	env := newTestEnv(t, tally.WithPayoutRetry(20*time.Millisecond, 10))
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	env.clock.Advance(2 * time.Minute)

	env.rail.SetFailPayouts(true)
	rec, err := env.engine.End(ctx, sess.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if rec.TeacherPaid {
		t.Fatal("payout should have failed")
	}

	env.rail.SetFailPayouts(false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		// End on a settled session re-reads the stored record.
		final, err := env.engine.End(ctx, sess.ID)
		if err != nil {
			t.Fatalf("re-read settlement: %v", err)
		}
		if final.TeacherPaid {
			if paid, ok := env.rail.PaidOut(final.ID.String()); !ok || !paid.Equal(final.AmountCharged) {
				t.Fatalf("recovered payout = %v %v, want %s", paid, ok, final.AmountCharged)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry worker never recovered the payout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusRecomputesFromTimestamps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)

	st, err := env.engine.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.AccruedCost.IsZero() {
		t.Fatalf("cost inside free preview = %s, want zero", st.AccruedCost)
	}

	// Client hints are recorded but never consulted for money.
	if err := env.engine.ReportProgress(ctx, sess.ID, 99999); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}

	env.clock.Advance(70 * time.Second)
	st, err = env.engine.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.BillableSeconds != 60 {
		t.Fatalf("billable = %d, want 60", st.BillableSeconds)
	}
	if st.AccruedCost.Amount != 50 {
		t.Fatalf("cost = %d, want 50", st.AccruedCost.Amount)
	}
	if st.Remaining.Amount != 2950 {
		t.Fatalf("remaining = %d, want 2950", st.Remaining.Amount)
	}
}

func TestEndOnMissingSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.End(context.Background(), id.NewSessionID()); !errors.Is(err, tally.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestReviewClassificationLandsInStoreNotCallerCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.authorizeActive(t, 3000, 50)
	env.clock.Advance(2 * time.Minute)
	if _, err := env.engine.End(ctx, sess.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	r, err := env.engine.AttachReview(ctx, tally.ReviewParams{
		SessionID: sess.ID,
		Stars:     5,
	})
	if err != nil {
		t.Fatalf("AttachReview: %v", err)
	}
	if r.Class != nil {
		t.Fatal("classification should be pending at submission time")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := env.engine.GetReview(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetReview: %v", err)
		}
		if stored.Class != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("classification never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The value handed back by AttachReview is a snapshot; the classifier
	// publishes through the store, never through the caller's pointer.
	time.Sleep(20 * time.Millisecond)
	if r.Class != nil {
		t.Fatal("returned review was written after classification")
	}
}

package tally_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/rail/fixture"
	"github.com/murphlabs/tally/store/memory"
	"github.com/murphlabs/tally/types"
)

// TestDocumentationExamples verifies that the examples in the package
// documentation compile and run.
func TestDocumentationExamples(t *testing.T) {
	// Test Quick Start example from the package docs
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		// The fixture rail keeps balances in memory; production wires a
		// real payment rail here.
		pay := fixture.New()
		pay.Deposit("student_123", types.USD(10000))

		engine := tally.New(store, pay,
			tally.WithLogger(slog.Default()),
			tally.WithProgressConfig(100, 5*time.Second),
		)

		// Start the engine
		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		// Create a course
		c := &course.Course{
			TeacherID:        "teacher_456",
			Title:            "Practical Go",
			Topic:            "programming",
			SkillLevel:       "intermediate",
			RatePerMinute:    types.USD(50), // $0.50 per minute
			EstimatedMinutes: 60,
		}
		if err := engine.CreateCourse(ctx, c); err != nil {
			t.Fatal(err)
		}

		// Start a session: locks the full estimate and begins billing
		sess, err := engine.StartSession(ctx, tally.StartParams{
			CourseID:  c.ID,
			StudentID: "student_123",
		})
		if err != nil {
			t.Fatal(err)
		}

		// Status recomputes accrual from timestamps on demand
		status, err := engine.Status(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("accrued so far: %s\n", status.AccruedCost.String())

		// End settles exactly once: charge for time watched, refund the rest
		rec, err := engine.End(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}

		total := rec.AmountCharged.Add(rec.AmountRefunded)
		if !total.Equal(rec.LockedAmount) {
			t.Fatalf("conservation broken: %s + %s != %s",
				rec.AmountCharged, rec.AmountRefunded, rec.LockedAmount)
		}
	})

	// Test Money type examples
	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.USD(4900)   // $49.00
		_ = types.EUR(9900)   // €99.00
		_ = types.Zero("usd") // $0.00

		// Arithmetic
		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)     // $3.00
		_ = m1.Multiply(3) // $3.00

		// Per-minute accrual: 90 seconds at $0.50/min, rounded half up
		rate := types.USD(50)
		_ = rate.MulDivRound(90, 60) // $0.75

		// Comparison
		if m1.LessThan(m2) {
			// m1 is less than m2
		}

		// Formatting
		_ = m1.String()      // "$1.00"
		_ = m1.FormatMajor() // "1.00"
	})
}

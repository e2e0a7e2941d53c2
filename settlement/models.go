// Package settlement defines the terminal, one-time record of a session's
// final charge and refund.
package settlement

import (
	"math"
	"time"

	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/types"
)

// Record is written exactly once, at the active -> settled transition.
// AmountCharged + AmountRefunded always equals the session's locked amount;
// both figures derive from a single accrual computation, so conservation
// holds by construction rather than by reconciliation.
type Record struct {
	types.Entity
	ID              id.SettlementID                `json:"id"`
	SessionID       id.SessionID                   `json:"session_id"`
	StudentID       string                         `json:"student_id"`
	TeacherID       string                         `json:"teacher_id"`
	BillableSeconds int64                          `json:"billable_seconds"`
	ElapsedMinutes  float64                        `json:"elapsed_minutes"`
	LockedAmount    types.Money                    `json:"locked_amount"`
	AmountCharged   types.Money                    `json:"amount_charged"`
	AmountRefunded  types.Money                    `json:"amount_refunded"`
	TeacherPaid     bool                           `json:"teacher_paid"`
	SettlementMethod string                        `json:"settlement_method"`
	PayoutAttempts  int                            `json:"payout_attempts"`
	PaidAt          *time.Time                     `json:"paid_at,omitempty"`
	SettledAt       time.Time                      `json:"settled_at"`
	Checkpoints     []session.EngagementCheckpoint `json:"checkpoints,omitempty"`
}

// Minutes converts billable seconds to fractional minutes rounded to two
// decimal places, matching the student-facing summary figures.
func Minutes(billableSeconds int64) float64 {
	return math.Round(float64(billableSeconds)/60*100) / 100
}

// Balanced reports whether charged + refunded reconciles exactly against
// the locked amount.
func (r *Record) Balanced() bool {
	return r.AmountCharged.Add(r.AmountRefunded).Equal(r.LockedAmount)
}

type ListOpts struct {
	Since time.Time
	Limit int
}

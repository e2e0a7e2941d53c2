// Package session defines the pay-per-minute session entity and its pure
// cost-accrual rules.
//
// Billing is derived exclusively from server-owned timestamps: the accrued
// cost of a session is recomputable at any instant from StartedAt and a
// caller-supplied clock reading. Client-reported counters are persisted as
// ProgressReport hints for analytics but are never consulted for money.
package session

import (
	"time"

	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/types"
)

// State is the lifecycle state of a session.
//
//	authorized --(playback starts)--> active --(end or sweep)--> settled
//	authorized --(cancel before start)--> cancelled
//
// settled and cancelled are terminal; no transition leaves them.
type State string

const (
	StateAuthorized State = "authorized"
	StateActive     State = "active"
	StateSettled    State = "settled"
	StateCancelled  State = "cancelled"
)

// DefaultFreePreviewSeconds is the unbilled window at the start of every
// session when the caller does not override it.
const DefaultFreePreviewSeconds = 10

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Session is a single pay-per-minute engagement between a student and a
// teacher. LockedAmount and RatePerMinute are fixed at authorization time
// for the session's whole lifetime.
type Session struct {
	types.Entity
	ID                 id.SessionID            `json:"id"`
	CourseID           id.CourseID             `json:"course_id,omitempty"`
	StudentID          string                  `json:"student_id"`
	TeacherID          string                  `json:"teacher_id"`
	State              State                   `json:"state"`
	Currency           string                  `json:"currency"`
	LockedAmount       types.Money             `json:"locked_amount"`
	RatePerMinute      types.Money             `json:"rate_per_minute"`
	FreePreviewSeconds int                     `json:"free_preview_seconds"`
	ReservationID      string                  `json:"reservation_id"`
	AuthorizedAt       time.Time               `json:"authorized_at"`
	StartedAt          *time.Time              `json:"started_at,omitempty"`
	EndedAt            *time.Time              `json:"ended_at,omitempty"`
	CancelledAt        *time.Time              `json:"cancelled_at,omitempty"`
	MaxDuration        time.Duration           `json:"max_duration,omitempty"`
	Checkpoints        []EngagementCheckpoint  `json:"checkpoints,omitempty"`
	Metadata           map[string]string       `json:"metadata,omitempty"`
}

// EngagementCheckpoint is a quiz gate on the session timeline. Completion
// state is durable and queryable at settlement for reporting; it has no
// effect on cost.
type EngagementCheckpoint struct {
	Seq            int        `json:"seq"`
	OffsetSeconds  int        `json:"offset_seconds"`
	Completed      bool       `json:"completed"`
	Score          int        `json:"score,omitempty"`
	TotalQuestions int        `json:"total_questions,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// BillableSeconds returns elapsed wall-clock seconds since StartedAt minus
// the free-preview window, floored at zero. Sessions that never activated
// have no billable time.
func (s *Session) BillableSeconds(now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil && s.EndedAt.Before(now) {
		end = *s.EndedAt
	}
	elapsed := int64(end.Sub(*s.StartedAt) / time.Second)
	billable := elapsed - int64(s.FreePreviewSeconds)
	if billable < 0 {
		return 0
	}
	return billable
}

// Accrue returns the cost owed at the given instant, capped at the locked
// amount. It is a pure function of the session's fixed terms and the clock:
// zero inside the free-preview window, then billable seconds at the
// per-minute rate with round-half-up applied once at the cents level.
func (s *Session) Accrue(now time.Time) types.Money {
	billable := s.BillableSeconds(now)
	if billable == 0 {
		return types.Zero(s.Currency)
	}
	cost := s.RatePerMinute.MulDivRound(billable, 60)
	return cost.Min(s.LockedAmount)
}

// CapReached reports whether accrual has consumed the entire locked amount.
func (s *Session) CapReached(now time.Time) bool {
	return !s.Accrue(now).LessThan(s.LockedAmount)
}

// Expired reports whether the session has outlived its maximum duration.
// Sessions without a MaxDuration never expire.
func (s *Session) Expired(now time.Time) bool {
	if s.MaxDuration <= 0 || s.StartedAt == nil {
		return false
	}
	return now.Sub(*s.StartedAt) > s.MaxDuration
}

// FindCheckpoint returns the checkpoint with the given sequence number.
func (s *Session) FindCheckpoint(seq int) *EngagementCheckpoint {
	for i := range s.Checkpoints {
		if s.Checkpoints[i].Seq == seq {
			return &s.Checkpoints[i]
		}
	}
	return nil
}

// ProgressReport is a non-authoritative elapsed-time hint reported by the
// client while playback runs. Reports are buffered and batch-persisted for
// analytics; the engine never derives a charge from them.
type ProgressReport struct {
	ID             id.ProgressID `json:"id"`
	SessionID      id.SessionID  `json:"session_id"`
	ElapsedSeconds int64         `json:"elapsed_seconds"`
	ReportedAt     time.Time     `json:"reported_at"`
}

type ListOpts struct {
	StudentID string
	TeacherID string
	CourseID  id.CourseID
	State     State
	Limit     int
	Offset    int
}

type ProgressQueryOpts struct {
	Start time.Time
	End   time.Time
	Limit int
}

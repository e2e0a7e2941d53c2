// Package review holds post-settlement student feedback: a star rating,
// free text, an AI classification of where the complaint points, and a
// credibility score derived from how the session was actually watched.
// Reviews are annotations on settled sessions and never touch the money
// path.
package review

import (
	"time"

	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/types"
)

// Side says whether a review's complaint is about the student's own fit
// (wrong level, pace, expectations) or about the course itself (content
// errors, bad audio, instructor mistakes).
type Side string

const (
	SideUser   Side = "user_side"
	SideCourse Side = "course_side"
)

type Review struct {
	types.Entity
	ID          id.ReviewID     `json:"id"`
	SessionID   id.SessionID    `json:"session_id"`
	CourseID    id.CourseID     `json:"course_id,omitempty"`
	StudentID   string          `json:"student_id"`
	TeacherID   string          `json:"teacher_id"`
	Stars       int             `json:"stars"` // 1-5
	Comment     string          `json:"comment"`
	Credibility float64         `json:"credibility"` // 0-100
	Class       *Classification `json:"classification,omitempty"`
}

// Classification is the AI-assigned tag attached to a review after
// submission. Missing until the classifier has run (or permanently, if it
// is disabled).
type Classification struct {
	Side     Side   `json:"classification"`
	OneLiner string `json:"one_liner"`
	Model    string `json:"model,omitempty"`
}

// Credible reports whether the review clears the credibility bar used for
// weighted teacher ratings.
func (r *Review) Credible() bool {
	return r.Credibility >= 60
}

type ListOpts struct {
	OnlyCredible bool
	Limit        int
	Offset       int
}

// SessionSignal describes how the reviewed session was actually consumed.
// It feeds both the credibility score and the no-text classification
// heuristics.
type SessionSignal struct {
	DurationMinutes   float64
	CompletionPercent float64
	TimeToExitSeconds int64
	PriorReviews      int
	SubmittedAt       time.Time
}

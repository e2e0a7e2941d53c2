package course

import (
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Course is a teacher's offering that pay-per-minute sessions are started
// against. The rate, free-preview window, and checkpoint offsets are fixed
// on the course and copied into each session at authorization time, so a
// later course edit never changes the terms of a running session.
type Course struct {
	types.Entity
	ID                 id.CourseID       `json:"id"`
	TeacherID          string            `json:"teacher_id"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Topic              string            `json:"topic"`
	SkillLevel         string            `json:"skill_level"`
	Currency           string            `json:"currency"`
	RatePerMinute      types.Money       `json:"rate_per_minute"`
	FreePreviewSeconds int               `json:"free_preview_seconds"`
	EstimatedMinutes   int               `json:"estimated_minutes"`
	Status             Status            `json:"status"`
	Checkpoints        []CheckpointSpec  `json:"checkpoints,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// CheckpointSpec is a quiz gate defined on the course timeline. It is a
// UX gating point only and never affects billing.
type CheckpointSpec struct {
	Seq            int `json:"seq"`
	OffsetSeconds  int `json:"offset_seconds"`
	TotalQuestions int `json:"total_questions"`
}

// MaxLock returns the amount reserved when a session starts against this
// course: the full estimated duration at the course rate.
func (c *Course) MaxLock() types.Money {
	return c.RatePerMinute.Multiply(int64(c.EstimatedMinutes))
}

type ListOpts struct {
	Topic      string
	SkillLevel string
	TeacherID  string
	Status     Status
	Limit      int
	Offset     int
}

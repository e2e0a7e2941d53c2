// Package store defines the unified storage interface for all Tally
// entities.
package store

import (
	"context"
	"time"

	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
)

// Store is the unified storage interface for all Tally entities.
// Instead of embedding the sub-interfaces, we explicitly declare all
// methods to avoid naming conflicts.
//
// The session transition methods (ActivateSession, CancelSession,
// SettleSession) are compare-and-set: they succeed only when the session
// is in the expected source state, and every implementation performs the
// check and the flip as one atomic step. SettleSession additionally
// persists the settlement record in the same step; a session is never
// observable as settled without its record, or vice versa.
type Store interface {
	// Course methods
	CreateCourse(ctx context.Context, c *course.Course) error
	GetCourse(ctx context.Context, courseID id.CourseID) (*course.Course, error)
	ListCourses(ctx context.Context, opts course.ListOpts) ([]*course.Course, error)
	UpdateCourse(ctx context.Context, c *course.Course) error
	ArchiveCourse(ctx context.Context, courseID id.CourseID) error

	// Session methods
	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error)
	ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error)
	ListActiveSessions(ctx context.Context) ([]*session.Session, error)
	ActivateSession(ctx context.Context, sessionID id.SessionID, startedAt time.Time) error
	CancelSession(ctx context.Context, sessionID id.SessionID, cancelledAt time.Time) error
	SettleSession(ctx context.Context, sessionID id.SessionID, rec *settlement.Record) error
	CompleteCheckpoint(ctx context.Context, sessionID id.SessionID, seq, score, total int, at time.Time) error

	// Settlement methods
	GetSettlement(ctx context.Context, sessionID id.SessionID) (*settlement.Record, error)
	ListSettlementsByTeacher(ctx context.Context, teacherID string, opts settlement.ListOpts) ([]*settlement.Record, error)
	ListUnpaidSettlements(ctx context.Context, limit int) ([]*settlement.Record, error)
	MarkTeacherPaid(ctx context.Context, settlementID id.SettlementID, paidAt time.Time) error
	RecordPayoutAttempt(ctx context.Context, settlementID id.SettlementID) error

	// Progress methods
	InsertProgressBatch(ctx context.Context, reports []*session.ProgressReport) error
	QueryProgress(ctx context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error)

	// Review methods
	CreateReview(ctx context.Context, r *review.Review) error
	GetReviewBySession(ctx context.Context, sessionID id.SessionID) (*review.Review, error)
	ListReviewsByTeacher(ctx context.Context, teacherID string, opts review.ListOpts) ([]*review.Review, error)
	SetReviewClassification(ctx context.Context, reviewID id.ReviewID, class *review.Classification) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

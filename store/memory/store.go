// Package memory provides an in-memory implementation of the store
// interface, suitable for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
)

type Store struct {
	mu sync.RWMutex

	// Course storage
	courses map[string]*course.Course

	// Session storage
	sessions map[string]*session.Session

	// Settlement storage, keyed by session ID
	settlements map[string]*settlement.Record

	// Progress reports
	progress []*session.ProgressReport

	// Review storage, keyed by session ID
	reviews map[string]*review.Review

	closed bool
}

func New() *Store {
	return &Store{
		courses:     make(map[string]*course.Course),
		sessions:    make(map[string]*session.Session),
		settlements: make(map[string]*settlement.Record),
		progress:    make([]*session.ProgressReport, 0),
		reviews:     make(map[string]*review.Review),
	}
}

// Course Store implementation

func (s *Store) CreateCourse(_ context.Context, c *course.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.courses[c.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	s.courses[c.ID.String()] = cloneCourse(c)
	return nil
}

func (s *Store) GetCourse(_ context.Context, courseID id.CourseID) (*course.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.courses[courseID.String()]; ok {
		return cloneCourse(c), nil
	}
	return nil, tally.ErrCourseNotFound
}

func (s *Store) ListCourses(_ context.Context, opts course.ListOpts) ([]*course.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*course.Course
	for _, c := range s.courses {
		if opts.TeacherID != "" && c.TeacherID != opts.TeacherID {
			continue
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		if opts.Topic != "" && c.Topic != opts.Topic {
			continue
		}
		if opts.SkillLevel != "" && c.SkillLevel != opts.SkillLevel {
			continue
		}
		out = append(out, cloneCourse(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return applyWindow(out, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateCourse(_ context.Context, c *course.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[c.ID.String()]; !ok {
		return tally.ErrCourseNotFound
	}
	s.courses[c.ID.String()] = cloneCourse(c)
	return nil
}

func (s *Store) ArchiveCourse(_ context.Context, courseID id.CourseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.courses[courseID.String()]
	if !ok {
		return tally.ErrCourseNotFound
	}
	c.Status = course.StatusArchived
	c.Touch()
	return nil
}

// Session Store implementation

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID.String()]; exists {
		return tally.ErrAlreadyExists
	}
	s.sessions[sess.ID.String()] = cloneSession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID id.SessionID) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[sessionID.String()]; ok {
		return cloneSession(sess), nil
	}
	return nil, tally.ErrSessionNotFound
}

func (s *Store) ListSessions(_ context.Context, opts session.ListOpts) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if opts.StudentID != "" && sess.StudentID != opts.StudentID {
			continue
		}
		if opts.TeacherID != "" && sess.TeacherID != opts.TeacherID {
			continue
		}
		if opts.State != "" && sess.State != opts.State {
			continue
		}
		if !opts.CourseID.IsNil() && sess.CourseID != opts.CourseID {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return applyWindow(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ListActiveSessions(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.State == session.StateActive {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

// ActivateSession flips authorized -> active. The state check and the
// flip happen under one lock, so concurrent activations race to exactly
// one winner.
func (s *Store) ActivateSession(_ context.Context, sessionID id.SessionID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return tally.ErrSessionNotFound
	}
	switch sess.State {
	case session.StateAuthorized:
	case session.StateActive:
		return tally.ErrSessionAlreadyActive
	case session.StateCancelled:
		return tally.ErrSessionAlreadyCancelled
	default:
		return tally.ErrSessionNotAuthorized
	}
	sess.State = session.StateActive
	sess.StartedAt = &startedAt
	sess.Touch()
	return nil
}

// CancelSession flips authorized -> cancelled.
func (s *Store) CancelSession(_ context.Context, sessionID id.SessionID, cancelledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return tally.ErrSessionNotFound
	}
	switch sess.State {
	case session.StateAuthorized:
	case session.StateCancelled:
		return tally.ErrSessionAlreadyCancelled
	case session.StateSettled:
		return tally.ErrSessionAlreadySettled
	default:
		return tally.ErrSessionNotAuthorized
	}
	sess.State = session.StateCancelled
	sess.CancelledAt = &cancelledAt
	sess.Touch()
	return nil
}

// SettleSession flips active -> settled and persists the settlement
// record in the same atomic step. A losing concurrent caller gets
// ErrSessionNotActive and should re-read the stored record.
func (s *Store) SettleSession(_ context.Context, sessionID id.SessionID, rec *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return tally.ErrSessionNotFound
	}
	if sess.State != session.StateActive {
		return tally.ErrSessionNotActive
	}
	sess.State = session.StateSettled
	endedAt := rec.SettledAt
	sess.EndedAt = &endedAt
	sess.Touch()
	s.settlements[sessionID.String()] = cloneRecord(rec)
	return nil
}

func (s *Store) CompleteCheckpoint(_ context.Context, sessionID id.SessionID, seq, score, total int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID.String()]
	if !ok {
		return tally.ErrSessionNotFound
	}
	cp := sess.FindCheckpoint(seq)
	if cp == nil {
		return tally.ErrNotFound
	}
	cp.Completed = true
	cp.Score = score
	cp.TotalQuestions = total
	cp.CompletedAt = &at
	sess.Touch()
	return nil
}

// Settlement Store implementation

func (s *Store) GetSettlement(_ context.Context, sessionID id.SessionID) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.settlements[sessionID.String()]; ok {
		return cloneRecord(rec), nil
	}
	return nil, tally.ErrSettlementNotFound
}

func (s *Store) ListSettlementsByTeacher(_ context.Context, teacherID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*settlement.Record
	for _, rec := range s.settlements {
		if rec.TeacherID != teacherID {
			continue
		}
		if !opts.Since.IsZero() && rec.SettledAt.Before(opts.Since) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SettledAt.After(out[j].SettledAt)
	})
	return applyWindow(out, 0, opts.Limit), nil
}

func (s *Store) ListUnpaidSettlements(_ context.Context, limit int) ([]*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*settlement.Record
	for _, rec := range s.settlements {
		if rec.TeacherPaid || rec.AmountCharged.IsZero() {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SettledAt.Before(out[j].SettledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkTeacherPaid(_ context.Context, settlementID id.SettlementID, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findSettlementLocked(settlementID)
	if rec == nil {
		return tally.ErrSettlementNotFound
	}
	rec.TeacherPaid = true
	rec.PaidAt = &paidAt
	rec.Touch()
	return nil
}

func (s *Store) RecordPayoutAttempt(_ context.Context, settlementID id.SettlementID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findSettlementLocked(settlementID)
	if rec == nil {
		return tally.ErrSettlementNotFound
	}
	rec.PayoutAttempts++
	rec.Touch()
	return nil
}

func (s *Store) findSettlementLocked(settlementID id.SettlementID) *settlement.Record {
	for _, rec := range s.settlements {
		if rec.ID == settlementID {
			return rec
		}
	}
	return nil
}

// Progress Store implementation

func (s *Store) InsertProgressBatch(_ context.Context, reports []*session.ProgressReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress = append(s.progress, reports...)
	return nil
}

func (s *Store) QueryProgress(_ context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.ProgressReport
	for _, rep := range s.progress {
		if rep.SessionID != sessionID {
			continue
		}
		if !opts.Start.IsZero() && rep.ReportedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && rep.ReportedAt.After(opts.End) {
			continue
		}
		r := *rep
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReportedAt.Before(out[j].ReportedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Review Store implementation

func (s *Store) CreateReview(_ context.Context, r *review.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reviews[r.SessionID.String()]; exists {
		return tally.ErrReviewExists
	}
	s.reviews[r.SessionID.String()] = cloneReview(r)
	return nil
}

func (s *Store) GetReviewBySession(_ context.Context, sessionID id.SessionID) (*review.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.reviews[sessionID.String()]; ok {
		return cloneReview(r), nil
	}
	return nil, tally.ErrReviewNotFound
}

func (s *Store) ListReviewsByTeacher(_ context.Context, teacherID string, opts review.ListOpts) ([]*review.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*review.Review
	for _, r := range s.reviews {
		if r.TeacherID != teacherID {
			continue
		}
		if opts.OnlyCredible && !r.Credible() {
			continue
		}
		out = append(out, cloneReview(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return applyWindow(out, opts.Offset, opts.Limit), nil
}

func (s *Store) SetReviewClassification(_ context.Context, reviewID id.ReviewID, class *review.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reviews {
		if r.ID == reviewID {
			c := *class
			r.Class = &c
			r.Touch()
			return nil
		}
	}
	return tally.ErrReviewNotFound
}

// Core methods

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// The store hands out copies so callers never share mutable state with
// the maps behind the lock.

func cloneCourse(c *course.Course) *course.Course {
	cp := *c
	cp.Checkpoints = append([]course.CheckpointSpec(nil), c.Checkpoints...)
	cp.Metadata = cloneMeta(c.Metadata)
	return &cp
}

func cloneSession(sess *session.Session) *session.Session {
	cp := *sess
	cp.Checkpoints = append([]session.EngagementCheckpoint(nil), sess.Checkpoints...)
	cp.Metadata = cloneMeta(sess.Metadata)
	return &cp
}

func cloneRecord(rec *settlement.Record) *settlement.Record {
	cp := *rec
	cp.Checkpoints = append([]session.EngagementCheckpoint(nil), rec.Checkpoints...)
	return &cp
}

func cloneReview(r *review.Review) *review.Review {
	cp := *r
	if r.Class != nil {
		c := *r.Class
		cp.Class = &c
	}
	return &cp
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func applyWindow[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/types"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func scanCourse(row rowScanner) (*course.Course, error) {
	var (
		c           course.Course
		rawID       string
		rate        int64
		checkpoints []byte
		metadata    []byte
	)
	err := row.Scan(
		&rawID, &c.TeacherID, &c.Title, &c.Description, &c.Topic, &c.SkillLevel,
		&c.Currency, &rate, &c.FreePreviewSeconds, &c.EstimatedMinutes, &c.Status,
		&checkpoints, &metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ID, err = id.ParseCourseID(rawID)
	if err != nil {
		return nil, err
	}
	c.RatePerMinute = types.In(c.Currency, rate)
	if err := json.Unmarshal(checkpoints, &c.Checkpoints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		s           session.Session
		rawID       string
		rawCourse   string
		locked      int64
		rate        int64
		maxDuration int64
		checkpoints []byte
		metadata    []byte
	)
	err := row.Scan(
		&rawID, &rawCourse, &s.StudentID, &s.TeacherID, &s.State, &s.Currency,
		&locked, &rate, &s.FreePreviewSeconds, &s.ReservationID,
		&s.AuthorizedAt, &s.StartedAt, &s.EndedAt, &s.CancelledAt,
		&maxDuration, &checkpoints, &metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ID, err = id.ParseSessionID(rawID)
	if err != nil {
		return nil, err
	}
	if rawCourse != "" {
		s.CourseID, err = id.ParseCourseID(rawCourse)
		if err != nil {
			return nil, err
		}
	}
	s.LockedAmount = types.In(s.Currency, locked)
	s.RatePerMinute = types.In(s.Currency, rate)
	s.MaxDuration = time.Duration(maxDuration) * time.Second
	if err := json.Unmarshal(checkpoints, &s.Checkpoints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSettlement(row rowScanner) (*settlement.Record, error) {
	var (
		rec         settlement.Record
		rawID       string
		rawSession  string
		currency    string
		locked      int64
		charged     int64
		refunded    int64
		checkpoints []byte
	)
	err := row.Scan(
		&rawID, &rawSession, &rec.StudentID, &rec.TeacherID,
		&rec.BillableSeconds, &rec.ElapsedMinutes, &currency,
		&locked, &charged, &refunded,
		&rec.TeacherPaid, &rec.SettlementMethod, &rec.PayoutAttempts,
		&rec.PaidAt, &rec.SettledAt, &checkpoints, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ID, err = id.ParseSettlementID(rawID)
	if err != nil {
		return nil, err
	}
	rec.SessionID, err = id.ParseSessionID(rawSession)
	if err != nil {
		return nil, err
	}
	rec.LockedAmount = types.In(currency, locked)
	rec.AmountCharged = types.In(currency, charged)
	rec.AmountRefunded = types.In(currency, refunded)
	if err := json.Unmarshal(checkpoints, &rec.Checkpoints); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanReview(row rowScanner) (*review.Review, error) {
	var (
		r          review.Review
		rawID      string
		rawSession string
		rawCourse  string
		class      []byte
	)
	err := row.Scan(
		&rawID, &rawSession, &rawCourse, &r.StudentID, &r.TeacherID,
		&r.Stars, &r.Comment, &r.Credibility, &class, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ID, err = id.ParseReviewID(rawID)
	if err != nil {
		return nil, err
	}
	r.SessionID, err = id.ParseSessionID(rawSession)
	if err != nil {
		return nil, err
	}
	if rawCourse != "" {
		r.CourseID, err = id.ParseCourseID(rawCourse)
		if err != nil {
			return nil, err
		}
	}
	if len(class) > 0 {
		if err := json.Unmarshal(class, &r.Class); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

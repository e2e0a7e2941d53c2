package mongo

import (
	"time"

	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/types"
)

// BSON document models. IDs persist as their typeid string form so
// documents stay greppable in the shell.

type checkpointModel struct {
	Seq            int        `bson:"seq"`
	OffsetSeconds  int        `bson:"offset_seconds"`
	Completed      bool       `bson:"completed"`
	Score          int        `bson:"score,omitempty"`
	TotalQuestions int        `bson:"total_questions,omitempty"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
}

func toCheckpointModels(cps []session.EngagementCheckpoint) []checkpointModel {
	out := make([]checkpointModel, 0, len(cps))
	for _, cp := range cps {
		out = append(out, checkpointModel(cp))
	}
	return out
}

func fromCheckpointModels(models []checkpointModel) []session.EngagementCheckpoint {
	if len(models) == 0 {
		return nil
	}
	out := make([]session.EngagementCheckpoint, 0, len(models))
	for _, m := range models {
		out = append(out, session.EngagementCheckpoint(m))
	}
	return out
}

type courseModel struct {
	ID                 string                  `bson:"_id"`
	TeacherID          string                  `bson:"teacher_id"`
	Title              string                  `bson:"title"`
	Description        string                  `bson:"description"`
	Topic              string                  `bson:"topic"`
	SkillLevel         string                  `bson:"skill_level"`
	Currency           string                  `bson:"currency"`
	RatePerMinute      int64                   `bson:"rate_per_minute"`
	FreePreviewSeconds int                     `bson:"free_preview_seconds"`
	EstimatedMinutes   int                     `bson:"estimated_minutes"`
	Status             string                  `bson:"status"`
	Checkpoints        []course.CheckpointSpec `bson:"checkpoints,omitempty"`
	Metadata           map[string]string       `bson:"metadata,omitempty"`
	CreatedAt          time.Time               `bson:"created_at"`
	UpdatedAt          time.Time               `bson:"updated_at"`
}

func toCourseModel(c *course.Course) *courseModel {
	return &courseModel{
		ID:                 c.ID.String(),
		TeacherID:          c.TeacherID,
		Title:              c.Title,
		Description:        c.Description,
		Topic:              c.Topic,
		SkillLevel:         c.SkillLevel,
		Currency:           c.Currency,
		RatePerMinute:      c.RatePerMinute.Amount,
		FreePreviewSeconds: c.FreePreviewSeconds,
		EstimatedMinutes:   c.EstimatedMinutes,
		Status:             string(c.Status),
		Checkpoints:        c.Checkpoints,
		Metadata:           c.Metadata,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func fromCourseModel(m *courseModel) (*course.Course, error) {
	courseID, err := id.ParseCourseID(m.ID)
	if err != nil {
		return nil, err
	}
	c := &course.Course{
		ID:                 courseID,
		TeacherID:          m.TeacherID,
		Title:              m.Title,
		Description:        m.Description,
		Topic:              m.Topic,
		SkillLevel:         m.SkillLevel,
		Currency:           m.Currency,
		RatePerMinute:      types.In(m.Currency, m.RatePerMinute),
		FreePreviewSeconds: m.FreePreviewSeconds,
		EstimatedMinutes:   m.EstimatedMinutes,
		Status:             course.Status(m.Status),
		Checkpoints:        m.Checkpoints,
		Metadata:           m.Metadata,
	}
	c.CreatedAt = m.CreatedAt
	c.UpdatedAt = m.UpdatedAt
	return c, nil
}

type sessionModel struct {
	ID                 string            `bson:"_id"`
	CourseID           string            `bson:"course_id,omitempty"`
	StudentID          string            `bson:"student_id"`
	TeacherID          string            `bson:"teacher_id"`
	State              string            `bson:"state"`
	Currency           string            `bson:"currency"`
	LockedAmount       int64             `bson:"locked_amount"`
	RatePerMinute      int64             `bson:"rate_per_minute"`
	FreePreviewSeconds int               `bson:"free_preview_seconds"`
	ReservationID      string            `bson:"reservation_id"`
	AuthorizedAt       time.Time         `bson:"authorized_at"`
	StartedAt          *time.Time        `bson:"started_at,omitempty"`
	EndedAt            *time.Time        `bson:"ended_at,omitempty"`
	CancelledAt        *time.Time        `bson:"cancelled_at,omitempty"`
	MaxDurationSeconds int64             `bson:"max_duration_seconds"`
	Checkpoints        []checkpointModel `bson:"checkpoints,omitempty"`
	Metadata           map[string]string `bson:"metadata,omitempty"`
	CreatedAt          time.Time         `bson:"created_at"`
	UpdatedAt          time.Time         `bson:"updated_at"`
}

func toSessionModel(s *session.Session) *sessionModel {
	m := &sessionModel{
		ID:                 s.ID.String(),
		StudentID:          s.StudentID,
		TeacherID:          s.TeacherID,
		State:              string(s.State),
		Currency:           s.Currency,
		LockedAmount:       s.LockedAmount.Amount,
		RatePerMinute:      s.RatePerMinute.Amount,
		FreePreviewSeconds: s.FreePreviewSeconds,
		ReservationID:      s.ReservationID,
		AuthorizedAt:       s.AuthorizedAt,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		CancelledAt:        s.CancelledAt,
		MaxDurationSeconds: int64(s.MaxDuration / time.Second),
		Checkpoints:        toCheckpointModels(s.Checkpoints),
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if !s.CourseID.IsNil() {
		m.CourseID = s.CourseID.String()
	}
	return m
}

func fromSessionModel(m *sessionModel) (*session.Session, error) {
	sessionID, err := id.ParseSessionID(m.ID)
	if err != nil {
		return nil, err
	}
	s := &session.Session{
		ID:                 sessionID,
		StudentID:          m.StudentID,
		TeacherID:          m.TeacherID,
		State:              session.State(m.State),
		Currency:           m.Currency,
		LockedAmount:       types.In(m.Currency, m.LockedAmount),
		RatePerMinute:      types.In(m.Currency, m.RatePerMinute),
		FreePreviewSeconds: m.FreePreviewSeconds,
		ReservationID:      m.ReservationID,
		AuthorizedAt:       m.AuthorizedAt,
		StartedAt:          m.StartedAt,
		EndedAt:            m.EndedAt,
		CancelledAt:        m.CancelledAt,
		MaxDuration:        time.Duration(m.MaxDurationSeconds) * time.Second,
		Checkpoints:        fromCheckpointModels(m.Checkpoints),
		Metadata:           m.Metadata,
	}
	if m.CourseID != "" {
		if s.CourseID, err = id.ParseCourseID(m.CourseID); err != nil {
			return nil, err
		}
	}
	s.CreatedAt = m.CreatedAt
	s.UpdatedAt = m.UpdatedAt
	return s, nil
}

type settlementModel struct {
	ID               string            `bson:"_id"`
	SessionID        string            `bson:"session_id"`
	StudentID        string            `bson:"student_id"`
	TeacherID        string            `bson:"teacher_id"`
	BillableSeconds  int64             `bson:"billable_seconds"`
	ElapsedMinutes   float64           `bson:"elapsed_minutes"`
	Currency         string            `bson:"currency"`
	LockedAmount     int64             `bson:"locked_amount"`
	AmountCharged    int64             `bson:"amount_charged"`
	AmountRefunded   int64             `bson:"amount_refunded"`
	TeacherPaid      bool              `bson:"teacher_paid"`
	SettlementMethod string            `bson:"settlement_method"`
	PayoutAttempts   int               `bson:"payout_attempts"`
	PaidAt           *time.Time        `bson:"paid_at,omitempty"`
	SettledAt        time.Time         `bson:"settled_at"`
	Checkpoints      []checkpointModel `bson:"checkpoints,omitempty"`
	CreatedAt        time.Time         `bson:"created_at"`
	UpdatedAt        time.Time         `bson:"updated_at"`
}

func toSettlementModel(rec *settlement.Record) *settlementModel {
	return &settlementModel{
		ID:               rec.ID.String(),
		SessionID:        rec.SessionID.String(),
		StudentID:        rec.StudentID,
		TeacherID:        rec.TeacherID,
		BillableSeconds:  rec.BillableSeconds,
		ElapsedMinutes:   rec.ElapsedMinutes,
		Currency:         rec.LockedAmount.Currency,
		LockedAmount:     rec.LockedAmount.Amount,
		AmountCharged:    rec.AmountCharged.Amount,
		AmountRefunded:   rec.AmountRefunded.Amount,
		TeacherPaid:      rec.TeacherPaid,
		SettlementMethod: rec.SettlementMethod,
		PayoutAttempts:   rec.PayoutAttempts,
		PaidAt:           rec.PaidAt,
		SettledAt:        rec.SettledAt,
		Checkpoints:      toCheckpointModels(rec.Checkpoints),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func fromSettlementModel(m *settlementModel) (*settlement.Record, error) {
	settlementID, err := id.ParseSettlementID(m.ID)
	if err != nil {
		return nil, err
	}
	sessionID, err := id.ParseSessionID(m.SessionID)
	if err != nil {
		return nil, err
	}
	rec := &settlement.Record{
		ID:               settlementID,
		SessionID:        sessionID,
		StudentID:        m.StudentID,
		TeacherID:        m.TeacherID,
		BillableSeconds:  m.BillableSeconds,
		ElapsedMinutes:   m.ElapsedMinutes,
		LockedAmount:     types.In(m.Currency, m.LockedAmount),
		AmountCharged:    types.In(m.Currency, m.AmountCharged),
		AmountRefunded:   types.In(m.Currency, m.AmountRefunded),
		TeacherPaid:      m.TeacherPaid,
		SettlementMethod: m.SettlementMethod,
		PayoutAttempts:   m.PayoutAttempts,
		PaidAt:           m.PaidAt,
		SettledAt:        m.SettledAt,
		Checkpoints:      fromCheckpointModels(m.Checkpoints),
	}
	rec.CreatedAt = m.CreatedAt
	rec.UpdatedAt = m.UpdatedAt
	return rec, nil
}

type progressModel struct {
	ID             string    `bson:"_id"`
	SessionID      string    `bson:"session_id"`
	ElapsedSeconds int64     `bson:"elapsed_seconds"`
	ReportedAt     time.Time `bson:"reported_at"`
}

type classificationModel struct {
	Side     string `bson:"side"`
	OneLiner string `bson:"one_liner"`
	Model    string `bson:"model,omitempty"`
}

type reviewModel struct {
	ID             string               `bson:"_id"`
	SessionID      string               `bson:"session_id"`
	CourseID       string               `bson:"course_id,omitempty"`
	StudentID      string               `bson:"student_id"`
	TeacherID      string               `bson:"teacher_id"`
	Stars          int                  `bson:"stars"`
	Comment        string               `bson:"comment"`
	Credibility    float64              `bson:"credibility"`
	Classification *classificationModel `bson:"classification,omitempty"`
	CreatedAt      time.Time            `bson:"created_at"`
	UpdatedAt      time.Time            `bson:"updated_at"`
}

func toReviewModel(r *review.Review) *reviewModel {
	m := &reviewModel{
		ID:          r.ID.String(),
		SessionID:   r.SessionID.String(),
		StudentID:   r.StudentID,
		TeacherID:   r.TeacherID,
		Stars:       r.Stars,
		Comment:     r.Comment,
		Credibility: r.Credibility,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if !r.CourseID.IsNil() {
		m.CourseID = r.CourseID.String()
	}
	if r.Class != nil {
		m.Classification = &classificationModel{
			Side:     string(r.Class.Side),
			OneLiner: r.Class.OneLiner,
			Model:    r.Class.Model,
		}
	}
	return m
}

func fromReviewModel(m *reviewModel) (*review.Review, error) {
	reviewID, err := id.ParseReviewID(m.ID)
	if err != nil {
		return nil, err
	}
	sessionID, err := id.ParseSessionID(m.SessionID)
	if err != nil {
		return nil, err
	}
	r := &review.Review{
		ID:          reviewID,
		SessionID:   sessionID,
		StudentID:   m.StudentID,
		TeacherID:   m.TeacherID,
		Stars:       m.Stars,
		Comment:     m.Comment,
		Credibility: m.Credibility,
	}
	if m.CourseID != "" {
		if r.CourseID, err = id.ParseCourseID(m.CourseID); err != nil {
			return nil, err
		}
	}
	if m.Classification != nil {
		r.Class = &review.Classification{
			Side:     review.Side(m.Classification.Side),
			OneLiner: m.Classification.OneLiner,
			Model:    m.Classification.Model,
		}
	}
	r.CreatedAt = m.CreatedAt
	r.UpdatedAt = m.UpdatedAt
	return r, nil
}

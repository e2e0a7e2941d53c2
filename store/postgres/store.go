// Package postgres implements the store interface on PostgreSQL using
// pgx. Session state transitions ride on conditional UPDATEs so the
// compare-and-set guarantee is enforced by the database, not by callers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	tallystore "github.com/murphlabs/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses the URL, builds a tuned pool, and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tally/postgres: ping: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.pool)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Course methods

const courseColumns = `id, teacher_id, title, description, topic, skill_level,
	currency, rate_per_minute, free_preview_seconds, estimated_minutes, status,
	checkpoints, metadata, created_at, updated_at`

func (s *Store) CreateCourse(ctx context.Context, c *course.Course) error {
	checkpoints, err := marshalJSON(c.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tally_courses (id, teacher_id, title, description, topic,
			skill_level, currency, rate_per_minute, free_preview_seconds,
			estimated_minutes, status, checkpoints, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID.String(), c.TeacherID, c.Title, c.Description, c.Topic,
		c.SkillLevel, c.Currency, c.RatePerMinute.Amount, c.FreePreviewSeconds,
		c.EstimatedMinutes, c.Status, checkpoints, metadata, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*course.Course, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM tally_courses WHERE id = $1`,
		courseID.String(),
	)
	c, err := scanCourse(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tally.ErrCourseNotFound
	}
	return c, err
}

func (s *Store) ListCourses(ctx context.Context, opts course.ListOpts) ([]*course.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM tally_courses WHERE 1=1`
	var args []any
	if opts.TeacherID != "" {
		args = append(args, opts.TeacherID)
		query += fmt.Sprintf(" AND teacher_id = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.Topic != "" {
		args = append(args, opts.Topic)
		query += fmt.Sprintf(" AND topic = $%d", len(args))
	}
	if opts.SkillLevel != "" {
		args = append(args, opts.SkillLevel)
		query += fmt.Sprintf(" AND skill_level = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*course.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCourse(ctx context.Context, c *course.Course) error {
	checkpoints, err := marshalJSON(c.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata, "{}")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_courses SET
			title = $2, description = $3, topic = $4, skill_level = $5,
			currency = $6, rate_per_minute = $7, free_preview_seconds = $8,
			estimated_minutes = $9, status = $10, checkpoints = $11,
			metadata = $12, updated_at = NOW()
		WHERE id = $1`,
		c.ID.String(), c.Title, c.Description, c.Topic, c.SkillLevel,
		c.Currency, c.RatePerMinute.Amount, c.FreePreviewSeconds,
		c.EstimatedMinutes, c.Status, checkpoints, metadata,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrCourseNotFound
	}
	return nil
}

func (s *Store) ArchiveCourse(ctx context.Context, courseID id.CourseID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tally_courses SET status = $2, updated_at = NOW() WHERE id = $1`,
		courseID.String(), course.StatusArchived,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrCourseNotFound
	}
	return nil
}

// Session methods

const sessionColumns = `id, course_id, student_id, teacher_id, state, currency,
	locked_amount, rate_per_minute, free_preview_seconds, reservation_id,
	authorized_at, started_at, ended_at, cancelled_at, max_duration_seconds,
	checkpoints, metadata, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	checkpoints, err := marshalJSON(sess.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(sess.Metadata, "{}")
	if err != nil {
		return err
	}
	courseID := ""
	if !sess.CourseID.IsNil() {
		courseID = sess.CourseID.String()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tally_sessions (id, course_id, student_id, teacher_id, state,
			currency, locked_amount, rate_per_minute, free_preview_seconds,
			reservation_id, authorized_at, started_at, ended_at, cancelled_at,
			max_duration_seconds, checkpoints, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		sess.ID.String(), courseID, sess.StudentID, sess.TeacherID, sess.State,
		sess.Currency, sess.LockedAmount.Amount, sess.RatePerMinute.Amount,
		sess.FreePreviewSeconds, sess.ReservationID, sess.AuthorizedAt,
		sess.StartedAt, sess.EndedAt, sess.CancelledAt,
		int64(sess.MaxDuration/time.Second), checkpoints, metadata,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM tally_sessions WHERE id = $1`,
		sessionID.String(),
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tally.ErrSessionNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM tally_sessions WHERE 1=1`
	var args []any
	if opts.StudentID != "" {
		args = append(args, opts.StudentID)
		query += fmt.Sprintf(" AND student_id = $%d", len(args))
	}
	if opts.TeacherID != "" {
		args = append(args, opts.TeacherID)
		query += fmt.Sprintf(" AND teacher_id = $%d", len(args))
	}
	if !opts.CourseID.IsNil() {
		args = append(args, opts.CourseID.String())
		query += fmt.Sprintf(" AND course_id = $%d", len(args))
	}
	if opts.State != "" {
		args = append(args, opts.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	return s.ListSessions(ctx, session.ListOpts{State: session.StateActive})
}

// transitionErr maps a failed conditional UPDATE to the precise conflict
// sentinel by re-reading the current state.
func (s *Store) transitionErr(ctx context.Context, sessionID id.SessionID, want session.State) error {
	var state session.State
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM tally_sessions WHERE id = $1`, sessionID.String(),
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return tally.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	switch state {
	case session.StateActive:
		if want == session.StateActive {
			return tally.ErrSessionAlreadyActive
		}
		return tally.ErrSessionNotAuthorized
	case session.StateCancelled:
		return tally.ErrSessionAlreadyCancelled
	case session.StateSettled:
		if want == session.StateSettled {
			return tally.ErrSessionNotActive
		}
		return tally.ErrSessionAlreadySettled
	default:
		if want == session.StateSettled {
			return tally.ErrSessionNotActive
		}
		return tally.ErrSessionNotAuthorized
	}
}

func (s *Store) ActivateSession(ctx context.Context, sessionID id.SessionID, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_sessions
		SET state = $2, started_at = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4`,
		sessionID.String(), session.StateActive, startedAt, session.StateAuthorized,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, sessionID, session.StateActive)
	}
	return nil
}

func (s *Store) CancelSession(ctx context.Context, sessionID id.SessionID, cancelledAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_sessions
		SET state = $2, cancelled_at = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4`,
		sessionID.String(), session.StateCancelled, cancelledAt, session.StateAuthorized,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, sessionID, session.StateCancelled)
	}
	return nil
}

// SettleSession performs the state flip and the record insert in one
// transaction. The conditional UPDATE is the settlement race's single
// arbiter: only the caller whose UPDATE touches a row commits a record.
func (s *Store) SettleSession(ctx context.Context, sessionID id.SessionID, rec *settlement.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin settle: %v", tally.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE tally_sessions
		SET state = $2, ended_at = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4`,
		sessionID.String(), session.StateSettled, rec.SettledAt, session.StateActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, sessionID, session.StateSettled)
	}

	checkpoints, err := marshalJSON(rec.Checkpoints, "[]")
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tally_settlements (id, session_id, student_id, teacher_id,
			billable_seconds, elapsed_minutes, currency, locked_amount,
			amount_charged, amount_refunded, teacher_paid, settlement_method,
			payout_attempts, paid_at, settled_at, checkpoints, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID.String(), rec.SessionID.String(), rec.StudentID, rec.TeacherID,
		rec.BillableSeconds, rec.ElapsedMinutes, rec.LockedAmount.Currency,
		rec.LockedAmount.Amount, rec.AmountCharged.Amount, rec.AmountRefunded.Amount,
		rec.TeacherPaid, rec.SettlementMethod, rec.PayoutAttempts,
		rec.PaidAt, rec.SettledAt, checkpoints, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit settle: %v", tally.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) CompleteCheckpoint(ctx context.Context, sessionID id.SessionID, seq, score, total int, at time.Time) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cp := sess.FindCheckpoint(seq)
	if cp == nil {
		return tally.ErrNotFound
	}
	cp.Completed = true
	cp.Score = score
	cp.TotalQuestions = total
	cp.CompletedAt = &at

	checkpoints, err := marshalJSON(sess.Checkpoints, "[]")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tally_sessions SET checkpoints = $2, updated_at = NOW() WHERE id = $1`,
		sessionID.String(), checkpoints,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrSessionNotFound
	}
	return nil
}

// Settlement methods

const settlementColumns = `id, session_id, student_id, teacher_id,
	billable_seconds, elapsed_minutes, currency, locked_amount, amount_charged,
	amount_refunded, teacher_paid, settlement_method, payout_attempts, paid_at,
	settled_at, checkpoints, created_at, updated_at`

func (s *Store) GetSettlement(ctx context.Context, sessionID id.SessionID) (*settlement.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM tally_settlements WHERE session_id = $1`,
		sessionID.String(),
	)
	rec, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tally.ErrSettlementNotFound
	}
	return rec, err
}

func (s *Store) ListSettlementsByTeacher(ctx context.Context, teacherID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	query := `SELECT ` + settlementColumns + ` FROM tally_settlements WHERE teacher_id = $1`
	args := []any{teacherID}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		query += fmt.Sprintf(" AND settled_at >= $%d", len(args))
	}
	query += " ORDER BY settled_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*settlement.Record
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListUnpaidSettlements(ctx context.Context, limit int) ([]*settlement.Record, error) {
	query := `SELECT ` + settlementColumns + ` FROM tally_settlements
		WHERE NOT teacher_paid AND amount_charged > 0
		ORDER BY settled_at ASC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*settlement.Record
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkTeacherPaid(ctx context.Context, settlementID id.SettlementID, paidAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_settlements
		SET teacher_paid = TRUE, paid_at = $2, updated_at = NOW()
		WHERE id = $1`,
		settlementID.String(), paidAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrSettlementNotFound
	}
	return nil
}

func (s *Store) RecordPayoutAttempt(ctx context.Context, settlementID id.SettlementID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_settlements
		SET payout_attempts = payout_attempts + 1, updated_at = NOW()
		WHERE id = $1`,
		settlementID.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrSettlementNotFound
	}
	return nil
}

// Progress methods

func (s *Store) InsertProgressBatch(ctx context.Context, reports []*session.ProgressReport) error {
	if len(reports) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(reports))
	for _, rep := range reports {
		rows = append(rows, []any{
			rep.ID.String(), rep.SessionID.String(), rep.ElapsedSeconds, rep.ReportedAt,
		})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"tally_progress"},
		[]string{"id", "session_id", "elapsed_seconds", "reported_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (s *Store) QueryProgress(ctx context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error) {
	query := `SELECT id, session_id, elapsed_seconds, reported_at
		FROM tally_progress WHERE session_id = $1`
	args := []any{sessionID.String()}
	if !opts.Start.IsZero() {
		args = append(args, opts.Start)
		query += fmt.Sprintf(" AND reported_at >= $%d", len(args))
	}
	if !opts.End.IsZero() {
		args = append(args, opts.End)
		query += fmt.Sprintf(" AND reported_at <= $%d", len(args))
	}
	query += " ORDER BY reported_at ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.ProgressReport
	for rows.Next() {
		var (
			rep        session.ProgressReport
			rawID      string
			rawSession string
		)
		if err := rows.Scan(&rawID, &rawSession, &rep.ElapsedSeconds, &rep.ReportedAt); err != nil {
			return nil, err
		}
		if rep.ID, err = id.ParseProgressID(rawID); err != nil {
			return nil, err
		}
		if rep.SessionID, err = id.ParseSessionID(rawSession); err != nil {
			return nil, err
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

// Review methods

const reviewColumns = `id, session_id, course_id, student_id, teacher_id,
	stars, comment, credibility, classification, created_at, updated_at`

func (s *Store) CreateReview(ctx context.Context, r *review.Review) error {
	class, err := marshalJSON(r.Class, "null")
	if err != nil {
		return err
	}
	courseID := ""
	if !r.CourseID.IsNil() {
		courseID = r.CourseID.String()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tally_reviews (id, session_id, course_id, student_id,
			teacher_id, stars, comment, credibility, classification,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID.String(), r.SessionID.String(), courseID, r.StudentID,
		r.TeacherID, r.Stars, r.Comment, r.Credibility, class,
		r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return tally.ErrReviewExists
	}
	return err
}

func (s *Store) GetReviewBySession(ctx context.Context, sessionID id.SessionID) (*review.Review, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM tally_reviews WHERE session_id = $1`,
		sessionID.String(),
	)
	r, err := scanReview(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tally.ErrReviewNotFound
	}
	return r, err
}

func (s *Store) ListReviewsByTeacher(ctx context.Context, teacherID string, opts review.ListOpts) ([]*review.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM tally_reviews WHERE teacher_id = $1`
	args := []any{teacherID}
	if opts.OnlyCredible {
		query += " AND credibility >= 60"
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*review.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetReviewClassification(ctx context.Context, reviewID id.ReviewID, class *review.Classification) error {
	payload, err := marshalJSON(class, "null")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tally_reviews SET classification = $2, updated_at = NOW() WHERE id = $1`,
		reviewID.String(), payload,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrReviewNotFound
	}
	return nil
}

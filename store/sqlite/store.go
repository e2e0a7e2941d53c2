// Package sqlite implements the store interface on SQLite via the pure-Go
// modernc.org driver. It suits single-node deployments and integration
// tests that want durability without a server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	tallystore "github.com/murphlabs/tally/store"
	"github.com/murphlabs/tally/types"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the database file. SQLite allows one writer at a
// time, so the pool is pinned to a single connection; the busy timeout
// covers transient contention from concurrent readers.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return New(db), nil
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS tally_courses (
    id                   TEXT PRIMARY KEY,
    teacher_id           TEXT NOT NULL DEFAULT '',
    title                TEXT NOT NULL DEFAULT '',
    description          TEXT NOT NULL DEFAULT '',
    topic                TEXT NOT NULL DEFAULT '',
    skill_level          TEXT NOT NULL DEFAULT '',
    currency             TEXT NOT NULL DEFAULT 'usd',
    rate_per_minute      INTEGER NOT NULL DEFAULT 0,
    free_preview_seconds INTEGER NOT NULL DEFAULT 10,
    estimated_minutes    INTEGER NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'draft',
    checkpoints          TEXT NOT NULL DEFAULT '[]',
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tally_courses_teacher ON tally_courses (teacher_id);

CREATE TABLE IF NOT EXISTS tally_sessions (
    id                   TEXT PRIMARY KEY,
    course_id            TEXT NOT NULL DEFAULT '',
    student_id           TEXT NOT NULL DEFAULT '',
    teacher_id           TEXT NOT NULL DEFAULT '',
    state                TEXT NOT NULL DEFAULT 'authorized',
    currency             TEXT NOT NULL DEFAULT 'usd',
    locked_amount        INTEGER NOT NULL DEFAULT 0,
    rate_per_minute      INTEGER NOT NULL DEFAULT 0,
    free_preview_seconds INTEGER NOT NULL DEFAULT 10,
    reservation_id       TEXT NOT NULL DEFAULT '',
    authorized_at        TEXT NOT NULL,
    started_at           TEXT,
    ended_at             TEXT,
    cancelled_at         TEXT,
    max_duration_seconds INTEGER NOT NULL DEFAULT 0,
    checkpoints          TEXT NOT NULL DEFAULT '[]',
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tally_sessions_state ON tally_sessions (state);
CREATE INDEX IF NOT EXISTS idx_tally_sessions_student ON tally_sessions (student_id);
CREATE INDEX IF NOT EXISTS idx_tally_sessions_teacher ON tally_sessions (teacher_id);

CREATE TABLE IF NOT EXISTS tally_settlements (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL UNIQUE,
    student_id        TEXT NOT NULL DEFAULT '',
    teacher_id        TEXT NOT NULL DEFAULT '',
    billable_seconds  INTEGER NOT NULL DEFAULT 0,
    elapsed_minutes   REAL NOT NULL DEFAULT 0,
    currency          TEXT NOT NULL DEFAULT 'usd',
    locked_amount     INTEGER NOT NULL DEFAULT 0,
    amount_charged    INTEGER NOT NULL DEFAULT 0,
    amount_refunded   INTEGER NOT NULL DEFAULT 0,
    teacher_paid      INTEGER NOT NULL DEFAULT 0,
    settlement_method TEXT NOT NULL DEFAULT '',
    payout_attempts   INTEGER NOT NULL DEFAULT 0,
    paid_at           TEXT,
    settled_at        TEXT NOT NULL,
    checkpoints       TEXT NOT NULL DEFAULT '[]',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tally_settlements_teacher ON tally_settlements (teacher_id, settled_at);

CREATE TABLE IF NOT EXISTS tally_progress (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    elapsed_seconds INTEGER NOT NULL DEFAULT 0,
    reported_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tally_progress_session ON tally_progress (session_id, reported_at);

CREATE TABLE IF NOT EXISTS tally_reviews (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL UNIQUE,
    course_id      TEXT NOT NULL DEFAULT '',
    student_id     TEXT NOT NULL DEFAULT '',
    teacher_id     TEXT NOT NULL DEFAULT '',
    stars          INTEGER NOT NULL DEFAULT 0,
    comment        TEXT NOT NULL DEFAULT '',
    credibility    REAL NOT NULL DEFAULT 0,
    classification TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tally_reviews_teacher ON tally_reviews (teacher_id, created_at);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %v", tally.ErrMigrationFailed, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Time codecs. SQLite has no native timestamp type; RFC3339Nano strings
// sort correctly and round-trip without precision loss.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Course methods

func (s *Store) CreateCourse(ctx context.Context, c *course.Course) error {
	checkpoints, err := encodeJSON(c.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tally_courses (id, teacher_id, title, description, topic,
			skill_level, currency, rate_per_minute, free_preview_seconds,
			estimated_minutes, status, checkpoints, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID.String(), c.TeacherID, c.Title, c.Description, c.Topic,
		c.SkillLevel, c.Currency, c.RatePerMinute.Amount, c.FreePreviewSeconds,
		c.EstimatedMinutes, string(c.Status), checkpoints, metadata,
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

const courseColumns = `id, teacher_id, title, description, topic, skill_level,
	currency, rate_per_minute, free_preview_seconds, estimated_minutes, status,
	checkpoints, metadata, created_at, updated_at`

func scanCourse(row interface{ Scan(...any) error }) (*course.Course, error) {
	var (
		c                    course.Course
		rawID                string
		rate                 int64
		checkpoints          string
		metadata             string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&rawID, &c.TeacherID, &c.Title, &c.Description, &c.Topic, &c.SkillLevel,
		&c.Currency, &rate, &c.FreePreviewSeconds, &c.EstimatedMinutes, &c.Status,
		&checkpoints, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.ID, err = id.ParseCourseID(rawID); err != nil {
		return nil, err
	}
	c.RatePerMinute = types.In(c.Currency, rate)
	if err := json.Unmarshal([]byte(checkpoints), &c.Checkpoints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*course.Course, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM tally_courses WHERE id = ?`, courseID.String())
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrCourseNotFound
	}
	return c, err
}

func (s *Store) ListCourses(ctx context.Context, opts course.ListOpts) ([]*course.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM tally_courses WHERE 1=1`
	var args []any
	if opts.TeacherID != "" {
		query += " AND teacher_id = ?"
		args = append(args, opts.TeacherID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Topic != "" {
		query += " AND topic = ?"
		args = append(args, opts.Topic)
	}
	if opts.SkillLevel != "" {
		query += " AND skill_level = ?"
		args = append(args, opts.SkillLevel)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	checkpoints, err := encodeJSON(c.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tally_courses SET
			title = ?, description = ?, topic = ?, skill_level = ?, currency = ?,
			rate_per_minute = ?, free_preview_seconds = ?, estimated_minutes = ?,
			status = ?, checkpoints = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Description, c.Topic, c.SkillLevel, c.Currency,
		c.RatePerMinute.Amount, c.FreePreviewSeconds, c.EstimatedMinutes,
		string(c.Status), checkpoints, metadata, encodeTime(time.Now()),
		c.ID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrCourseNotFound)
}

func (s *Store) ArchiveCourse(ctx context.Context, courseID id.CourseID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tally_courses SET status = ?, updated_at = ? WHERE id = ?`,
		string(course.StatusArchived), encodeTime(time.Now()), courseID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrCourseNotFound)
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Session methods

const sessionColumns = `id, course_id, student_id, teacher_id, state, currency,
	locked_amount, rate_per_minute, free_preview_seconds, reservation_id,
	authorized_at, started_at, ended_at, cancelled_at, max_duration_seconds,
	checkpoints, metadata, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		sess                           session.Session
		rawID, rawCourse               string
		locked, rate, maxDuration      int64
		authorizedAt                   string
		startedAt, endedAt, cancelledAt sql.NullString
		checkpoints, metadata          string
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&rawID, &rawCourse, &sess.StudentID, &sess.TeacherID, &sess.State,
		&sess.Currency, &locked, &rate, &sess.FreePreviewSeconds,
		&sess.ReservationID, &authorizedAt, &startedAt, &endedAt, &cancelledAt,
		&maxDuration, &checkpoints, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sess.ID, err = id.ParseSessionID(rawID); err != nil {
		return nil, err
	}
	if rawCourse != "" {
		if sess.CourseID, err = id.ParseCourseID(rawCourse); err != nil {
			return nil, err
		}
	}
	sess.LockedAmount = types.In(sess.Currency, locked)
	sess.RatePerMinute = types.In(sess.Currency, rate)
	sess.MaxDuration = time.Duration(maxDuration) * time.Second
	if sess.AuthorizedAt, err = decodeTime(authorizedAt); err != nil {
		return nil, err
	}
	if sess.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if sess.EndedAt, err = decodeTimePtr(endedAt); err != nil {
		return nil, err
	}
	if sess.CancelledAt, err = decodeTimePtr(cancelledAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checkpoints), &sess.Checkpoints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	checkpoints, err := encodeJSON(sess.Checkpoints, "[]")
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(sess.Metadata, "{}")
	if err != nil {
		return err
	}
	courseID := ""
	if !sess.CourseID.IsNil() {
		courseID = sess.CourseID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tally_sessions (id, course_id, student_id, teacher_id, state,
			currency, locked_amount, rate_per_minute, free_preview_seconds,
			reservation_id, authorized_at, started_at, ended_at, cancelled_at,
			max_duration_seconds, checkpoints, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID.String(), courseID, sess.StudentID, sess.TeacherID,
		string(sess.State), sess.Currency, sess.LockedAmount.Amount,
		sess.RatePerMinute.Amount, sess.FreePreviewSeconds, sess.ReservationID,
		encodeTime(sess.AuthorizedAt), encodeTimePtr(sess.StartedAt),
		encodeTimePtr(sess.EndedAt), encodeTimePtr(sess.CancelledAt),
		int64(sess.MaxDuration/time.Second), checkpoints, metadata,
		encodeTime(sess.CreatedAt), encodeTime(sess.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM tally_sessions WHERE id = ?`, sessionID.String())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrSessionNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM tally_sessions WHERE 1=1`
	var args []any
	if opts.StudentID != "" {
		query += " AND student_id = ?"
		args = append(args, opts.StudentID)
	}
	if opts.TeacherID != "" {
		query += " AND teacher_id = ?"
		args = append(args, opts.TeacherID)
	}
	if !opts.CourseID.IsNil() {
		query += " AND course_id = ?"
		args = append(args, opts.CourseID.String())
	}
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *Store) transitionErr(ctx context.Context, sessionID id.SessionID, want session.State) error {
	var state session.State
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM tally_sessions WHERE id = ?`, sessionID.String(),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE tally_sessions
		SET state = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(session.StateActive), encodeTime(startedAt), encodeTime(time.Now()),
		sessionID.String(), string(session.StateAuthorized),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionErr(ctx, sessionID, session.StateActive)
	}
	return nil
}

func (s *Store) CancelSession(ctx context.Context, sessionID id.SessionID, cancelledAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tally_sessions
		SET state = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(session.StateCancelled), encodeTime(cancelledAt), encodeTime(time.Now()),
		sessionID.String(), string(session.StateAuthorized),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionErr(ctx, sessionID, session.StateCancelled)
	}
	return nil
}

func (s *Store) SettleSession(ctx context.Context, sessionID id.SessionID, rec *settlement.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin settle: %v", tally.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tally_sessions
		SET state = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(session.StateSettled), encodeTime(rec.SettledAt), encodeTime(time.Now()),
		sessionID.String(), string(session.StateActive),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionErr(ctx, sessionID, session.StateSettled)
	}

	checkpoints, err := encodeJSON(rec.Checkpoints, "[]")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tally_settlements (id, session_id, student_id, teacher_id,
			billable_seconds, elapsed_minutes, currency, locked_amount,
			amount_charged, amount_refunded, teacher_paid, settlement_method,
			payout_attempts, paid_at, settled_at, checkpoints, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(), rec.SessionID.String(), rec.StudentID, rec.TeacherID,
		rec.BillableSeconds, rec.ElapsedMinutes, rec.LockedAmount.Currency,
		rec.LockedAmount.Amount, rec.AmountCharged.Amount, rec.AmountRefunded.Amount,
		rec.TeacherPaid, rec.SettlementMethod, rec.PayoutAttempts,
		encodeTimePtr(rec.PaidAt), encodeTime(rec.SettledAt), checkpoints,
		encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
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

	checkpoints, err := encodeJSON(sess.Checkpoints, "[]")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tally_sessions SET checkpoints = ?, updated_at = ? WHERE id = ?`,
		checkpoints, encodeTime(time.Now()), sessionID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrSessionNotFound)
}

// Settlement methods

const settlementColumns = `id, session_id, student_id, teacher_id,
	billable_seconds, elapsed_minutes, currency, locked_amount, amount_charged,
	amount_refunded, teacher_paid, settlement_method, payout_attempts, paid_at,
	settled_at, checkpoints, created_at, updated_at`

func scanSettlement(row interface{ Scan(...any) error }) (*settlement.Record, error) {
	var (
		rec                      settlement.Record
		rawID, rawSession        string
		currency                 string
		locked, charged, refunded int64
		paidAt                   sql.NullString
		settledAt                string
		checkpoints              string
		createdAt, updatedAt     string
	)
	err := row.Scan(
		&rawID, &rawSession, &rec.StudentID, &rec.TeacherID,
		&rec.BillableSeconds, &rec.ElapsedMinutes, &currency,
		&locked, &charged, &refunded, &rec.TeacherPaid, &rec.SettlementMethod,
		&rec.PayoutAttempts, &paidAt, &settledAt, &checkpoints,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = id.ParseSettlementID(rawID); err != nil {
		return nil, err
	}
	if rec.SessionID, err = id.ParseSessionID(rawSession); err != nil {
		return nil, err
	}
	rec.LockedAmount = types.In(currency, locked)
	rec.AmountCharged = types.In(currency, charged)
	rec.AmountRefunded = types.In(currency, refunded)
	if rec.PaidAt, err = decodeTimePtr(paidAt); err != nil {
		return nil, err
	}
	if rec.SettledAt, err = decodeTime(settledAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checkpoints), &rec.Checkpoints); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, sessionID id.SessionID) (*settlement.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM tally_settlements WHERE session_id = ?`,
		sessionID.String())
	rec, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrSettlementNotFound
	}
	return rec, err
}

func (s *Store) ListSettlementsByTeacher(ctx context.Context, teacherID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	query := `SELECT ` + settlementColumns + ` FROM tally_settlements WHERE teacher_id = ?`
	args := []any{teacherID}
	if !opts.Since.IsZero() {
		query += " AND settled_at >= ?"
		args = append(args, encodeTime(opts.Since))
	}
	query += " ORDER BY settled_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		WHERE teacher_paid = 0 AND amount_charged > 0
		ORDER BY settled_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE tally_settlements
		SET teacher_paid = 1, paid_at = ?, updated_at = ?
		WHERE id = ?`,
		encodeTime(paidAt), encodeTime(time.Now()), settlementID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrSettlementNotFound)
}

func (s *Store) RecordPayoutAttempt(ctx context.Context, settlementID id.SettlementID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tally_settlements
		SET payout_attempts = payout_attempts + 1, updated_at = ?
		WHERE id = ?`,
		encodeTime(time.Now()), settlementID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrSettlementNotFound)
}

// Progress methods

func (s *Store) InsertProgressBatch(ctx context.Context, reports []*session.ProgressReport) error {
	if len(reports) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin progress batch: %v", tally.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tally_progress (id, session_id, elapsed_seconds, reported_at)
		VALUES (?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rep := range reports {
		if _, err := stmt.ExecContext(ctx,
			rep.ID.String(), rep.SessionID.String(), rep.ElapsedSeconds,
			encodeTime(rep.ReportedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) QueryProgress(ctx context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error) {
	query := `SELECT id, session_id, elapsed_seconds, reported_at
		FROM tally_progress WHERE session_id = ?`
	args := []any{sessionID.String()}
	if !opts.Start.IsZero() {
		query += " AND reported_at >= ?"
		args = append(args, encodeTime(opts.Start))
	}
	if !opts.End.IsZero() {
		query += " AND reported_at <= ?"
		args = append(args, encodeTime(opts.End))
	}
	query += " ORDER BY reported_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.ProgressReport
	for rows.Next() {
		var (
			rep               session.ProgressReport
			rawID, rawSession string
			reportedAt        string
		)
		if err := rows.Scan(&rawID, &rawSession, &rep.ElapsedSeconds, &reportedAt); err != nil {
			return nil, err
		}
		if rep.ID, err = id.ParseProgressID(rawID); err != nil {
			return nil, err
		}
		if rep.SessionID, err = id.ParseSessionID(rawSession); err != nil {
			return nil, err
		}
		if rep.ReportedAt, err = decodeTime(reportedAt); err != nil {
			return nil, err
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

// Review methods

const reviewColumns = `id, session_id, course_id, student_id, teacher_id,
	stars, comment, credibility, classification, created_at, updated_at`

func scanReview(row interface{ Scan(...any) error }) (*review.Review, error) {
	var (
		r                           review.Review
		rawID, rawSession, rawCourse string
		class                       sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(
		&rawID, &rawSession, &rawCourse, &r.StudentID, &r.TeacherID,
		&r.Stars, &r.Comment, &r.Credibility, &class, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.ID, err = id.ParseReviewID(rawID); err != nil {
		return nil, err
	}
	if r.SessionID, err = id.ParseSessionID(rawSession); err != nil {
		return nil, err
	}
	if rawCourse != "" {
		if r.CourseID, err = id.ParseCourseID(rawCourse); err != nil {
			return nil, err
		}
	}
	if class.Valid && class.String != "null" {
		if err := json.Unmarshal([]byte(class.String), &r.Class); err != nil {
			return nil, err
		}
	}
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateReview(ctx context.Context, r *review.Review) error {
	class, err := encodeJSON(r.Class, "null")
	if err != nil {
		return err
	}
	courseID := ""
	if !r.CourseID.IsNil() {
		courseID = r.CourseID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tally_reviews (id, session_id, course_id, student_id,
			teacher_id, stars, comment, credibility, classification,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.SessionID.String(), courseID, r.StudentID,
		r.TeacherID, r.Stars, r.Comment, r.Credibility, class,
		encodeTime(r.CreatedAt), encodeTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tally.ErrReviewExists
	}
	return err
}

func (s *Store) GetReviewBySession(ctx context.Context, sessionID id.SessionID) (*review.Review, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM tally_reviews WHERE session_id = ?`,
		sessionID.String())
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrReviewNotFound
	}
	return r, err
}

func (s *Store) ListReviewsByTeacher(ctx context.Context, teacherID string, opts review.ListOpts) ([]*review.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM tally_reviews WHERE teacher_id = ?`
	args := []any{teacherID}
	if opts.OnlyCredible {
		query += " AND credibility >= 60"
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	payload, err := encodeJSON(class, "null")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tally_reviews SET classification = ?, updated_at = ? WHERE id = ?`,
		payload, encodeTime(time.Now()), reviewID.String(),
	)
	if err != nil {
		return err
	}
	return mustAffect(res, tally.ErrReviewNotFound)
}

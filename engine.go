package tally

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/murphlabs/tally/assist"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/earnings"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/plugin"
	"github.com/murphlabs/tally/rail"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/store"
	"github.com/murphlabs/tally/types"
)

// Engine is the metering and settlement engine. It owns the session
// lifecycle, derives every charge from its own clock readings, and keeps
// the conservation identity charged + refunded == locked on every
// settlement it writes.
type Engine struct {
	store   store.Store
	rail    rail.Service
	assist  assist.Gateway
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time

	// Background workers
	progressBuffer chan *session.ProgressReport
	stopChan       chan struct{}
	wg             sync.WaitGroup

	// Configuration
	progressBatchSize     int
	progressFlushInterval time.Duration
	sweepInterval         time.Duration
	payoutRetryInterval   time.Duration
	payoutRetryBatch      int
	authorizeTTL          time.Duration
}

// New creates an Engine on the given store and money rail.
func New(s store.Store, r rail.Service, opts ...Option) *Engine {
	e := &Engine{
		store:                 s,
		rail:                  r,
		assist:                assist.NewFixture(),
		plugins:               plugin.NewRegistry(),
		logger:                slog.Default(),
		now:                   time.Now,
		progressBuffer:        make(chan *session.ProgressReport, 10000),
		stopChan:              make(chan struct{}),
		progressBatchSize:     100,
		progressFlushInterval: 5 * time.Second,
		sweepInterval:         30 * time.Second,
		payoutRetryInterval:   time.Minute,
		payoutRetryBatch:      50,
		authorizeTTL:          15 * time.Minute,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithAssist sets the LLM gateway used for chat and review classification.
func WithAssist(g assist.Gateway) Option {
	return func(e *Engine) {
		e.assist = g
	}
}

// WithProgressConfig configures progress-report batching.
func WithProgressConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.progressBatchSize = batchSize
		e.progressFlushInterval = flushInterval
	}
}

// WithSweepInterval sets how often the idle sweep runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = interval
	}
}

// WithPayoutRetry configures the payout retry worker.
func WithPayoutRetry(interval time.Duration, batch int) Option {
	return func(e *Engine) {
		e.payoutRetryInterval = interval
		e.payoutRetryBatch = batch
	}
}

// WithAuthorizeTTL sets how long an authorized session may sit without
// activating before the sweep cancels it and releases the hold.
func WithAuthorizeTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.authorizeTTL = ttl
	}
}

// WithClock overrides the engine's clock. Tests use it to move billing
// time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	e.wg.Add(3)
	go e.progressFlushWorker(ctx)
	go e.sweepWorker(ctx)
	go e.payoutRetryWorker(ctx)

	e.logger.Info("engine started",
		"progress_batch_size", e.progressBatchSize,
		"sweep_interval", e.sweepInterval,
		"payout_retry_interval", e.payoutRetryInterval,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Course Management
// ──────────────────────────────────────────────────

// CreateCourse registers a teacher's offering.
func (e *Engine) CreateCourse(ctx context.Context, c *course.Course) error {
	if c.TeacherID == "" {
		return ValidationError{Field: "teacher_id", Message: "must not be empty"}
	}
	if c.Title == "" {
		return ValidationError{Field: "title", Message: "must not be empty"}
	}
	if !c.RatePerMinute.IsPositive() {
		return ValidationError{Field: "rate_per_minute", Message: "must be positive"}
	}
	if c.EstimatedMinutes <= 0 {
		return ValidationError{Field: "estimated_minutes", Message: "must be positive"}
	}
	if c.ID.IsNil() {
		c.ID = id.NewCourseID()
	}
	if c.Currency == "" {
		c.Currency = c.RatePerMinute.Currency
	}
	if c.FreePreviewSeconds < 0 {
		return ValidationError{Field: "free_preview_seconds", Message: "must not be negative"}
	}
	if c.Status == "" {
		c.Status = course.StatusActive
	}
	c.Entity = types.NewEntity()

	return e.store.CreateCourse(ctx, c)
}

// GetCourse retrieves a course by ID.
func (e *Engine) GetCourse(ctx context.Context, courseID id.CourseID) (*course.Course, error) {
	return e.store.GetCourse(ctx, courseID)
}

// ListCourses lists courses matching the filter.
func (e *Engine) ListCourses(ctx context.Context, opts course.ListOpts) ([]*course.Course, error) {
	return e.store.ListCourses(ctx, opts)
}

// UpdateCourse replaces a course's mutable fields. Running sessions keep
// the terms they were authorized with.
func (e *Engine) UpdateCourse(ctx context.Context, c *course.Course) error {
	if !c.RatePerMinute.IsPositive() {
		return ValidationError{Field: "rate_per_minute", Message: "must be positive"}
	}
	return e.store.UpdateCourse(ctx, c)
}

// ArchiveCourse takes a course off the catalog. Existing sessions are
// unaffected.
func (e *Engine) ArchiveCourse(ctx context.Context, courseID id.CourseID) error {
	return e.store.ArchiveCourse(ctx, courseID)
}

// ──────────────────────────────────────────────────
// Session Lifecycle
// ──────────────────────────────────────────────────

// AuthorizeParams are the terms fixed at authorization time.
type AuthorizeParams struct {
	StudentID     string
	TeacherID     string
	CourseID      id.CourseID
	LockedAmount  types.Money
	RatePerMinute types.Money
	// FreePreviewSeconds is taken literally; zero means billing starts
	// at activation.
	FreePreviewSeconds int
	MaxDuration        time.Duration
	Checkpoints        []session.EngagementCheckpoint
	Metadata           map[string]string
}

func (p *AuthorizeParams) validate() error {
	if p.StudentID == "" {
		return ValidationError{Field: "student_id", Message: "must not be empty"}
	}
	if p.TeacherID == "" {
		return ValidationError{Field: "teacher_id", Message: "must not be empty"}
	}
	if !p.LockedAmount.IsPositive() {
		return ValidationError{Field: "locked_amount", Message: "must be positive"}
	}
	if !p.RatePerMinute.IsPositive() {
		return ValidationError{Field: "rate_per_minute", Message: "must be positive"}
	}
	if p.LockedAmount.Currency != p.RatePerMinute.Currency {
		return ValidationError{Field: "rate_per_minute", Message: "currency must match locked_amount"}
	}
	if p.FreePreviewSeconds < 0 {
		return ValidationError{Field: "free_preview_seconds", Message: "must not be negative"}
	}
	return nil
}

// Authorize locks the student's funds and creates a session in the
// authorized state. No billing happens until Activate.
func (e *Engine) Authorize(ctx context.Context, params AuthorizeParams) (*session.Session, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	res, err := e.rail.Reserve(ctx, params.StudentID, params.LockedAmount)
	if err != nil {
		if errors.Is(err, rail.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	sess := &session.Session{
		Entity:             types.NewEntity(),
		ID:                 id.NewSessionID(),
		CourseID:           params.CourseID,
		StudentID:          params.StudentID,
		TeacherID:          params.TeacherID,
		State:              session.StateAuthorized,
		Currency:           params.LockedAmount.Currency,
		LockedAmount:       params.LockedAmount,
		RatePerMinute:      params.RatePerMinute,
		FreePreviewSeconds: params.FreePreviewSeconds,
		ReservationID:      res.ID,
		AuthorizedAt:       e.now(),
		MaxDuration:        params.MaxDuration,
		Checkpoints:        params.Checkpoints,
		Metadata:           params.Metadata,
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		// The hold must not outlive a session that never existed.
		if relErr := e.rail.Release(ctx, res.ID, params.LockedAmount); relErr != nil {
			e.logger.Error("failed to release reservation after create failure",
				"reservation_id", res.ID, "error", relErr)
		}
		return nil, err
	}

	e.plugins.EmitSessionAuthorized(ctx, sess)
	e.logger.Info("session authorized",
		"session_id", sess.ID,
		"student_id", sess.StudentID,
		"locked", sess.LockedAmount,
	)
	return sess, nil
}

// Activate starts the billing clock. Idempotent conflicts surface as
// ErrSessionAlreadyActive.
func (e *Engine) Activate(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	if err := e.store.ActivateSession(ctx, sessionID, e.now()); err != nil {
		return nil, err
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSessionActivated(ctx, sess)
	e.logger.Info("session activated", "session_id", sess.ID)
	return sess, nil
}

// StartParams starts a session against a catalog course.
type StartParams struct {
	CourseID  id.CourseID
	StudentID string
	Metadata  map[string]string
}

// StartSession authorizes against the course's terms and immediately
// activates. The lock covers the course's full estimated duration at its
// per-minute rate.
func (e *Engine) StartSession(ctx context.Context, params StartParams) (*session.Session, error) {
	if params.StudentID == "" {
		return nil, ValidationError{Field: "student_id", Message: "must not be empty"}
	}
	c, err := e.store.GetCourse(ctx, params.CourseID)
	if err != nil {
		return nil, err
	}
	if c.Status != course.StatusActive {
		return nil, ErrCourseArchived
	}

	checkpoints := make([]session.EngagementCheckpoint, 0, len(c.Checkpoints))
	for _, spec := range c.Checkpoints {
		checkpoints = append(checkpoints, session.EngagementCheckpoint{
			Seq:            spec.Seq,
			OffsetSeconds:  spec.OffsetSeconds,
			TotalQuestions: spec.TotalQuestions,
		})
	}

	sess, err := e.Authorize(ctx, AuthorizeParams{
		StudentID:          params.StudentID,
		TeacherID:          c.TeacherID,
		CourseID:           c.ID,
		LockedAmount:       c.MaxLock(),
		RatePerMinute:      c.RatePerMinute,
		FreePreviewSeconds: c.FreePreviewSeconds,
		MaxDuration:        time.Duration(c.EstimatedMinutes) * time.Minute,
		Checkpoints:        checkpoints,
		Metadata:           params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return e.Activate(ctx, sess.ID)
}

// End settles an active session: one accrual computation fixes the charge
// and the refund, the compare-and-set flip makes it stick, and the money
// movements follow the committed record. Calling End on an already
// settled session returns the stored record unchanged, so retries and
// concurrent racers all observe identical figures.
func (e *Engine) End(ctx context.Context, sessionID id.SessionID) (*settlement.Record, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.State {
	case session.StateSettled:
		return e.store.GetSettlement(ctx, sessionID)
	case session.StateCancelled:
		return nil, ErrSessionAlreadyCancelled
	case session.StateAuthorized:
		return nil, ErrSessionNotActive
	}

	now := e.now()
	billable := sess.BillableSeconds(now)
	charged := sess.Accrue(now)
	refunded := sess.LockedAmount.Subtract(charged)

	rec := &settlement.Record{
		Entity:           types.NewEntity(),
		ID:               id.NewSettlementID(),
		SessionID:        sess.ID,
		StudentID:        sess.StudentID,
		TeacherID:        sess.TeacherID,
		BillableSeconds:  billable,
		ElapsedMinutes:   settlement.Minutes(billable),
		LockedAmount:     sess.LockedAmount,
		AmountCharged:    charged,
		AmountRefunded:   refunded,
		SettlementMethod: e.rail.Method(),
		SettledAt:        now,
		Checkpoints:      sess.Checkpoints,
	}

	if err := e.store.SettleSession(ctx, sessionID, rec); err != nil {
		if errors.Is(err, ErrSessionNotActive) {
			// Lost the race: the winner's record is authoritative.
			if stored, getErr := e.store.GetSettlement(ctx, sessionID); getErr == nil {
				return stored, nil
			}
		}
		return nil, err
	}

	// The record is committed; money movement failures are logged and
	// retried out of band, never unwound.
	if refunded.IsPositive() {
		if err := e.rail.Release(ctx, sess.ReservationID, refunded); err != nil {
			e.logger.Error("refund release failed",
				"session_id", sess.ID, "amount", refunded, "error", err)
		}
	}
	if charged.IsPositive() {
		if err := e.rail.Capture(ctx, sess.ReservationID, charged); err != nil {
			e.logger.Error("capture failed",
				"session_id", sess.ID, "amount", charged, "error", err)
		}
		e.payTeacher(ctx, rec)
	}

	e.plugins.EmitSessionSettled(ctx, sess, rec)
	e.logger.Info("session settled",
		"session_id", sess.ID,
		"billable_seconds", billable,
		"charged", charged,
		"refunded", refunded,
		"teacher_paid", rec.TeacherPaid,
	)
	return rec, nil
}

// payTeacher attempts the teacher-side transfer for a committed record. A
// failure is non-fatal; the retry worker picks the record up later with
// the identical amount.
func (e *Engine) payTeacher(ctx context.Context, rec *settlement.Record) {
	if err := e.store.RecordPayoutAttempt(ctx, rec.ID); err != nil {
		e.logger.Error("failed to record payout attempt",
			"settlement_id", rec.ID, "error", err)
	}
	rec.PayoutAttempts++

	err := e.rail.Payout(ctx, rec.TeacherID, rec.AmountCharged, rec.ID.String())
	if err != nil {
		e.logger.Warn("teacher payout failed, leaving for retry",
			"settlement_id", rec.ID,
			"teacher_id", rec.TeacherID,
			"amount", rec.AmountCharged,
			"error", err,
		)
		e.plugins.EmitPayoutFailed(ctx, rec, err)
		return
	}

	paidAt := e.now()
	if err := e.store.MarkTeacherPaid(ctx, rec.ID, paidAt); err != nil {
		e.logger.Error("payout succeeded but MarkTeacherPaid failed",
			"settlement_id", rec.ID, "error", err)
		return
	}
	rec.TeacherPaid = true
	rec.PaidAt = &paidAt
}

// CancelBeforeStart cancels an authorized session and releases the full
// hold. No settlement record is written; nothing was consumed.
func (e *Engine) CancelBeforeStart(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := e.store.CancelSession(ctx, sessionID, e.now()); err != nil {
		return nil, err
	}

	if err := e.rail.Release(ctx, sess.ReservationID, sess.LockedAmount); err != nil {
		e.logger.Error("failed to release hold on cancel",
			"session_id", sess.ID, "reservation_id", sess.ReservationID, "error", err)
	}

	sess, err = e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSessionCancelled(ctx, sess)
	e.logger.Info("session cancelled before start", "session_id", sess.ID)
	return sess, nil
}

// GetSession retrieves a session by ID.
func (e *Engine) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// ListSessions lists sessions matching the filter.
func (e *Engine) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	return e.store.ListSessions(ctx, opts)
}

// SessionStatus is a point-in-time view of a session's accrual.
type SessionStatus struct {
	Session         *session.Session `json:"session"`
	BillableSeconds int64            `json:"billable_seconds"`
	AccruedCost     types.Money      `json:"accrued_cost"`
	Remaining       types.Money      `json:"remaining"`
	CapReached      bool             `json:"cap_reached"`
}

// Status recomputes the current accrual from stored timestamps. For a
// settled session the figures come from the settlement record, so the
// answer never drifts after the fact.
func (e *Engine) Status(ctx context.Context, sessionID id.SessionID) (*SessionStatus, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.State == session.StateSettled {
		rec, err := e.store.GetSettlement(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &SessionStatus{
			Session:         sess,
			BillableSeconds: rec.BillableSeconds,
			AccruedCost:     rec.AmountCharged,
			Remaining:       rec.AmountRefunded,
			CapReached:      rec.AmountCharged.Equal(rec.LockedAmount),
		}, nil
	}

	now := e.now()
	cost := sess.Accrue(now)
	return &SessionStatus{
		Session:         sess,
		BillableSeconds: sess.BillableSeconds(now),
		AccruedCost:     cost,
		Remaining:       sess.LockedAmount.Subtract(cost),
		CapReached:      sess.CapReached(now),
	}, nil
}

// ──────────────────────────────────────────────────
// Progress and Checkpoints
// ──────────────────────────────────────────────────

// ReportProgress buffers a client elapsed-time hint. It is non-blocking:
// when the buffer is full the report is dropped with an error rather
// than stalling the caller. Hints never influence billing.
func (e *Engine) ReportProgress(ctx context.Context, sessionID id.SessionID, elapsedSeconds int64) error {
	if elapsedSeconds < 0 {
		return ValidationError{Field: "elapsed_seconds", Message: "must not be negative"}
	}
	rep := &session.ProgressReport{
		ID:             id.NewProgressID(),
		SessionID:      sessionID,
		ElapsedSeconds: elapsedSeconds,
		ReportedAt:     e.now(),
	}
	select {
	case e.progressBuffer <- rep:
		return nil
	default:
		return ErrProgressBufferFull
	}
}

// CompleteCheckpoint durably marks a quiz gate as passed.
func (e *Engine) CompleteCheckpoint(ctx context.Context, sessionID id.SessionID, seq, score, total int) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.StateActive {
		return ErrSessionNotActive
	}
	if err := e.store.CompleteCheckpoint(ctx, sessionID, seq, score, total, e.now()); err != nil {
		return err
	}
	e.plugins.EmitCheckpointCompleted(ctx, sess, seq)
	return nil
}

// QueryProgress returns buffered hints already flushed to the store.
func (e *Engine) QueryProgress(ctx context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error) {
	return e.store.QueryProgress(ctx, sessionID, opts)
}

// ──────────────────────────────────────────────────
// Reviews
// ──────────────────────────────────────────────────

// ReviewParams carries the student's submission for a settled session.
type ReviewParams struct {
	SessionID id.SessionID
	Stars     int
	Comment   string

	// TimeToExitSeconds is how long after playback stopped the student
	// submitted; quick exits lower credibility.
	TimeToExitSeconds int64

	// PriorReviews is how many reviews this student has already written.
	PriorReviews int
}

// AttachReview records a review against a settled session, scores its
// credibility from how the session was actually consumed, and kicks off
// async classification. Reviews never alter settled money.
func (e *Engine) AttachReview(ctx context.Context, params ReviewParams) (*review.Review, error) {
	if params.Stars < 1 || params.Stars > 5 {
		return nil, ErrInvalidStars
	}

	sess, err := e.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StateSettled {
		return nil, ErrReviewBeforeSettled
	}
	rec, err := e.store.GetSettlement(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	sig := review.SessionSignal{
		DurationMinutes:   rec.ElapsedMinutes,
		CompletionPercent: e.completionPercent(ctx, sess, rec),
		TimeToExitSeconds: params.TimeToExitSeconds,
		PriorReviews:      params.PriorReviews,
		SubmittedAt:       e.now(),
	}

	r := &review.Review{
		Entity:      types.NewEntity(),
		ID:          id.NewReviewID(),
		SessionID:   sess.ID,
		CourseID:    sess.CourseID,
		StudentID:   sess.StudentID,
		TeacherID:   sess.TeacherID,
		Stars:       params.Stars,
		Comment:     params.Comment,
		Credibility: review.CredibilityScore(sig),
	}
	if err := e.store.CreateReview(ctx, r); err != nil {
		return nil, err
	}

	e.classifyReviewAsync(r, sig)
	return r, nil
}

// completionPercent derives how much of the course the session covered.
// Without a course to measure against it falls back to the max-duration
// terms on the session itself.
func (e *Engine) completionPercent(ctx context.Context, sess *session.Session, rec *settlement.Record) float64 {
	var estimated float64
	if !sess.CourseID.IsNil() {
		if c, err := e.store.GetCourse(ctx, sess.CourseID); err == nil && c.EstimatedMinutes > 0 {
			estimated = float64(c.EstimatedMinutes)
		}
	}
	if estimated == 0 && sess.MaxDuration > 0 {
		estimated = sess.MaxDuration.Minutes()
	}
	if estimated == 0 {
		return 0
	}
	pct := rec.ElapsedMinutes / estimated * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// classifyReviewAsync runs the LLM classifier off the request path. The
// review is readable immediately; the tag lands when the model answers.
func (e *Engine) classifyReviewAsync(r *review.Review, sig review.SessionSignal) {
	// The caller keeps r; this goroutine works on its own copy and never
	// writes through the shared pointer.
	rc := *r

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		class, err := e.assist.ClassifyReview(ctx, &rc, sig)
		if err != nil {
			e.logger.Warn("review classification failed",
				"review_id", rc.ID, "error", err)
			return
		}
		if err := e.store.SetReviewClassification(ctx, rc.ID, class); err != nil {
			e.logger.Error("failed to store review classification",
				"review_id", rc.ID, "error", err)
			return
		}
		rc.Class = class
		e.plugins.EmitReviewClassified(ctx, &rc)
	}()
}

// GetReview retrieves the review for a session.
func (e *Engine) GetReview(ctx context.Context, sessionID id.SessionID) (*review.Review, error) {
	return e.store.GetReviewBySession(ctx, sessionID)
}

// ──────────────────────────────────────────────────
// Earnings and Chat
// ──────────────────────────────────────────────────

// TeacherEarnings aggregates a teacher's settled income and review
// standing over the window.
func (e *Engine) TeacherEarnings(ctx context.Context, teacherID string, since time.Time) (*earnings.Summary, error) {
	if teacherID == "" {
		return nil, ValidationError{Field: "teacher_id", Message: "must not be empty"}
	}
	records, err := e.store.ListSettlementsByTeacher(ctx, teacherID, settlement.ListOpts{Since: since})
	if err != nil {
		return nil, err
	}
	reviews, err := e.store.ListReviewsByTeacher(ctx, teacherID, review.ListOpts{})
	if err != nil {
		return nil, err
	}
	return earnings.Compute(teacherID, records, reviews), nil
}

// Chat proxies a learning-assistant exchange through the gateway.
func (e *Engine) Chat(ctx context.Context, prompt string, history []assist.Message) (string, error) {
	if prompt == "" {
		return "", ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	return e.assist.Complete(ctx, prompt, history)
}

// ──────────────────────────────────────────────────
// Background Workers
// ──────────────────────────────────────────────────

// progressFlushWorker batch-persists buffered progress hints.
func (e *Engine) progressFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*session.ProgressReport, 0, e.progressBatchSize)
	ticker := time.NewTicker(e.progressFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Final flush
			if len(batch) > 0 {
				e.flushProgressBatch(ctx, batch)
			}
			return

		case rep := <-e.progressBuffer:
			batch = append(batch, rep)
			if len(batch) >= e.progressBatchSize {
				e.flushProgressBatch(ctx, batch)
				batch = make([]*session.ProgressReport, 0, e.progressBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushProgressBatch(ctx, batch)
				batch = make([]*session.ProgressReport, 0, e.progressBatchSize)
			}
		}
	}
}

func (e *Engine) flushProgressBatch(ctx context.Context, batch []*session.ProgressReport) {
	start := time.Now()

	if err := e.store.InsertProgressBatch(ctx, batch); err != nil {
		e.logger.Error("failed to flush progress batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.plugins.EmitProgressFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed progress batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// sweepWorker ends sessions that hit their cap or outlived their maximum
// duration, and cancels authorized sessions that never activated.
func (e *Engine) sweepWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.now()

	active, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		e.logger.Error("sweep: list active sessions failed", "error", err)
	}
	for _, sess := range active {
		if !sess.CapReached(now) && !sess.Expired(now) {
			continue
		}
		if _, err := e.End(ctx, sess.ID); err != nil {
			e.logger.Error("sweep: force-end failed",
				"session_id", sess.ID, "error", err)
			continue
		}
		e.logger.Info("sweep: force-ended session",
			"session_id", sess.ID,
			"cap_reached", sess.CapReached(now),
			"expired", sess.Expired(now),
		)
	}

	stale, err := e.store.ListSessions(ctx, session.ListOpts{State: session.StateAuthorized})
	if err != nil {
		e.logger.Error("sweep: list authorized sessions failed", "error", err)
		return
	}
	for _, sess := range stale {
		if now.Sub(sess.AuthorizedAt) < e.authorizeTTL {
			continue
		}
		if _, err := e.CancelBeforeStart(ctx, sess.ID); err != nil {
			e.logger.Error("sweep: cancel stale authorization failed",
				"session_id", sess.ID, "error", err)
			continue
		}
		e.logger.Info("sweep: cancelled stale authorization", "session_id", sess.ID)
	}
}

// payoutRetryWorker re-attempts failed teacher payouts with the identical
// amounts, keyed by settlement id so the rail can deduplicate.
func (e *Engine) payoutRetryWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.payoutRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.retryPayouts(ctx)
		}
	}
}

func (e *Engine) retryPayouts(ctx context.Context) {
	records, err := e.store.ListUnpaidSettlements(ctx, e.payoutRetryBatch)
	if err != nil {
		e.logger.Error("payout retry: list unpaid failed", "error", err)
		return
	}
	for _, rec := range records {
		if err := e.store.RecordPayoutAttempt(ctx, rec.ID); err != nil {
			e.logger.Error("payout retry: record attempt failed",
				"settlement_id", rec.ID, "error", err)
		}
		if err := e.rail.Payout(ctx, rec.TeacherID, rec.AmountCharged, rec.ID.String()); err != nil {
			e.logger.Warn("payout retry failed",
				"settlement_id", rec.ID,
				"attempts", rec.PayoutAttempts+1,
				"error", err,
			)
			continue
		}
		if err := e.store.MarkTeacherPaid(ctx, rec.ID, e.now()); err != nil {
			e.logger.Error("payout retry: MarkTeacherPaid failed",
				"settlement_id", rec.ID, "error", err)
			continue
		}
		e.plugins.EmitPayoutRecovered(ctx, rec)
		e.logger.Info("payout recovered",
			"settlement_id", rec.ID,
			"teacher_id", rec.TeacherID,
			"amount", rec.AmountCharged,
		)
	}
}

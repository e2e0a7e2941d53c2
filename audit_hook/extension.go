// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// any particular audit backend. Callers inject a RecorderFunc adapter
// that bridges to their trail at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/murphlabs/tally/plugin"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnSessionAuthorized   = (*Extension)(nil)
	_ plugin.OnSessionActivated    = (*Extension)(nil)
	_ plugin.OnSessionSettled      = (*Extension)(nil)
	_ plugin.OnSessionCancelled    = (*Extension)(nil)
	_ plugin.OnCheckpointCompleted = (*Extension)(nil)
	_ plugin.OnPayoutFailed        = (*Extension)(nil)
	_ plugin.OnPayoutRecovered     = (*Extension)(nil)
	_ plugin.OnProgressFlushed     = (*Extension)(nil)
	_ plugin.OnReviewClassified    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so that the audit_hook package does not import
// a concrete trail implementation; callers inject one at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionAuthorized implements plugin.OnSessionAuthorized.
func (e *Extension) OnSessionAuthorized(ctx context.Context, sess interface{}) error {
	id, kv := sessionFields(sess)
	return e.record(ctx, ActionSessionAuthorized, SeverityInfo, OutcomeSuccess,
		ResourceSession, id, CategoryBilling, nil, kv...)
}

// OnSessionActivated implements plugin.OnSessionActivated.
func (e *Extension) OnSessionActivated(ctx context.Context, sess interface{}) error {
	id, kv := sessionFields(sess)
	return e.record(ctx, ActionSessionActivated, SeverityInfo, OutcomeSuccess,
		ResourceSession, id, CategoryBilling, nil, kv...)
}

// OnSessionSettled implements plugin.OnSessionSettled.
func (e *Extension) OnSessionSettled(ctx context.Context, sess, record interface{}) error {
	id, kv := sessionFields(sess)
	if rec, ok := record.(*settlement.Record); ok {
		kv = append(kv,
			"settlement_id", rec.ID.String(),
			"charged", rec.AmountCharged.String(),
			"refunded", rec.AmountRefunded.String(),
		)
	}
	return e.record(ctx, ActionSessionSettled, SeverityInfo, OutcomeSuccess,
		ResourceSession, id, CategoryBilling, nil, kv...)
}

// OnSessionCancelled implements plugin.OnSessionCancelled.
func (e *Extension) OnSessionCancelled(ctx context.Context, sess interface{}) error {
	id, kv := sessionFields(sess)
	return e.record(ctx, ActionSessionCancelled, SeverityInfo, OutcomeSuccess,
		ResourceSession, id, CategoryBilling, nil, kv...)
}

// OnCheckpointCompleted implements plugin.OnCheckpointCompleted.
func (e *Extension) OnCheckpointCompleted(ctx context.Context, sess interface{}, seq int) error {
	id, kv := sessionFields(sess)
	kv = append(kv, "sequence", seq)
	return e.record(ctx, ActionCheckpointCompleted, SeverityInfo, OutcomeSuccess,
		ResourceSession, id, CategoryEngagement, nil, kv...)
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutFailed implements plugin.OnPayoutFailed.
func (e *Extension) OnPayoutFailed(ctx context.Context, record interface{}, err error) error {
	id, kv := recordFields(record)
	return e.record(ctx, ActionPayoutFailed, SeverityError, OutcomeFailure,
		ResourceSettlement, id, CategoryPayment, err, kv...)
}

// OnPayoutRecovered implements plugin.OnPayoutRecovered.
func (e *Extension) OnPayoutRecovered(ctx context.Context, record interface{}) error {
	id, kv := recordFields(record)
	return e.record(ctx, ActionPayoutRecovered, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, id, CategoryPayment, nil, kv...)
}

// ──────────────────────────────────────────────────
// Progress and review hooks
// ──────────────────────────────────────────────────

// OnProgressFlushed implements plugin.OnProgressFlushed.
func (e *Extension) OnProgressFlushed(ctx context.Context, count int, elapsed time.Duration) error {
	return e.record(ctx, ActionProgressFlushed, SeverityInfo, OutcomeSuccess,
		ResourceProgress, "", CategoryEngagement, nil,
		"count", count,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnReviewClassified implements plugin.OnReviewClassified.
func (e *Extension) OnReviewClassified(ctx context.Context, rev interface{}) error {
	var (
		id string
		kv []any
	)
	if r, ok := rev.(*review.Review); ok {
		id = r.ID.String()
		kv = append(kv,
			"session_id", r.SessionID.String(),
			"stars", r.Stars,
			"credible", r.Credible(),
		)
		if r.Class != nil {
			kv = append(kv, "side", string(r.Class.Side))
		}
	}
	return e.record(ctx, ActionReviewClassified, SeverityInfo, OutcomeSuccess,
		ResourceReview, id, CategoryEngagement, nil, kv...)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func sessionFields(sess interface{}) (string, []any) {
	s, ok := sess.(*session.Session)
	if !ok {
		return "", nil
	}
	return s.ID.String(), []any{
		"course_id", s.CourseID.String(),
		"student_id", s.StudentID,
		"state", string(s.State),
	}
}

func recordFields(record interface{}) (string, []any) {
	rec, ok := record.(*settlement.Record)
	if !ok {
		return "", nil
	}
	return rec.ID.String(), []any{
		"session_id", rec.SessionID.String(),
		"teacher_id", rec.TeacherID,
		"charged", rec.AmountCharged.String(),
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

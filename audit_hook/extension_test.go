package audithook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/types"
)

func capture(events *[]*AuditEvent) Recorder {
	return RecorderFunc(func(_ context.Context, evt *AuditEvent) error {
		*events = append(*events, evt)
		return nil
	})
}

func TestSessionHooksEmitEvents(t *testing.T) {
	var events []*AuditEvent
	ext := New(capture(&events))

	sess := &session.Session{
		ID:        id.NewSessionID(),
		CourseID:  id.NewCourseID(),
		StudentID: "student-1",
		State:     session.StateActive,
	}

	if err := ext.OnSessionActivated(context.Background(), sess); err != nil {
		t.Fatalf("OnSessionActivated: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	evt := events[0]
	if evt.Action != ActionSessionActivated {
		t.Errorf("Action = %q, want %q", evt.Action, ActionSessionActivated)
	}
	if evt.Resource != ResourceSession {
		t.Errorf("Resource = %q, want %q", evt.Resource, ResourceSession)
	}
	if evt.ResourceID != sess.ID.String() {
		t.Errorf("ResourceID = %q, want %q", evt.ResourceID, sess.ID)
	}
	if evt.Metadata["student_id"] != "student-1" {
		t.Errorf("student_id metadata = %v", evt.Metadata["student_id"])
	}
}

func TestSettledHookIncludesMonetaryFigures(t *testing.T) {
	var events []*AuditEvent
	ext := New(capture(&events))

	rec := &settlement.Record{
		ID:             id.NewSettlementID(),
		SessionID:      id.NewSessionID(),
		TeacherID:      "teacher-1",
		LockedAmount:   types.USD(3000),
		AmountCharged:  types.USD(100),
		AmountRefunded: types.USD(2900),
	}

	if err := ext.OnSessionSettled(context.Background(), &session.Session{ID: rec.SessionID}, rec); err != nil {
		t.Fatalf("OnSessionSettled: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Metadata["settlement_id"] != rec.ID.String() {
		t.Errorf("settlement_id metadata = %v", events[0].Metadata["settlement_id"])
	}
	if events[0].Metadata["charged"] != types.USD(100).String() {
		t.Errorf("charged metadata = %v", events[0].Metadata["charged"])
	}
}

func TestPayoutFailureCarriesReason(t *testing.T) {
	var events []*AuditEvent
	ext := New(capture(&events))

	rec := &settlement.Record{ID: id.NewSettlementID(), SessionID: id.NewSessionID()}
	if err := ext.OnPayoutFailed(context.Background(), rec, errors.New("rail unavailable")); err != nil {
		t.Fatalf("OnPayoutFailed: %v", err)
	}

	evt := events[0]
	if evt.Severity != SeverityError || evt.Outcome != OutcomeFailure {
		t.Errorf("severity/outcome = %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Reason != "rail unavailable" {
		t.Errorf("Reason = %q", evt.Reason)
	}
}

func TestDisabledActionsAreSkipped(t *testing.T) {
	var events []*AuditEvent
	ext := New(capture(&events), WithDisabledActions(ActionProgressFlushed))

	if err := ext.OnProgressFlushed(context.Background(), 5, time.Millisecond); err != nil {
		t.Fatalf("OnProgressFlushed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("disabled action recorded %d events", len(events))
	}

	if err := ext.OnSessionCancelled(context.Background(), &session.Session{ID: id.NewSessionID()}); err != nil {
		t.Fatalf("OnSessionCancelled: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("enabled action not recorded")
	}
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	ext := New(RecorderFunc(func(context.Context, *AuditEvent) error {
		return errors.New("sink down")
	}))

	if err := ext.OnSessionAuthorized(context.Background(), &session.Session{ID: id.NewSessionID()}); err != nil {
		t.Errorf("hook surfaced recorder error: %v", err)
	}
}

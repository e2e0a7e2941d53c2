package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/store/memory"
	"github.com/murphlabs/tally/types"
)

func newTestSession() *session.Session {
	return &session.Session{
		Entity:             types.NewEntity(),
		ID:                 id.NewSessionID(),
		CourseID:           id.NewCourseID(),
		StudentID:          "student_1",
		TeacherID:          "teacher_1",
		State:              session.StateAuthorized,
		Currency:           "usd",
		LockedAmount:       types.USD(3000),
		RatePerMinute:      types.USD(50),
		FreePreviewSeconds: 10,
		AuthorizedAt:       time.Now(),
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	sess := newTestSession()
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, sess); !errors.Is(err, tally.ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	start := time.Now()
	if err := s.ActivateSession(ctx, sess.ID, start); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	if err := s.ActivateSession(ctx, sess.ID, start); !errors.Is(err, tally.ErrSessionAlreadyActive) {
		t.Fatalf("second activate: got %v, want ErrSessionAlreadyActive", err)
	}

	// Cancel is only legal before playback starts.
	if err := s.CancelSession(ctx, sess.ID, time.Now()); !errors.Is(err, tally.ErrSessionNotAuthorized) {
		t.Fatalf("cancel active: got %v, want ErrSessionNotAuthorized", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != session.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, start)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	sess := newTestSession()
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CancelSession(ctx, sess.ID, time.Now()); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if err := s.CancelSession(ctx, sess.ID, time.Now()); !errors.Is(err, tally.ErrSessionAlreadyCancelled) {
		t.Fatalf("second cancel: got %v, want ErrSessionAlreadyCancelled", err)
	}
	if err := s.ActivateSession(ctx, sess.ID, time.Now()); !errors.Is(err, tally.ErrSessionAlreadyCancelled) {
		t.Fatalf("activate cancelled: got %v, want ErrSessionAlreadyCancelled", err)
	}
}

func TestSettleSessionAtomicity(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	sess := newTestSession()
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.ActivateSession(ctx, sess.ID, time.Now().Add(-5*time.Minute)); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}

	rec := &settlement.Record{
		Entity:           types.NewEntity(),
		ID:               id.NewSettlementID(),
		SessionID:        sess.ID,
		StudentID:        sess.StudentID,
		TeacherID:        sess.TeacherID,
		BillableSeconds:  290,
		ElapsedMinutes:   4.83,
		LockedAmount:     types.USD(3000),
		AmountCharged:    types.USD(242),
		AmountRefunded:   types.USD(2758),
		SettlementMethod: "OFF_RAMP_MOCK",
		SettledAt:        time.Now(),
	}
	if err := s.SettleSession(ctx, sess.ID, rec); err != nil {
		t.Fatalf("SettleSession: %v", err)
	}

	// Session state and record must be visible together.
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != session.StateSettled {
		t.Fatalf("state = %s, want settled", got.State)
	}
	stored, err := s.GetSettlement(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if !stored.Balanced() {
		t.Fatalf("stored record not balanced: charged=%s refunded=%s locked=%s",
			stored.AmountCharged, stored.AmountRefunded, stored.LockedAmount)
	}

	if err := s.SettleSession(ctx, sess.ID, rec); !errors.Is(err, tally.ErrSessionNotActive) {
		t.Fatalf("second settle: got %v, want ErrSessionNotActive", err)
	}
}

func TestConcurrentSettleSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	sess := newTestSession()
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.ActivateSession(ctx, sess.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan id.SettlementID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &settlement.Record{
				Entity:         types.NewEntity(),
				ID:             id.NewSettlementID(),
				SessionID:      sess.ID,
				LockedAmount:   types.USD(3000),
				AmountCharged:  types.USD(50),
				AmountRefunded: types.USD(2950),
				SettledAt:      time.Now(),
			}
			if err := s.SettleSession(ctx, sess.ID, rec); err == nil {
				wins <- rec.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []id.SettlementID
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("settle winners = %d, want exactly 1", len(winners))
	}

	stored, err := s.GetSettlement(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if stored.ID != winners[0] {
		t.Fatalf("stored record %s is not the winner's %s", stored.ID, winners[0])
	}
}

func TestGetSessionReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	sess := newTestSession()
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	got.State = session.StateSettled

	again, _ := s.GetSession(ctx, sess.ID)
	if again.State != session.StateAuthorized {
		t.Fatalf("caller mutation leaked into store: state = %s", again.State)
	}
}

func TestUnpaidSettlementListing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	paidAt := time.Now()
	for i, paid := range []bool{false, true, false} {
		sess := newTestSession()
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := s.ActivateSession(ctx, sess.ID, time.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("ActivateSession: %v", err)
		}
		rec := &settlement.Record{
			Entity:         types.NewEntity(),
			ID:             id.NewSettlementID(),
			SessionID:      sess.ID,
			TeacherID:      sess.TeacherID,
			LockedAmount:   types.USD(3000),
			AmountCharged:  types.USD(100 * int64(i+1)),
			AmountRefunded: types.USD(3000 - 100*int64(i+1)),
			SettledAt:      time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.SettleSession(ctx, sess.ID, rec); err != nil {
			t.Fatalf("SettleSession: %v", err)
		}
		if paid {
			if err := s.MarkTeacherPaid(ctx, rec.ID, paidAt); err != nil {
				t.Fatalf("MarkTeacherPaid: %v", err)
			}
		}
	}

	unpaid, err := s.ListUnpaidSettlements(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnpaidSettlements: %v", err)
	}
	if len(unpaid) != 2 {
		t.Fatalf("unpaid = %d, want 2", len(unpaid))
	}
	for _, rec := range unpaid {
		if rec.TeacherPaid {
			t.Fatalf("record %s listed as unpaid but TeacherPaid is set", rec.ID)
		}
	}
}

func TestCourseArchive(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	c := &course.Course{
		Entity:             types.NewEntity(),
		ID:                 id.NewCourseID(),
		TeacherID:          "teacher_1",
		Title:              "Distributed Systems",
		Currency:           "usd",
		RatePerMinute:      types.USD(50),
		FreePreviewSeconds: 10,
		EstimatedMinutes:   60,
		Status:             course.StatusActive,
	}
	if err := s.CreateCourse(ctx, c); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if err := s.ArchiveCourse(ctx, c.ID); err != nil {
		t.Fatalf("ArchiveCourse: %v", err)
	}

	got, err := s.GetCourse(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if got.Status != course.StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}

	active, err := s.ListCourses(ctx, course.ListOpts{Status: course.StatusActive})
	if err != nil {
		t.Fatalf("ListCourses: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active courses = %d, want 0", len(active))
	}
}

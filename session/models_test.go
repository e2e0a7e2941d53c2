package session_test

import (
	"testing"
	"time"

	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/types"
)

func activeSession(rate, locked int64, startedAt time.Time) *session.Session {
	return &session.Session{
		ID:                 id.NewSessionID(),
		State:              session.StateActive,
		Currency:           "usd",
		LockedAmount:       types.USD(locked),
		RatePerMinute:      types.USD(rate),
		FreePreviewSeconds: session.DefaultFreePreviewSeconds,
		StartedAt:          &startedAt,
	}
}

func TestBillableSeconds(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := activeSession(50, 3000, start)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"at start", 0, 0},
		{"inside preview", 9 * time.Second, 0},
		{"preview boundary", 10 * time.Second, 0},
		{"one second past preview", 11 * time.Second, 1},
		{"seventy seconds", 70 * time.Second, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sess.BillableSeconds(start.Add(tt.elapsed)); got != tt.want {
				t.Fatalf("BillableSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBillableSecondsNeverStarted(t *testing.T) {
	sess := &session.Session{
		State:              session.StateAuthorized,
		Currency:           "usd",
		FreePreviewSeconds: 10,
	}
	if got := sess.BillableSeconds(time.Now()); got != 0 {
		t.Fatalf("BillableSeconds = %d, want 0 for never-activated session", got)
	}
}

func TestBillableSecondsStopsAtEnd(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Second)
	sess := activeSession(50, 3000, start)
	sess.EndedAt = &end

	// The clock reading past EndedAt changes nothing.
	if got := sess.BillableSeconds(start.Add(time.Hour)); got != 90 {
		t.Fatalf("BillableSeconds = %d, want 90", got)
	}
}

func TestAccrue(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rate    int64
		locked  int64
		elapsed time.Duration
		want    int64
	}{
		{"zero inside preview", 50, 3000, 10 * time.Second, 0},
		{"one minute at fifty cents", 50, 3000, 70 * time.Second, 50},
		{"forty seconds at $1.50", 150, 3000, 50 * time.Second, 100},
		{"fractional minute rounds half up", 50, 3000, 20 * time.Second, 8},
		{"capped at lock", 50, 3000, time.Hour + 10*time.Second + time.Minute, 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := activeSession(tt.rate, tt.locked, start)
			got := sess.Accrue(start.Add(tt.elapsed))
			if got.Amount != tt.want {
				t.Fatalf("Accrue = %d, want %d", got.Amount, tt.want)
			}
		})
	}
}

func TestCapReached(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := activeSession(50, 100, start) // cap after 2 billable minutes

	if sess.CapReached(start.Add(time.Minute)) {
		t.Fatal("cap should not be reached after one minute")
	}
	if !sess.CapReached(start.Add(3 * time.Minute)) {
		t.Fatal("cap should be reached after three minutes")
	}
}

func TestExpired(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := activeSession(50, 3000, start)
	sess.MaxDuration = 30 * time.Minute

	if sess.Expired(start.Add(29 * time.Minute)) {
		t.Fatal("not yet expired")
	}
	if !sess.Expired(start.Add(31 * time.Minute)) {
		t.Fatal("should be expired past MaxDuration")
	}

	sess.MaxDuration = 0
	if sess.Expired(start.Add(1000 * time.Hour)) {
		t.Fatal("sessions without MaxDuration never expire")
	}
}

func TestStateTerminal(t *testing.T) {
	if session.StateAuthorized.Terminal() || session.StateActive.Terminal() {
		t.Fatal("authorized and active are not terminal")
	}
	if !session.StateSettled.Terminal() || !session.StateCancelled.Terminal() {
		t.Fatal("settled and cancelled are terminal")
	}
}

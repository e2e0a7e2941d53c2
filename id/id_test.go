package id_test

import (
	"strings"
	"testing"

	"github.com/murphlabs/tally/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"CourseID", id.NewCourseID, "crs_"},
		{"SessionID", id.NewSessionID, "sess_"},
		{"SettlementID", id.NewSettlementID, "stl_"},
		{"ProgressID", id.NewProgressID, "prg_"},
		{"ReviewID", id.NewReviewID, "rev_"},
		{"PayoutID", id.NewPayoutID, "pout_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixSession)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixSession {
		t.Errorf("expected prefix %q, got %q", id.PrefixSession, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"CourseID", id.NewCourseID, id.ParseCourseID},
		{"SessionID", id.NewSessionID, id.ParseSessionID},
		{"SettlementID", id.NewSettlementID, id.ParseSettlementID},
		{"ProgressID", id.NewProgressID, id.ParseProgressID},
		{"ReviewID", id.NewReviewID, id.ParseReviewID},
		{"PayoutID", id.NewPayoutID, id.ParsePayoutID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseCourseID rejects sess_", id.NewSessionID().String(), id.ParseCourseID},
		{"ParseSessionID rejects stl_", id.NewSettlementID().String(), id.ParseSessionID},
		{"ParseSettlementID rejects rev_", id.NewReviewID().String(), id.ParseSettlementID},
		{"ParseReviewID rejects pout_", id.NewPayoutID().String(), id.ParseReviewID},
		{"ParsePayoutID rejects crs_", id.NewCourseID().String(), id.ParsePayoutID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error parsing %q", tt.input)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"not a typeid",
		"sess_!!!invalid!!!",
	}

	for _, input := range tests {
		if _, err := id.Parse(input); err == nil {
			t.Errorf("expected error parsing %q", input)
		}
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil should report IsNil")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil String: got %q, want empty", id.Nil.String())
	}

	data, err := id.Nil.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("Nil MarshalText: got %q, want empty", data)
	}
}

func TestSQLRoundTrip(t *testing.T) {
	original := id.NewSessionID()

	v, err := original.Value()
	if err != nil {
		t.Fatal(err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatal(err)
	}
	if scanned.String() != original.String() {
		t.Errorf("sql round-trip mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromNull id.ID
	if err := fromNull.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if !fromNull.IsNil() {
		t.Error("scanning NULL should produce the Nil ID")
	}
}

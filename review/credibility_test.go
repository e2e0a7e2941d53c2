package review

import "testing"

func TestCredibilityScore(t *testing.T) {
	tests := []struct {
		name string
		sig  SessionSignal
		min  float64
		max  float64
	}{
		{
			"full engaged watch",
			SessionSignal{DurationMinutes: 45, CompletionPercent: 100, TimeToExitSeconds: 2700, PriorReviews: 6},
			95, 100,
		},
		{
			"drive-by rating",
			SessionSignal{DurationMinutes: 1, CompletionPercent: 2, TimeToExitSeconds: 10, PriorReviews: 0},
			0, 25,
		},
		{
			"half watched",
			SessionSignal{DurationMinutes: 30, CompletionPercent: 50, TimeToExitSeconds: 1100, PriorReviews: 2},
			55, 80,
		},
		{
			"marathon session discounted",
			SessionSignal{DurationMinutes: 300, CompletionPercent: 100, TimeToExitSeconds: 18000, PriorReviews: 6},
			80, 95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CredibilityScore(tt.sig)
			if got < tt.min || got > tt.max {
				t.Errorf("CredibilityScore = %.1f, want within [%.1f, %.1f]", got, tt.min, tt.max)
			}
		})
	}
}

func TestCredibilityScoreBounded(t *testing.T) {
	extreme := SessionSignal{DurationMinutes: 50, CompletionPercent: 500, TimeToExitSeconds: 999999, PriorReviews: 100}
	if got := CredibilityScore(extreme); got > 100 {
		t.Errorf("score must be capped at 100, got %.1f", got)
	}
}

func TestCredible(t *testing.T) {
	r := &Review{Credibility: 72}
	if !r.Credible() {
		t.Error("review at 72 should be credible")
	}
	r.Credibility = 40
	if r.Credible() {
		t.Error("review at 40 should not be credible")
	}
}

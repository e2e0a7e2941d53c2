package review

// Credibility factor weights. Watch behavior dominates: a review from
// someone who stayed and finished outweighs a drive-by rating.
const (
	weightDuration   = 0.3
	weightCompletion = 0.3
	weightEngagement = 0.2
	weightHistory    = 0.2
)

// CredibilityScore rates a review 0-100 from how the session was watched.
// The factors and breakpoints mirror the platform's fair-review policy:
// sessions in the 5-60 minute band score highest, near-complete watches
// count fully, and early exits are heavily discounted.
func CredibilityScore(sig SessionSignal) float64 {
	score := scoreDuration(sig.DurationMinutes)*weightDuration +
		scoreCompletion(sig.CompletionPercent)*weightCompletion +
		scoreEngagement(sig.DurationMinutes, sig.TimeToExitSeconds)*weightEngagement +
		scoreHistory(sig.PriorReviews)*weightHistory
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func scoreDuration(minutes float64) float64 {
	switch {
	case minutes < 5:
		return 20 // too short to judge anything
	case minutes <= 60:
		return 100
	case minutes <= 120:
		return 80
	default:
		return 60
	}
}

func scoreCompletion(percent float64) float64 {
	score := percent * 1.11
	if score > 100 {
		return 100
	}
	return score
}

func scoreEngagement(durationMinutes float64, exitSeconds int64) float64 {
	total := durationMinutes * 60
	if total <= 0 {
		return 10
	}
	ratio := float64(exitSeconds) / total
	switch {
	case ratio > 0.8:
		return 100
	case ratio > 0.5:
		return 70
	case ratio > 0.2:
		return 40
	default:
		return 10 // exited almost immediately
	}
}

func scoreHistory(priorReviews int) float64 {
	switch {
	case priorReviews == 0:
		return 50 // new reviewer, neutral
	case priorReviews < 5:
		return 70
	default:
		return 90
	}
}

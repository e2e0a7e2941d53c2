package audithook

// Action constants for audit events.
const (
	// Session actions
	ActionSessionAuthorized   = "session.authorized"
	ActionSessionActivated    = "session.activated"
	ActionSessionSettled      = "session.settled"
	ActionSessionCancelled    = "session.cancelled"
	ActionCheckpointCompleted = "checkpoint.completed"

	// Payout actions
	ActionPayoutFailed    = "payout.failed"
	ActionPayoutRecovered = "payout.recovered"

	// Progress and review actions
	ActionProgressFlushed  = "progress.flushed"
	ActionReviewClassified = "review.classified"
)

// Resource constants for audit events.
const (
	ResourceSession    = "session"
	ResourceSettlement = "settlement"
	ResourceProgress   = "progress"
	ResourceReview     = "review"
)

// Category constants for audit events.
const (
	CategoryBilling    = "billing"
	CategoryPayment    = "payment"
	CategoryEngagement = "engagement"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

package tally

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Authorization errors
	ErrInvalidParameters = errors.New("tally: invalid parameters")
	ErrInsufficientFunds = errors.New("tally: insufficient funds")

	// Session errors
	ErrSessionNotFound         = errors.New("tally: session not found")
	ErrSessionNotActive        = errors.New("tally: session not active")
	ErrSessionNotAuthorized    = errors.New("tally: session not in authorized state")
	ErrSessionAlreadyActive    = errors.New("tally: session already active")
	ErrSessionAlreadyCancelled = errors.New("tally: session already cancelled")
	ErrSessionAlreadySettled   = errors.New("tally: session already settled")

	// Settlement errors
	ErrSettlementNotFound = errors.New("tally: settlement not found")
	ErrPayoutFailed       = errors.New("tally: payout failed")

	// Course errors
	ErrCourseNotFound = errors.New("tally: course not found")
	ErrCourseArchived = errors.New("tally: course is archived")

	// Review errors
	ErrReviewNotFound      = errors.New("tally: review not found")
	ErrReviewExists        = errors.New("tally: review already submitted for session")
	ErrReviewBeforeSettled = errors.New("tally: review requires a settled session")
	ErrInvalidStars        = errors.New("tally: stars must be between 1 and 5")

	// Progress errors
	ErrProgressBufferFull = errors.New("tally: progress buffer full")

	// Store errors
	ErrStoreNotReady     = errors.New("tally: store not ready")
	ErrStoreClosed       = errors.New("tally: store is closed")
	ErrTransactionFailed = errors.New("tally: transaction failed")
	ErrMigrationFailed   = errors.New("tally: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap makes ValidationError match ErrInvalidParameters via errors.Is.
func (e ValidationError) Unwrap() error { return ErrInvalidParameters }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrReviewNotFound)
}

// IsConflict returns true if the error indicates the session is in a state
// that forbids the requested transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionNotActive) ||
		errors.Is(err, ErrSessionNotAuthorized) ||
		errors.Is(err, ErrSessionAlreadyActive) ||
		errors.Is(err, ErrSessionAlreadyCancelled) ||
		errors.Is(err, ErrSessionAlreadySettled) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrReviewExists)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried without changing its arguments.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPayoutFailed) ||
		errors.Is(err, ErrProgressBufferFull) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}

// Package plugin provides an extensible plugin system for Tally.
// Plugins can hook into session and settlement lifecycle events to extend
// functionality without touching the money path.
package plugin

import (
	"context"
	"time"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// OnSessionAuthorized is called when funds are locked and a session is created.
type OnSessionAuthorized interface {
	Plugin
	OnSessionAuthorized(ctx context.Context, sess interface{}) error
}

// OnSessionActivated is called when playback starts and billing begins.
type OnSessionActivated interface {
	Plugin
	OnSessionActivated(ctx context.Context, sess interface{}) error
}

// OnSessionSettled is called exactly once per session, after the state
// flip to settled has been committed.
type OnSessionSettled interface {
	Plugin
	OnSessionSettled(ctx context.Context, sess, record interface{}) error
}

// OnSessionCancelled is called when an authorized session is cancelled
// before any content was consumed.
type OnSessionCancelled interface {
	Plugin
	OnSessionCancelled(ctx context.Context, sess interface{}) error
}

// OnCheckpointCompleted is called when a quiz gate is passed.
type OnCheckpointCompleted interface {
	Plugin
	OnCheckpointCompleted(ctx context.Context, sess interface{}, seq int) error
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutFailed is called when the teacher-side transfer fails. The
// settlement itself is already committed; this is a queue-for-retry signal.
type OnPayoutFailed interface {
	Plugin
	OnPayoutFailed(ctx context.Context, record interface{}, err error) error
}

// OnPayoutRecovered is called when a previously failed payout succeeds.
type OnPayoutRecovered interface {
	Plugin
	OnPayoutRecovered(ctx context.Context, record interface{}) error
}

// ──────────────────────────────────────────────────
// Progress and review hooks
// ──────────────────────────────────────────────────

// OnProgressFlushed is called after a batch of client progress hints is
// persisted.
type OnProgressFlushed interface {
	Plugin
	OnProgressFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// OnReviewClassified is called after the assist gateway has tagged a review.
type OnReviewClassified interface {
	Plugin
	OnReviewClassified(ctx context.Context, rev interface{}) error
}

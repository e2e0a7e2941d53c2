package session

import (
	"context"
	"time"

	"github.com/murphlabs/tally/id"
)

// Store is the per-entity persistence interface for sessions. The three
// transition methods have compare-and-set semantics: each succeeds only
// when the session is currently in the expected source state, so exactly
// one of any number of concurrent callers wins a transition.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID id.SessionID) (*Session, error)
	List(ctx context.Context, opts ListOpts) ([]*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)

	// Activate flips authorized -> active and stamps the billing clock.
	Activate(ctx context.Context, sessionID id.SessionID, startedAt time.Time) error

	// Cancel flips authorized -> cancelled.
	Cancel(ctx context.Context, sessionID id.SessionID, cancelledAt time.Time) error

	// CompleteCheckpoint durably marks a checkpoint as completed.
	CompleteCheckpoint(ctx context.Context, sessionID id.SessionID, seq int, score, total int, at time.Time) error

	// InsertProgressBatch persists a batch of client progress hints.
	InsertProgressBatch(ctx context.Context, reports []*ProgressReport) error
	QueryProgress(ctx context.Context, sessionID id.SessionID, opts ProgressQueryOpts) ([]*ProgressReport, error)
}

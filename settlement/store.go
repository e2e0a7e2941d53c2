package settlement

import (
	"context"
	"time"

	"github.com/murphlabs/tally/id"
)

type Store interface {
	Get(ctx context.Context, sessionID id.SessionID) (*Record, error)
	ListByTeacher(ctx context.Context, teacherID string, opts ListOpts) ([]*Record, error)

	// ListUnpaid returns settled records whose teacher payout has not yet
	// succeeded, for the out-of-band retry worker.
	ListUnpaid(ctx context.Context, limit int) ([]*Record, error)

	MarkTeacherPaid(ctx context.Context, settlementID id.SettlementID, paidAt time.Time) error
	RecordPayoutAttempt(ctx context.Context, settlementID id.SettlementID) error
}

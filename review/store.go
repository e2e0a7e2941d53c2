package review

import (
	"context"

	"github.com/murphlabs/tally/id"
)

type Store interface {
	Create(ctx context.Context, r *Review) error
	GetBySession(ctx context.Context, sessionID id.SessionID) (*Review, error)
	ListByTeacher(ctx context.Context, teacherID string, opts ListOpts) ([]*Review, error)

	// SetClassification attaches the AI tag after async classification.
	SetClassification(ctx context.Context, reviewID id.ReviewID, class *Classification) error
}

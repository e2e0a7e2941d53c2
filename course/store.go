package course

import (
	"context"

	"github.com/murphlabs/tally/id"
)

type Store interface {
	Create(ctx context.Context, c *Course) error
	Get(ctx context.Context, courseID id.CourseID) (*Course, error)
	List(ctx context.Context, opts ListOpts) ([]*Course, error)
	Update(ctx context.Context, c *Course) error
	Archive(ctx context.Context, courseID id.CourseID) error
}

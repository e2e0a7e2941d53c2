// Package assist is the LLM gateway boundary. The engine treats it as a
// black box that produces assistant text and review classifications; the
// billing contract never depends on it.
package assist

import (
	"context"

	"github.com/murphlabs/tally/review"
)

// Message is one turn of an opaque chat exchange.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Completer produces assistant text for the chat surface.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []Message) (string, error)
}

// Classifier tags a review as user-side or course-side.
type Classifier interface {
	ClassifyReview(ctx context.Context, r *review.Review, sig review.SessionSignal) (*review.Classification, error)
}

// Gateway bundles both capabilities.
type Gateway interface {
	Completer
	Classifier
}

// HeuristicClassify decides a review without any model call: reviews with
// no text are judged purely on stars and watch behavior. It is both the
// fixture gateway's whole implementation and the live gateway's fallback
// when the model response cannot be parsed.
func HeuristicClassify(r *review.Review, sig review.SessionSignal) *review.Classification {
	watched := sig.CompletionPercent

	switch {
	case r.Stars >= 4:
		return &review.Classification{Side: review.SideUser, OneLiner: "positive experience"}
	case watched < 20:
		return &review.Classification{Side: review.SideUser, OneLiner: "left too early to judge the course"}
	case r.Stars <= 2 && watched >= 80:
		// Watched nearly everything and still unhappy: course problem.
		return &review.Classification{Side: review.SideCourse, OneLiner: "finished the course and found it lacking"}
	default:
		return &review.Classification{Side: review.SideUser, OneLiner: "mixed fit for this student"}
	}
}

var _ Gateway = (*Fixture)(nil)

// Fixture is the offline gateway: heuristic classification and canned
// completions. Selected by configuration when no model key is present.
type Fixture struct{}

func NewFixture() *Fixture { return &Fixture{} }

func (f *Fixture) Complete(_ context.Context, prompt string, _ []Message) (string, error) {
	if prompt == "" {
		return "", nil
	}
	return "I can help with that once a live assistant backend is configured.", nil
}

func (f *Fixture) ClassifyReview(_ context.Context, r *review.Review, sig review.SessionSignal) (*review.Classification, error) {
	class := HeuristicClassify(r, sig)
	class.Model = "heuristic"
	return class, nil
}

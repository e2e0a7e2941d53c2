// Package gemini implements the assist gateway on Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/murphlabs/tally/assist"
	"github.com/murphlabs/tally/review"
)

const rateSlotTimeout = 5 * time.Minute

var _ assist.Gateway = (*Gateway)(nil)

// Gateway is a Gemini-backed assist gateway with a token-bucket cap on
// concurrent requests.
type Gateway struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{}
}

// New creates a Gemini gateway. concurrentReqs bounds in-flight model calls.
func New(ctx context.Context, apiKey string, concurrentReqs int) (*Gateway, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	model := client.GenerativeModel("gemini-3-flash-preview")
	model.SetTemperature(0.3)
	model.SetTopP(0.95)

	if concurrentReqs < 1 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &Gateway{client: client, model: model, rateChan: rateChan}, nil
}

func (g *Gateway) Close() {
	g.client.Close()
}

// acquireRate blocks until a rate slot is available.
func (g *Gateway) acquireRate(ctx context.Context) error {
	select {
	case <-g.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rateSlotTimeout):
		return fmt.Errorf("gemini: timeout waiting for rate slot")
	}
}

func (g *Gateway) releaseRate() {
	g.rateChan <- struct{}{}
}

func (g *Gateway) Complete(ctx context.Context, prompt string, history []assist.Message) (string, error) {
	if err := g.acquireRate(ctx); err != nil {
		return "", err
	}
	defer g.releaseRate()

	chat := g.model.StartChat()
	for _, msg := range history {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		chat.History = append(chat.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	resp, err := chat.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	return firstText(resp), nil
}

type classifyPayload struct {
	Classification string `json:"classification"`
	OneLiner       string `json:"one_liner"`
}

func (g *Gateway) ClassifyReview(ctx context.Context, r *review.Review, sig review.SessionSignal) (*review.Classification, error) {
	// Nothing to analyze without text; decide from watch behavior alone.
	if strings.TrimSpace(r.Comment) == "" {
		class := assist.HeuristicClassify(r, sig)
		class.Model = "heuristic"
		return class, nil
	}

	if err := g.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer g.releaseRate()

	prompt := fmt.Sprintf(`Analyze this course review and classify it.

Review: %q
Stars: %d/5
Watched: %.0f%% of the course

Classify as exactly one of:
- "user_side": issue is about the student's fit, expectations, or personal situation (wrong level, pace too fast/slow for them, not what they expected)
- "course_side": issue is about actual course quality (content errors, poor audio/video, missing topics, instructor mistakes)

Respond with JSON only:
{"classification": "user_side" or "course_side", "one_liner": "short summary"}`,
		r.Comment, r.Stars, sig.CompletionPercent)

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini: classify review: %w", err)
	}

	var payload classifyPayload
	text := stripFences(firstText(resp))
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		// Unparseable model output falls back to the heuristic rather
		// than failing the review pipeline.
		class := assist.HeuristicClassify(r, sig)
		class.Model = "heuristic"
		return class, nil
	}

	side := review.SideUser
	if payload.Classification == string(review.SideCourse) {
		side = review.SideCourse
	}
	return &review.Classification{
		Side:     side,
		OneLiner: payload.OneLiner,
		Model:    "gemini-3-flash-preview",
	}, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

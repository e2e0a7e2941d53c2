package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/assist"
)

type reviewRequest struct {
	Stars             int    `json:"stars" validate:"required,min=1,max=5"`
	Comment           string `json:"comment"`
	TimeToExitSeconds int64  `json:"time_to_exit_seconds" validate:"gte=0"`
	PriorReviews      int    `json:"prior_reviews" validate:"gte=0"`
}

func (a *API) AttachReview(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	var req reviewRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	rev, err := a.engine.AttachReview(r.Context(), tally.ReviewParams{
		SessionID:         sessionID,
		Stars:             req.Stars,
		Comment:           req.Comment,
		TimeToExitSeconds: req.TimeToExitSeconds,
		PriorReviews:      req.PriorReviews,
	})
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"review": rev})
}

func (a *API) GetReview(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	rev, err := a.engine.GetReview(r.Context(), sessionID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"review": rev})
}

func (a *API) TeacherEarnings(w http.ResponseWriter, r *http.Request) {
	teacherID := chi.URLParam(r, "id")
	if teacherID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid teacher ID"))
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "since must be RFC3339"))
			return
		}
		since = parsed
	}

	summary, err := a.engine.TeacherEarnings(r.Context(), teacherID, since)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"earnings": summary})
}

type chatRequest struct {
	Prompt  string           `json:"prompt" validate:"required"`
	History []assist.Message `json:"history,omitempty"`
}

func (a *API) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	reply, err := a.engine.Chat(r.Context(), req.Prompt, req.History)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

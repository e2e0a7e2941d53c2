package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/id"
)

type startSessionRequest struct {
	CourseID  string            `json:"course_id" validate:"required"`
	StudentID string            `json:"student_id" validate:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (a *API) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	courseID, err := id.ParseCourseID(req.CourseID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid course_id"))
		return
	}

	sess, err := a.engine.StartSession(r.Context(), tally.StartParams{
		CourseID:  courseID,
		StudentID: req.StudentID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": sess})
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := a.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (a *API) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	status, err := a.engine.Status(r.Context(), sessionID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (a *API) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	rec, err := a.engine.End(r.Context(), sessionID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"settlement": rec})
}

func (a *API) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := a.engine.CancelBeforeStart(r.Context(), sessionID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

type progressRequest struct {
	ElapsedSeconds int64 `json:"elapsed_seconds" validate:"gte=0"`
}

func (a *API) ReportProgress(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	if err := a.engine.ReportProgress(r.Context(), sessionID, req.ElapsedSeconds); err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Progress recorded"})
}

type checkpointRequest struct {
	Score int `json:"score" validate:"gte=0"`
	Total int `json:"total" validate:"gte=0"`
}

func (a *API) CompleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid checkpoint sequence"))
		return
	}

	var req checkpointRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	if err := a.engine.CompleteCheckpoint(r.Context(), sessionID, seq, req.Score, req.Total); err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Checkpoint completed"})
}

func (a *API) sessionID(w http.ResponseWriter, r *http.Request) (id.SessionID, bool) {
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID"))
		return id.Nil, false
	}
	return sessionID, true
}

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/types"
)

type checkpointSpecRequest struct {
	Seq            int `json:"seq" validate:"gte=0"`
	OffsetSeconds  int `json:"offset_seconds" validate:"gte=0"`
	TotalQuestions int `json:"total_questions" validate:"gte=0"`
}

type courseRequest struct {
	TeacherID          string                  `json:"teacher_id" validate:"required"`
	Title              string                  `json:"title" validate:"required"`
	Description        string                  `json:"description"`
	Topic              string                  `json:"topic"`
	SkillLevel         string                  `json:"skill_level"`
	Currency           string                  `json:"currency"`
	RatePerMinute      int64                   `json:"rate_per_minute" validate:"gt=0"`
	FreePreviewSeconds *int                    `json:"free_preview_seconds,omitempty"`
	EstimatedMinutes   int                     `json:"estimated_minutes" validate:"gt=0"`
	Checkpoints        []checkpointSpecRequest `json:"checkpoints,omitempty"`
	Metadata           map[string]string       `json:"metadata,omitempty"`
}

func (req *courseRequest) toCourse() *course.Course {
	c := &course.Course{
		TeacherID:        req.TeacherID,
		Title:            req.Title,
		Description:      req.Description,
		Topic:            req.Topic,
		SkillLevel:       req.SkillLevel,
		Currency:         req.Currency,
		EstimatedMinutes: req.EstimatedMinutes,
		Metadata:         req.Metadata,
	}
	if req.FreePreviewSeconds != nil {
		c.FreePreviewSeconds = *req.FreePreviewSeconds
	}
	for _, cp := range req.Checkpoints {
		c.Checkpoints = append(c.Checkpoints, course.CheckpointSpec{
			Seq:            cp.Seq,
			OffsetSeconds:  cp.OffsetSeconds,
			TotalQuestions: cp.TotalQuestions,
		})
	}
	return c
}

func (a *API) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req courseRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	c := req.toCourse()
	if c.Currency == "" {
		c.Currency = a.defaultCurrency
	}
	if req.FreePreviewSeconds == nil {
		c.FreePreviewSeconds = a.defaultPreview
	}
	c.RatePerMinute = types.In(c.Currency, req.RatePerMinute)

	if err := a.engine.CreateCourse(r.Context(), c); err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"course": c})
}

func (a *API) GetCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := id.ParseCourseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid course ID"))
		return
	}

	c, err := a.engine.GetCourse(r.Context(), courseID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"course": c})
}

func (a *API) ListCourses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := course.ListOpts{
		Topic:      q.Get("topic"),
		SkillLevel: q.Get("skill_level"),
		TeacherID:  q.Get("teacher_id"),
		Status:     course.Status(q.Get("status")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = offset
	}

	courses, err := a.engine.ListCourses(r.Context(), opts)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"courses": courses})
}

func (a *API) UpdateCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := id.ParseCourseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid course ID"))
		return
	}

	var req courseRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	existing, err := a.engine.GetCourse(r.Context(), courseID)
	if err != nil {
		a.handleEngineError(w, err)
		return
	}

	c := req.toCourse()
	c.ID = courseID
	c.Entity = existing.Entity
	c.Status = existing.Status
	if c.Currency == "" {
		c.Currency = existing.Currency
	}
	if req.FreePreviewSeconds == nil {
		c.FreePreviewSeconds = existing.FreePreviewSeconds
	}
	c.RatePerMinute = types.In(c.Currency, req.RatePerMinute)

	if err := a.engine.UpdateCourse(r.Context(), c); err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"course": c})
}

func (a *API) ArchiveCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := id.ParseCourseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid course ID"))
		return
	}

	if err := a.engine.ArchiveCourse(r.Context(), courseID); err != nil {
		a.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Course archived"})
}

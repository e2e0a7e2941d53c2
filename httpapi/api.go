// Package httpapi exposes the metering engine over HTTP. Handlers are a
// thin translation layer: decode, validate, call the engine, map sentinel
// errors to status codes. No billing decision lives here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/session"
)

// API holds the handler dependencies.
type API struct {
	engine   *tally.Engine
	validate *validator.Validate
	logger   *slog.Logger

	// Defaults applied when a course request omits the field.
	defaultCurrency string
	defaultPreview  int
}

// Option configures the API.
type Option func(*API)

// WithCourseDefaults sets the currency and free-preview window applied to
// course requests that omit them.
func WithCourseDefaults(currency string, freePreviewSeconds int) Option {
	return func(a *API) {
		if currency != "" {
			a.defaultCurrency = currency
		}
		if freePreviewSeconds >= 0 {
			a.defaultPreview = freePreviewSeconds
		}
	}
}

// New creates an API around the given engine.
func New(engine *tally.Engine, logger *slog.Logger, opts ...Option) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		engine:          engine,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		logger:          logger,
		defaultCurrency: "usd",
		defaultPreview:  session.DefaultFreePreviewSeconds,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router builds the HTTP routing table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Health check
	r.Get("/health", a.Health)

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Course Routes ────
		r.Route("/courses", func(r chi.Router) {
			r.Post("/", a.CreateCourse)
			r.Get("/", a.ListCourses)
			r.Get("/{id}", a.GetCourse)
			r.Put("/{id}", a.UpdateCourse)
			r.Post("/{id}/archive", a.ArchiveCourse)
		})

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/start", a.StartSession)
			r.Get("/{id}", a.GetSession)
			r.Get("/{id}/status", a.SessionStatus)
			r.Post("/{id}/end", a.EndSession)
			r.Post("/{id}/cancel", a.CancelSession)
			r.Post("/{id}/progress", a.ReportProgress)
			r.Post("/{id}/checkpoints/{seq}/complete", a.CompleteCheckpoint)
			r.Post("/{id}/review", a.AttachReview)
			r.Get("/{id}/review", a.GetReview)
		})

		// ──── Teacher Routes ────
		r.Get("/teachers/{id}/earnings", a.TeacherEarnings)

		// ──── Assistant Routes ────
		r.Post("/chat", a.Chat)
	})

	return r
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Shared helpers

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string) errorResponse {
	return errorResponse{Error: apiError{Code: code, Message: message}}
}

// decodeAndValidate decodes the request body into dst and runs struct
// validation. A false return means the error response was already written.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body"))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{
				Code:    "VALIDATION_ERROR",
				Message: "Validation failed",
				Fields:  fields,
			}})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Validation failed"))
		return false
	}
	return true
}

// handleEngineError maps engine sentinel errors to HTTP status codes.
func (a *API) handleEngineError(w http.ResponseWriter, err error) {
	switch {
	case tally.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", err.Error()))
	case errors.Is(err, tally.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorResp("INSUFFICIENT_FUNDS", err.Error()))
	case errors.Is(err, tally.ErrCourseArchived),
		errors.Is(err, tally.ErrReviewBeforeSettled),
		tally.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT", err.Error()))
	case errors.Is(err, tally.ErrInvalidParameters),
		errors.Is(err, tally.ErrInvalidStars),
		errors.Is(err, tally.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error()))
	case errors.Is(err, tally.ErrProgressBufferFull):
		writeJSON(w, http.StatusTooManyRequests, errorResp("BUFFER_FULL", err.Error()))
	default:
		a.logger.Error("unhandled engine error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred"))
	}
}

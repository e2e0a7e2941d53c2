package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/httpapi"
	"github.com/murphlabs/tally/rail/fixture"
	"github.com/murphlabs/tally/store/memory"
	"github.com/murphlabs/tally/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	server *httptest.Server
	rail   *fixture.Rail
	clock  *testClock
}

func newTestEnv(t *testing.T, opts ...httpapi.Option) *testEnv {
	t.Helper()

	clock := newTestClock()
	r := fixture.New()
	engine := tally.New(memory.New(), r,
		tally.WithClock(clock.Now),
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tally.WithProgressConfig(100, time.Hour),
		tally.WithSweepInterval(time.Hour),
		tally.WithPayoutRetry(time.Hour, 10),
	)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })

	srv := httptest.NewServer(httpapi.New(engine, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...).Router())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, rail: r, clock: clock}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.server.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var parsed map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, parsed
}

func (env *testEnv) createCourse(t *testing.T) string {
	t.Helper()

	resp, body := env.do(t, http.MethodPost, "/api/v1/courses", map[string]interface{}{
		"teacher_id":        "teacher-1",
		"title":             "Intro to Go",
		"rate_per_minute":   50,
		"estimated_minutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create course: status %d, body %v", resp.StatusCode, body)
	}
	course := body["course"].(map[string]interface{})
	return course["id"].(string)
}

func (env *testEnv) startSession(t *testing.T, courseID, studentID string) string {
	t.Helper()

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions/start", map[string]interface{}{
		"course_id":  courseID,
		"student_id": studentID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: status %d, body %v", resp.StatusCode, body)
	}
	sess := body["session"].(map[string]interface{})
	return sess["id"].(string)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body)
	}
}

func TestCourseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/courses/"+courseID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get course: status %d", resp.StatusCode)
	}
	course := body["course"].(map[string]interface{})
	if course["title"] != "Intro to Go" {
		t.Errorf("title = %v", course["title"])
	}
	if course["free_preview_seconds"].(float64) != 10 {
		t.Errorf("free_preview_seconds = %v, want default 10", course["free_preview_seconds"])
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/courses/"+courseID+"/archive", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: status %d", resp.StatusCode)
	}

	// Starting a session against an archived course conflicts.
	env.rail.Deposit("student-1", types.USD(10000))
	resp, _ = env.do(t, http.MethodPost, "/api/v1/sessions/start", map[string]interface{}{
		"course_id":  courseID,
		"student_id": "student-1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("start on archived course: status %d, want 409", resp.StatusCode)
	}
}

func TestCourseExplicitZeroPreviewSticks(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/courses", map[string]interface{}{
		"teacher_id":           "teacher-1",
		"title":                "No Preview",
		"rate_per_minute":      50,
		"estimated_minutes":    60,
		"free_preview_seconds": 0,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create course: status %d, body %v", resp.StatusCode, body)
	}
	course := body["course"].(map[string]interface{})
	if got := course["free_preview_seconds"].(float64); got != 0 {
		t.Errorf("free_preview_seconds = %v, want the explicit 0", got)
	}
}

func TestCourseDefaultsFollowConfiguration(t *testing.T) {
	env := newTestEnv(t, httpapi.WithCourseDefaults("eur", 30))

	resp, body := env.do(t, http.MethodPost, "/api/v1/courses", map[string]interface{}{
		"teacher_id":        "teacher-1",
		"title":             "Intro to Go",
		"rate_per_minute":   50,
		"estimated_minutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create course: status %d, body %v", resp.StatusCode, body)
	}
	course := body["course"].(map[string]interface{})
	if course["currency"] != "eur" {
		t.Errorf("currency = %v, want eur", course["currency"])
	}
	if got := course["free_preview_seconds"].(float64); got != 30 {
		t.Errorf("free_preview_seconds = %v, want configured 30", got)
	}
}

func TestCreateCourseValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing teacher", map[string]interface{}{"title": "T", "rate_per_minute": 50, "estimated_minutes": 60}},
		{"missing title", map[string]interface{}{"teacher_id": "t", "rate_per_minute": 50, "estimated_minutes": 60}},
		{"zero rate", map[string]interface{}{"teacher_id": "t", "title": "T", "rate_per_minute": 0, "estimated_minutes": 60}},
		{"zero duration", map[string]interface{}{"teacher_id": "t", "title": "T", "rate_per_minute": 50, "estimated_minutes": 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/api/v1/courses", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSessionEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)
	env.rail.Deposit("student-1", types.USD(10000))

	sessionID := env.startSession(t, courseID, "student-1")

	// 70 seconds of playback: 10s preview free, 60s billable at 50c/min.
	env.clock.Advance(70 * time.Second)

	resp, body := env.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d, body %v", resp.StatusCode, body)
	}
	if got := body["billable_seconds"].(float64); got != 60 {
		t.Errorf("billable_seconds = %v, want 60", got)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d, body %v", resp.StatusCode, body)
	}
	rec := body["settlement"].(map[string]interface{})
	charged := rec["amount_charged"].(map[string]interface{})
	if charged["amount"].(float64) != 50 {
		t.Errorf("charged = %v, want 50", charged["amount"])
	}

	// Ending again returns the same settlement.
	resp, body = env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second end: status %d", resp.StatusCode)
	}
	rec2 := body["settlement"].(map[string]interface{})
	if rec2["id"] != rec["id"] {
		t.Errorf("second end returned different settlement: %v vs %v", rec2["id"], rec["id"])
	}
}

func TestStartSessionInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)

	// Course locks 60 min * 50c = 3000; student has 100.
	env.rail.Deposit("student-poor", types.USD(100))

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions/start", map[string]interface{}{
		"course_id":  courseID,
		"student_id": "student-poor",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body %v", resp.StatusCode, body)
	}
}

func TestCancelAfterStartConflicts(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)
	env.rail.Deposit("student-1", types.USD(10000))
	sessionID := env.startSession(t, courseID, "student-1")

	resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel active session: status %d, want 409", resp.StatusCode)
	}
}

func TestProgressAndReview(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)
	env.rail.Deposit("student-1", types.USD(10000))
	sessionID := env.startSession(t, courseID, "student-1")

	resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/progress",
		map[string]interface{}{"elapsed_seconds": 30})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("progress: status %d, want 202", resp.StatusCode)
	}

	// Review before settlement conflicts.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/review",
		map[string]interface{}{"stars": 5})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("early review: status %d, want 409", resp.StatusCode)
	}

	env.clock.Advance(30 * time.Minute)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/review",
		map[string]interface{}{"stars": 4, "comment": "solid pacing"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("review: status %d, body %v", resp.StatusCode, body)
	}
	rev := body["review"].(map[string]interface{})
	if rev["stars"].(float64) != 4 {
		t.Errorf("stars = %v", rev["stars"])
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/review", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get review: status %d", resp.StatusCode)
	}
}

func TestReviewStarsValidation(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)
	env.rail.Deposit("student-1", types.USD(10000))
	sessionID := env.startSession(t, courseID, "student-1")

	for _, stars := range []int{0, 6, -1} {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/review",
			map[string]interface{}{"stars": stars})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("stars=%d: status %d, want 400", stars, resp.StatusCode)
		}
	}
}

func TestTeacherEarnings(t *testing.T) {
	env := newTestEnv(t)
	courseID := env.createCourse(t)
	env.rail.Deposit("student-1", types.USD(10000))

	sessionID := env.startSession(t, courseID, "student-1")
	env.clock.Advance(10 * time.Minute)
	resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/teachers/teacher-1/earnings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("earnings: status %d, body %v", resp.StatusCode, body)
	}
	earnings := body["earnings"].(map[string]interface{})
	if earnings["sessions"].(float64) != 1 {
		t.Errorf("sessions = %v, want 1", earnings["sessions"])
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/sessions/sess_01h455vb4pex5vsknk084sn02q/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMalformedIDReturns400(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/sessions/not-an-id/status",
		"/api/v1/courses/also-not-an-id",
	} {
		resp, _ := env.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/chat",
		map[string]interface{}{"prompt": "explain goroutines"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}
	if body["reply"] == "" {
		t.Errorf("empty reply")
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/chat", map[string]interface{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt: status %d, want 400", resp.StatusCode)
	}
}

func TestListCoursesFilters(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/courses", map[string]interface{}{
			"teacher_id":        fmt.Sprintf("teacher-%d", i%2),
			"title":             fmt.Sprintf("Course %d", i),
			"rate_per_minute":   50,
			"estimated_minutes": 30,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create course %d: status %d", i, resp.StatusCode)
		}
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/courses/?teacher_id=teacher-0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	courses := body["courses"].([]interface{})
	if len(courses) != 2 {
		t.Errorf("len(courses) = %d, want 2", len(courses))
	}
}

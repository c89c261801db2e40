package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	jobs      map[string]model.Job
	runs      map[string]model.Run
	lastQuery model.JobQuery
	lastPage  model.Page
	err       error
}

func (s *fakeStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("getting job %s: %w", id, model.ErrNotFound)
	}
	return &j, nil
}

func (s *fakeStore) ListJobs(_ context.Context, q model.JobQuery) ([]model.Job, int, error) {
	s.lastQuery = q
	if s.err != nil {
		return nil, 0, s.err
	}
	var out []model.Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, len(out), nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("getting run %s: %w", id, model.ErrNotFound)
	}
	return &r, nil
}

func (s *fakeStore) ListRuns(_ context.Context, p model.Page) ([]model.Run, int, error) {
	s.lastPage = p
	var out []model.Run
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, len(out), nil
}

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, feedURL string) (*model.Run, error) {
	d.dispatched = append(d.dispatched, feedURL)
	return &model.Run{ID: "run-new", FeedIdentity: feedURL}, d.err
}

func (d *fakeDispatcher) Reprocess(_ context.Context, jobID string) (*model.Run, error) {
	if jobID == "missing" {
		return nil, fmt.Errorf("reprocessing job %s: %w", jobID, model.ErrNotFound)
	}
	return &model.Run{ID: "run-re", FeedIdentity: "reprocess:" + jobID, ReprocessJobID: jobID}, d.err
}

func newTestServer() (*Server, *fakeStore, *fakeDispatcher) {
	st := &fakeStore{
		jobs: map[string]model.Job{
			"j1": {ID: "j1", ExternalID: "a1", SourceFeed: "https://example.com/feed", Title: "Engineer", UpdatedAt: time.Now()},
		},
		runs: map[string]model.Run{
			"r1": {ID: "r1", FeedIdentity: "https://example.com/feed", Planned: 1, TotalImported: 1, NewJobs: 1, Failures: []model.Failure{}},
		},
	}
	d := &fakeDispatcher{}
	return NewServer(st, d, discardLogger()), st, d
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer()
	rec := do(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]bool
	decode(t, rec, &body)
	if !body["ok"] {
		t.Errorf("body = %v", body)
	}
}

func TestListJobsPassesFiltersAndPaging(t *testing.T) {
	srv, st, _ := newTestServer()
	rec := do(t, srv, http.MethodGet, "/api/jobs?page=2&limit=5&search=eng&title=t&company=c&location=l", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	want := model.JobQuery{Search: "eng", Title: "t", Company: "c", Location: "l", Page: model.Page{Page: 2, Limit: 5}}
	if st.lastQuery != want {
		t.Errorf("query = %+v, want %+v", st.lastQuery, want)
	}

	var body struct {
		Data []model.Job `json:"data"`
		Meta meta        `json:"meta"`
	}
	decode(t, rec, &body)
	if body.Meta != (meta{Total: 1, Page: 2, Limit: 5}) {
		t.Errorf("meta = %+v", body.Meta)
	}
	if len(body.Data) != 1 || body.Data[0].ExternalID != "a1" {
		t.Errorf("data = %+v", body.Data)
	}
}

func TestPageDefaultsAndLimits(t *testing.T) {
	tests := []struct {
		query string
		want  model.Page
	}{
		{"", model.Page{Page: 1, Limit: 20}},
		{"?page=0&limit=-3", model.Page{Page: 1, Limit: 20}},
		{"?page=abc&limit=xyz", model.Page{Page: 1, Limit: 20}},
		{"?page=3&limit=1000", model.Page{Page: 3, Limit: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			srv, st, _ := newTestServer()
			do(t, srv, http.MethodGet, "/api/import-logs"+tt.query, "")
			if st.lastPage != tt.want {
				t.Errorf("page = %+v, want %+v", st.lastPage, tt.want)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := do(t, srv, http.MethodGet, "/api/jobs/j1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var job model.Job
	decode(t, rec, &job)
	if job.ID != "j1" || job.Title != "Engineer" {
		t.Errorf("job = %+v", job)
	}

	rec = do(t, srv, http.MethodGet, "/api/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := do(t, srv, http.MethodGet, "/api/import-logs/r1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var run model.Run
	decode(t, rec, &run)
	if run.ID != "r1" || run.NewJobs != 1 {
		t.Errorf("run = %+v", run)
	}

	if rec := do(t, srv, http.MethodGet, "/api/import-logs/zzz", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestStoreErrorIs500(t *testing.T) {
	srv, st, _ := newTestServer()
	st.err = errors.New("database is locked")

	rec := do(t, srv, http.MethodGet, "/api/jobs", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorResponse
	decode(t, rec, &body)
	if body.Error != "database is locked" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestReimport(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		dispatchErr error
		wantStatus  int
		wantRun     string
	}{
		{"ok", `{"feedUrl":"https://example.com/feed"}`, nil, http.StatusOK, "run-new"},
		{"missing url", `{}`, nil, http.StatusBadRequest, ""},
		{"relative url", `{"feedUrl":"/feed"}`, nil, http.StatusBadRequest, ""},
		{"bad json", `{feedUrl`, nil, http.StatusBadRequest, ""},
		{"queue down", `{"feedUrl":"https://example.com/feed"}`, fmt.Errorf("dispatching: %w", model.ErrQueueUnavailable), http.StatusServiceUnavailable, "run-new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, d := newTestServer()
			d.err = tt.dispatchErr

			rec := do(t, srv, http.MethodPost, "/api/reimport", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			var body struct {
				ImportLogID string `json:"importLogId"`
			}
			decode(t, rec, &body)
			if body.ImportLogID != tt.wantRun {
				t.Errorf("importLogId = %q, want %q", body.ImportLogID, tt.wantRun)
			}
			if tt.wantStatus == http.StatusBadRequest && len(d.dispatched) != 0 {
				t.Errorf("dispatched %v on bad request", d.dispatched)
			}
		})
	}
}

func TestReprocess(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := do(t, srv, http.MethodPost, "/api/jobs/j1/reprocess", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body triggerResponse
	decode(t, rec, &body)
	if !body.OK || body.ImportLogID != "run-re" {
		t.Errorf("body = %+v", body)
	}

	if rec := do(t, srv, http.MethodPost, "/api/jobs/missing/reprocess", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _, _ := newTestServer()
	if rec := do(t, srv, http.MethodGet, "/api/nothing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/api/jobs/j1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

package handler

import (
	"context"
	"encoding/json"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"form-fanout/internal/service"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageHandler completes every job with a fixed URL
type pageHandler struct{}

func (pageHandler) JobType() models.JobType { return models.TypeHTMLGitHub }

func (pageHandler) Columns() []models.Field { return []models.Field{models.FieldResultURL} }

func (pageHandler) Preflight(ctx context.Context) error { return nil }

func (pageHandler) Validate(job *models.Job) error { return nil }

func (pageHandler) Handle(ctx context.Context, job *models.Job) (service.Result, error) {
	return service.Result{URL: "https://acme.github.io/site/" + models.SafeSegment(job.ID) + "/"}, nil
}

type testServer struct {
	store *repository.SheetStore
	gates *gate.LocalProvider
	srv   *httptest.Server
}

func newTestServer(t *testing.T, installTrigger bool, perMinute int) *testServer {
	t.Helper()
	ctx := context.Background()
	store := repository.NewSheetStore()
	require.NoError(t, store.EnsureQueue(ctx))
	if installTrigger {
		require.NoError(t, store.ReplaceTrigger(ctx, models.Trigger{Handler: models.FormTriggerHandler, Kind: models.TriggerForm}))
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	gates := gate.NewLocalProvider(clock)
	m := metrics.NewMetrics()

	jobs := service.NewJobService(store, gates, service.NewRateLimiter(perMinute, clock), m, clock,
		service.EnqueueConfig{JobTypes: []models.JobType{models.TypeHTMLGitHub}, Dedupe: true})
	cfg := service.DefaultWorkerConfig(models.TypeHTMLGitHub)
	cfg.GateTimeout = 0
	worker := service.NewWorkerService(store, pageHandler{}, gates, m, clock, cfg)

	srv := httptest.NewServer(NewJobHandler(jobs, m, worker).Routes())
	t.Cleanup(srv.Close)
	return &testServer{store: store, gates: gates, srv: srv}
}

func (s *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const submission = `{"source_sheet":"Form Responses 1","source_row":2,"values":["2024/05/01 9:00:00"],"named_values":{"theme":["Space"]}}`

func TestCreateSubmission(t *testing.T) {
	s := newTestServer(t, true, 0)

	resp := s.post(t, "/submissions", submission)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body submissionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.JobIDs, 1)
	assert.True(t, strings.HasPrefix(body.JobIDs[0], "A_HTML_GITHUB-"))

	again := s.post(t, "/submissions", submission)
	require.Equal(t, http.StatusCreated, again.StatusCode)
	var dup submissionResponse
	require.NoError(t, json.NewDecoder(again.Body).Decode(&dup))
	assert.Equal(t, body.JobIDs, dup.Existing)
}

func TestCreateSubmissionErrors(t *testing.T) {
	t.Run("bad body", func(t *testing.T) {
		s := newTestServer(t, true, 0)
		assert.Equal(t, http.StatusBadRequest, s.post(t, "/submissions", "{").StatusCode)
		assert.Equal(t, http.StatusBadRequest, s.post(t, "/submissions", "{}").StatusCode)
	})

	t.Run("no form trigger", func(t *testing.T) {
		s := newTestServer(t, false, 0)
		assert.Equal(t, http.StatusConflict, s.post(t, "/submissions", submission).StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		s := newTestServer(t, true, 1)
		assert.Equal(t, http.StatusCreated, s.post(t, "/submissions", submission).StatusCode)
		assert.Equal(t, http.StatusTooManyRequests, s.post(t, "/submissions", submission).StatusCode)
	})
}

func TestRunWorker(t *testing.T) {
	s := newTestServer(t, true, 0)
	require.Equal(t, http.StatusCreated, s.post(t, "/submissions", submission).StatusCode)

	resp := s.post(t, "/workers/a_html_github/run", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report service.RunReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.Done)

	list := s.get(t, "/jobs?status=DONE&jobType=A_HTML_GITHUB")
	require.Equal(t, http.StatusOK, list.StatusCode)
	var jobs []models.Job
	require.NoError(t, json.NewDecoder(list.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].ResultURL, "acme.github.io")
}

func TestRunWorkerErrors(t *testing.T) {
	s := newTestServer(t, true, 0)
	assert.Equal(t, http.StatusNotFound, s.post(t, "/workers/D_PODCAST/run", "").StatusCode)

	held := s.gates.Scope("worker:A_HTML_GITHUB")
	require.NoError(t, held.Acquire(context.Background(), 0))
	defer held.Release(context.Background())
	assert.Equal(t, http.StatusLocked, s.post(t, "/workers/A_HTML_GITHUB/run", "").StatusCode)
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t, true, 0)
	assert.Equal(t, http.StatusBadRequest, s.get(t, "/jobs?status=FAILED").StatusCode)

	resp := s.get(t, "/jobs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	assert.Empty(t, jobs)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, true, 0)
	require.Equal(t, http.StatusCreated, s.post(t, "/submissions", submission).StatusCode)

	assert.Equal(t, http.StatusOK, s.get(t, "/healthz").StatusCode)

	prom := s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, prom.StatusCode)

	snap := s.get(t, "/metrics/snapshot")
	var values map[string]int64
	require.NoError(t, json.NewDecoder(snap.Body).Decode(&values))
	assert.Equal(t, int64(1), values["enqueued_jobs"])
}

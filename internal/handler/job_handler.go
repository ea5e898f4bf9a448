package handler

import (
	"encoding/json"
	"errors"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/service"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// JobHandler handles HTTP requests for the queue
type JobHandler struct {
	jobService *service.JobService
	workers    map[models.JobType]*service.WorkerService
	metrics    *metrics.Metrics
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, metrics *metrics.Metrics, workers ...*service.WorkerService) *JobHandler {
	m := make(map[models.JobType]*service.WorkerService, len(workers))
	for _, w := range workers {
		m[w.JobType()] = w
	}
	return &JobHandler{
		jobService: jobService,
		workers:    m,
		metrics:    metrics,
	}
}

// Routes mounts every endpoint on a chi router
func (h *JobHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/submissions", h.CreateSubmission)
	r.Post("/workers/{jobType}/run", h.RunWorker)
	r.Get("/jobs", h.ListJobs)
	r.Handle("/metrics", h.metrics.Handler())
	r.Get("/metrics/snapshot", h.GetMetrics)
	return r
}

type submissionResponse struct {
	JobIDs   []string `json:"jobIds"`
	Existing []string `json:"existing,omitempty"`
}

// CreateSubmission handles POST /submissions
func (h *JobHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var sub models.FormSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sub.SourceSheet == "" && len(sub.NamedValues) == 0 {
		http.Error(w, "source_sheet or named_values is required", http.StatusBadRequest)
		return
	}

	res, err := h.jobService.Enqueue(r.Context(), sub)
	if err != nil {
		log.Error().Err(err).Str("source_sheet", sub.SourceSheet).Int("source_row", sub.SourceRow).Msg("error enqueueing submission")

		var cfgErr *service.ConfigError
		switch {
		case errors.Is(err, service.ErrRateLimitExceeded):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		case errors.Is(err, service.ErrFormTriggerMissing):
			http.Error(w, "form trigger is not installed; run init-queue", http.StatusConflict)
		case errors.Is(err, gate.ErrTimeout):
			http.Error(w, "queue is busy", http.StatusLocked)
		case errors.As(err, &cfgErr):
			http.Error(w, cfgErr.Error(), http.StatusInternalServerError)
		default:
			http.Error(w, "failed to enqueue submission", http.StatusInternalServerError)
		}
		return
	}

	resp := submissionResponse{JobIDs: res.JobIDs()}
	for _, j := range res.Existing {
		resp.Existing = append(resp.Existing, j.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// RunWorker handles POST /workers/{jobType}/run
func (h *JobHandler) RunWorker(w http.ResponseWriter, r *http.Request) {
	jobType := models.JobType(strings.ToUpper(chi.URLParam(r, "jobType")))
	worker, ok := h.workers[jobType]
	if !ok {
		http.Error(w, "unknown job type", http.StatusNotFound)
		return
	}

	report, err := worker.RunOnce(r.Context())
	if err != nil {
		log.Error().Err(err).Str("job_type", string(jobType)).Msg("worker invocation failed")

		var cfgErr *service.ConfigError
		switch {
		case errors.Is(err, gate.ErrTimeout):
			http.Error(w, "worker is already running", http.StatusLocked)
		case errors.As(err, &cfgErr):
			http.Error(w, cfgErr.Error(), http.StatusInternalServerError)
		default:
			http.Error(w, "worker invocation failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListJobs handles GET /jobs?status=&jobType=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case models.StatusFresh, models.StatusPending, models.StatusRunning,
		models.StatusDone, models.StatusError, models.StatusSkip:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	filter := models.JobFilter{
		Status: status,
		Type:   models.JobType(strings.ToUpper(r.URL.Query().Get("jobType"))),
	}

	jobs, err := h.jobService.ListJobs(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("error listing jobs")
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetMetrics handles GET /metrics/snapshot
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("error encoding response")
	}
}

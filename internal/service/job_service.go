package service

import (
	"context"
	"encoding/json"
	"fmt"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// QueueStore is what the enqueuer needs from persistence
type QueueStore interface {
	repository.RowStore
	repository.TriggerStore
}

// EnqueueConfig configures the fan-out of one submission
type EnqueueConfig struct {
	JobTypes []models.JobType
	// Dedupe skips job types already enqueued for the same source row.
	Dedupe      bool
	Location    *time.Location
	GateScope   string
	GateTimeout time.Duration
}

// EnqueueResult lists the jobs created for a submission and those that
// already existed for its source row
type EnqueueResult struct {
	Created  []*models.Job `json:"created"`
	Existing []*models.Job `json:"existing,omitempty"`
}

// JobIDs returns the ids of every job the submission maps to
func (r EnqueueResult) JobIDs() []string {
	ids := make([]string, 0, len(r.Created)+len(r.Existing))
	for _, j := range r.Created {
		ids = append(ids, j.ID)
	}
	for _, j := range r.Existing {
		ids = append(ids, j.ID)
	}
	return ids
}

// JobService handles enqueueing and reporting
type JobService struct {
	store       QueueStore
	gates       gate.Provider
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	cfg         EnqueueConfig
}

// NewJobService creates a new job service
func NewJobService(store QueueStore, gates gate.Provider, rateLimiter *RateLimiter, metrics *metrics.Metrics, clock clockwork.Clock, cfg EnqueueConfig) *JobService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.GateScope == "" {
		cfg.GateScope = "enqueue"
	}
	if len(cfg.JobTypes) == 0 {
		cfg.JobTypes = []models.JobType{models.TypeHTMLGitHub, models.TypeBlogWP, models.TypeSlidesGen}
	}
	return &JobService{
		store:       store,
		gates:       gates,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		clock:       clock,
		cfg:         cfg,
	}
}

// Enqueue appends one PENDING job per configured job type for sub
func (s *JobService) Enqueue(ctx context.Context, sub models.FormSubmission) (EnqueueResult, error) {
	var result EnqueueResult

	if err := s.rateLimiter.CheckSubmissionRate(ctx, sub.SourceSheet); err != nil {
		return result, err
	}

	if err := s.requireFormTrigger(ctx); err != nil {
		return result, err
	}

	if err := s.store.ValidateColumns(ctx, models.QueueFields); err != nil {
		return result, &ConfigError{Err: err}
	}

	payload, err := json.Marshal(models.NewPayload(sub))
	if err != nil {
		return result, fmt.Errorf("failed to encode payload: %w", err)
	}

	err = gate.With(ctx, s.gates.Scope(s.cfg.GateScope), s.cfg.GateTimeout, func(ctx context.Context) error {
		now := s.clock.Now()
		for _, jobType := range s.cfg.JobTypes {
			if s.cfg.Dedupe && sub.SourceRow > 0 {
				existing, err := s.store.FindBySource(ctx, jobType, sub.SourceSheet, sub.SourceRow)
				if err != nil {
					return fmt.Errorf("failed to check existing jobs: %w", err)
				}
				if existing != nil {
					log.Info().Str("job_id", existing.ID).Str("source_sheet", sub.SourceSheet).Int("source_row", sub.SourceRow).
						Msg("duplicate submission detected, job already enqueued")
					result.Existing = append(result.Existing, existing)
					continue
				}
			}

			created := now
			result.Created = append(result.Created, &models.Job{
				ID:          models.NewJobID(jobType, now, s.cfg.Location),
				CreatedAt:   &created,
				Type:        jobType,
				Status:      models.StatusPending,
				SourceSheet: sub.SourceSheet,
				SourceRow:   sub.SourceRow,
				Payload:     payload,
				UpdatedAt:   &created,
			})
		}

		if len(result.Created) == 0 {
			return nil
		}
		if err := s.store.Append(ctx, result.Created); err != nil {
			return fmt.Errorf("failed to append jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	for _, job := range result.Created {
		s.metrics.IncrementEnqueuedJobs(job.Type)
		log.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Int64("row", job.Position).Msg("job enqueued")
	}
	return result, nil
}

// ListJobs returns queue rows passing filter in position order
func (s *JobService) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	rows, err := s.store.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*models.Job, 0, len(rows))
	for _, j := range rows {
		if filter.Matches(j) {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *JobService) requireFormTrigger(ctx context.Context) error {
	triggers, err := s.store.Triggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to read triggers: %w", err)
	}
	for _, t := range triggers {
		if t.Handler == models.FormTriggerHandler {
			return nil
		}
	}
	return ErrFormTriggerMissing
}

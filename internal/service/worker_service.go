package service

import (
	"context"
	"errors"
	"fmt"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxErrorRunes bounds lastError
const MaxErrorRunes = 45000

// WorkerConfig is the per-worker tuning of the shared queue engine
type WorkerConfig struct {
	BatchSize   int
	MaxAttempts int
	Backoff     Backoff
	Lease       time.Duration
	GateScope   string
	GateTimeout time.Duration
}

// DefaultWorkerConfig returns the defaults for jobType
func DefaultWorkerConfig(jobType models.JobType) WorkerConfig {
	return WorkerConfig{
		BatchSize:   1,
		MaxAttempts: 5,
		Backoff:     Backoff{Minutes: DefaultBackoffMinutes},
		Lease:       15 * time.Minute,
		GateScope:   "worker:" + string(jobType),
		GateTimeout: 30 * time.Second,
	}
}

// RunReport summarises one invocation
type RunReport struct {
	Processed  int `json:"processed"`
	Done       int `json:"done"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	LostClaims int `json:"lost_claims"`
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeSkipped
	outcomeLost
	outcomeStoreError
)

// WorkerService runs the poll-claim-run cycle for one job type
type WorkerService struct {
	store    repository.RowStore
	handler  Handler
	gates    gate.Provider
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	cfg      WorkerConfig
	selector Selector
}

// NewWorkerService creates a new worker service
func NewWorkerService(store repository.RowStore, handler Handler, gates gate.Provider, metrics *metrics.Metrics, clock clockwork.Clock, cfg WorkerConfig) *WorkerService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	defaults := DefaultWorkerConfig(handler.JobType())
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if len(cfg.Backoff.Minutes) == 0 {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.GateScope == "" {
		cfg.GateScope = defaults.GateScope
	}

	match := MatchType(handler.JobType())
	if t, ok := handler.(Targeted); ok {
		match = t.Match()
	}

	return &WorkerService{
		store:   store,
		handler: handler,
		gates:   gates,
		metrics: metrics,
		clock:   clock,
		cfg:     cfg,
		selector: Selector{
			Match:       match,
			Backoff:     cfg.Backoff,
			MaxAttempts: cfg.MaxAttempts,
			Lease:       cfg.Lease,
		},
	}
}

// JobType returns the handled job type
func (s *WorkerService) JobType() models.JobType {
	return s.handler.JobType()
}

// RunOnce processes up to BatchSize eligible rows under the gate.
// Configuration problems and gate timeouts are returned; per-row failures
// are recorded on the rows.
func (s *WorkerService) RunOnce(ctx context.Context) (RunReport, error) {
	var report RunReport
	jobType := s.handler.JobType()

	required := append(append([]models.Field{}, models.QueueFields...), s.handler.Columns()...)
	if err := s.store.ValidateColumns(ctx, required); err != nil {
		s.metrics.ObserveInvocation(jobType, "config_error")
		return report, &ConfigError{Err: err}
	}
	if err := s.handler.Preflight(ctx); err != nil {
		s.metrics.ObserveInvocation(jobType, "config_error")
		return report, &ConfigError{Err: err}
	}

	err := gate.With(ctx, s.gates.Scope(s.cfg.GateScope), s.cfg.GateTimeout, func(ctx context.Context) error {
		var err error
		report, err = s.runBatch(ctx)
		return err
	})

	switch {
	case errors.Is(err, gate.ErrTimeout):
		s.metrics.ObserveInvocation(jobType, "gate_timeout")
	case err != nil:
		s.metrics.ObserveInvocation(jobType, "error")
	default:
		s.metrics.ObserveInvocation(jobType, "ok")
	}
	return report, err
}

func (s *WorkerService) runBatch(ctx context.Context) (RunReport, error) {
	var report RunReport
	seen := make(map[int64]bool)

	for i := 0; i < s.cfg.BatchSize; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rows, err := s.store.Rows(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to read queue: %w", err)
		}

		now := s.clock.Now()
		job := s.selector.Next(rows, now, seen)
		if job == nil {
			break
		}
		seen[job.Position] = true
		report.Processed++

		var out outcome
		if s.selector.Judge(job, now) == ExpiredFinal {
			out = s.expire(ctx, job)
		} else {
			out = s.claimAndRun(ctx, job)
		}
		switch out {
		case outcomeDone:
			report.Done++
		case outcomeRetried:
			report.Retried++
		case outcomeFailed:
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		case outcomeLost:
			report.LostClaims++
		}
	}

	return report, nil
}

func (s *WorkerService) rowLogger(job *models.Job) zerolog.Logger {
	return log.With().
		Str("job_id", job.ID).
		Str("job_type", string(s.handler.JobType())).
		Int64("row", job.Position).
		Logger()
}

// expire finalises a row whose last attempt crashed while RUNNING
func (s *WorkerService) expire(ctx context.Context, job *models.Job) outcome {
	logger := s.rowLogger(job)
	patch := models.Patch{}.
		Set(models.FieldStatus, models.StatusError).
		Set(models.FieldLastError, ErrLeaseExpired.Error()).
		Clear(models.FieldLockUntil).
		Clear(models.FieldClaimedAt).
		Touch(s.clock.Now())

	if !s.finish(ctx, job, patch, logger) {
		return outcomeLost
	}
	s.metrics.IncrementFailedJobs(s.handler.JobType())
	logger.Error().Int("attempt", job.RetryCount).Msg("job failed permanently: lease expired on final attempt")
	return outcomeFailed
}

func (s *WorkerService) claimAndRun(ctx context.Context, job *models.Job) outcome {
	jobType := s.handler.JobType()
	logger := s.rowLogger(job)

	if err := s.handler.Validate(job); err != nil {
		return s.skip(ctx, job, err, logger)
	}

	now := s.clock.Now()
	attempt := job.RetryCount + 1
	claim := models.Patch{}.
		Set(models.FieldStatus, models.StatusRunning).
		Set(models.FieldRetryCount, attempt).
		Clear(models.FieldLastError).
		Clear(models.FieldLockUntil).
		Set(models.FieldClaimedAt, now).
		Touch(now)

	ok, err := s.store.CompareAndUpdate(ctx, job.Position, job.Snapshot(), claim)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim job")
		return outcomeStoreError
	}
	if !ok {
		s.metrics.IncrementLostClaims(jobType)
		logger.Warn().Msg("job claimed by another invocation, skipping")
		return outcomeLost
	}

	claimed := *job
	claim.Apply(&claimed)
	s.metrics.IncrementClaimedJobs(jobType)
	logger = logger.With().Int("attempt", attempt).Logger()
	logger.Info().Msg("job claimed")

	result, err := s.invoke(ctx, &claimed)
	if err != nil {
		return s.fail(ctx, &claimed, attempt, err, logger)
	}
	return s.complete(ctx, &claimed, result, logger)
}

// invoke runs the handler, turning a panic into an error
func (s *WorkerService) invoke(ctx context.Context, job *models.Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.handler.Handle(ctx, job)
}

func (s *WorkerService) skip(ctx context.Context, job *models.Job, err error, logger zerolog.Logger) outcome {
	reason := err.Error()
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Idempotent {
		reason = ""
	}

	patch := models.Patch{}.
		Set(models.FieldStatus, models.StatusSkip).
		Set(models.FieldLastError, TruncateError(reason)).
		Clear(models.FieldLockUntil).
		Touch(s.clock.Now())

	ok, werr := s.store.CompareAndUpdate(ctx, job.Position, job.Snapshot(), patch)
	if werr != nil {
		logger.Error().Err(werr).Msg("failed to write SKIP")
		return outcomeStoreError
	}
	if !ok {
		s.metrics.IncrementLostClaims(s.handler.JobType())
		logger.Warn().Msg("job changed before SKIP could be written")
		return outcomeLost
	}

	s.metrics.IncrementSkippedJobs(s.handler.JobType())
	logger.Info().Str("reason", reason).Msg("job skipped")
	return outcomeSkipped
}

func (s *WorkerService) complete(ctx context.Context, job *models.Job, result Result, logger zerolog.Logger) outcome {
	now := s.clock.Now()
	patch := models.Patch{}.
		Set(models.FieldStatus, models.StatusDone).
		Clear(models.FieldLastError).
		Clear(models.FieldLockUntil).
		Clear(models.FieldClaimedAt).
		Touch(now)
	for f, v := range map[models.Field]string{
		models.FieldResultURL:   result.URL,
		models.FieldResultID:    result.ID,
		models.FieldResultTitle: result.Title,
	} {
		if v != "" && s.hasColumn(f) {
			patch.Set(f, v)
		}
	}

	if !s.finish(ctx, job, patch, logger) {
		return outcomeLost
	}
	s.metrics.IncrementCompletedJobs(s.handler.JobType())
	logger.Info().Str("result_url", result.URL).Msg("job completed successfully")

	if hook, ok := s.handler.(AfterDoneHook); ok {
		done := *job
		patch.Apply(&done)
		if err := hook.AfterDone(ctx, &done); err != nil {
			logger.Error().Err(err).Msg("post-completion hook failed")
		}
	}
	return outcomeDone
}

func (s *WorkerService) fail(ctx context.Context, job *models.Job, attempt int, cause error, logger zerolog.Logger) outcome {
	now := s.clock.Now()
	msg := TruncateError(cause.Error())
	patch := models.Patch{}.
		Set(models.FieldLastError, msg).
		Clear(models.FieldClaimedAt).
		Touch(now)
	var partial *PartialError
	if errors.As(cause, &partial) && partial.ID != "" && s.hasColumn(models.FieldResultID) {
		patch.Set(models.FieldResultID, partial.ID)
	}

	if attempt >= s.cfg.MaxAttempts {
		patch.Set(models.FieldStatus, models.StatusError).Clear(models.FieldLockUntil)
		if !s.finish(ctx, job, patch, logger) {
			return outcomeLost
		}
		s.metrics.IncrementFailedJobs(s.handler.JobType())
		logger.Error().Err(cause).Msgf("job failed permanently after %d attempts", attempt)
		return outcomeFailed
	}

	wait := s.cfg.Backoff.Delay(attempt)
	patch.Set(models.FieldStatus, models.StatusPending)
	if wait > 0 {
		patch.Set(models.FieldLockUntil, now.Add(wait))
	} else {
		patch.Clear(models.FieldLockUntil)
	}
	if !s.finish(ctx, job, patch, logger) {
		return outcomeLost
	}
	s.metrics.IncrementRetriedJobs(s.handler.JobType())
	logger.Warn().Err(cause).Dur("backoff", wait).Msgf("job failed, retrying (attempt %d/%d)", attempt, s.cfg.MaxAttempts)
	return outcomeRetried
}

// finish writes a terminal patch only while the row still carries this
// invocation's claim, so a run whose lease was reclaimed cannot overwrite
// the new owner.
func (s *WorkerService) finish(ctx context.Context, job *models.Job, patch models.Patch, logger zerolog.Logger) bool {
	ok, err := s.store.CompareAndUpdate(ctx, job.Position, job.Snapshot(), patch)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record job outcome")
		return false
	}
	if !ok {
		s.metrics.IncrementLostClaims(s.handler.JobType())
		logger.Warn().Msg("claim was reclaimed before the outcome could be written")
		return false
	}
	return true
}

func (s *WorkerService) hasColumn(f models.Field) bool {
	for _, c := range s.handler.Columns() {
		if c == f {
			return true
		}
	}
	return false
}

// TruncateError bounds msg to MaxErrorRunes runes, marking the cut with …
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorRunes]) + "…"
}

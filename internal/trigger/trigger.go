// Package trigger installs invocation sources and drives interval triggers.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"form-fanout/internal/service"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultWorkerInterval is the tick of a worker trigger
const DefaultWorkerInterval = time.Minute

// ErrNoTriggers is returned by Scheduler.Run when nothing is installed
var ErrNoTriggers = errors.New("no worker triggers installed")

// SetupStore is what the setup operations need from the store
type SetupStore interface {
	EnsureQueue(ctx context.Context) error
	repository.TriggerStore
}

// Setup holds the two setup operations
type Setup struct {
	store SetupStore
	clock clockwork.Clock
}

// NewSetup creates the setup operations over store
func NewSetup(store SetupStore, clock clockwork.Clock) *Setup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Setup{store: store, clock: clock}
}

// InitQueue creates the queue with its header if absent and reinstalls the
// form-submission trigger. Running it again is harmless.
func (s *Setup) InitQueue(ctx context.Context) error {
	if err := s.store.EnsureQueue(ctx); err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	trigger := models.Trigger{
		Handler:   models.FormTriggerHandler,
		Kind:      models.TriggerForm,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.ReplaceTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to install form trigger: %w", err)
	}
	log.Info().Str("handler", trigger.Handler).Msg("queue initialized")
	return nil
}

// InitWorkerTrigger reinstalls the periodic trigger of jobType
func (s *Setup) InitWorkerTrigger(ctx context.Context, jobType models.JobType, every time.Duration) (models.Trigger, error) {
	if every <= 0 {
		every = DefaultWorkerInterval
	}
	trigger := models.Trigger{
		Handler:   models.WorkerTriggerHandler(jobType),
		Kind:      models.TriggerInterval,
		Every:     every,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.ReplaceTrigger(ctx, trigger); err != nil {
		return models.Trigger{}, fmt.Errorf("failed to install worker trigger: %w", err)
	}
	log.Info().Str("handler", trigger.Handler).Dur("every", every).Msg("worker trigger installed")
	return trigger, nil
}

// Runner is one worker's invocation entry point
type Runner interface {
	JobType() models.JobType
	RunOnce(ctx context.Context) (service.RunReport, error)
}

// Scheduler fires installed interval triggers
type Scheduler struct {
	triggers repository.TriggerStore
	runners  map[models.JobType]Runner
	clock    clockwork.Clock
}

// NewScheduler creates a scheduler for runners
func NewScheduler(triggers repository.TriggerStore, clock clockwork.Clock, runners ...Runner) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := make(map[models.JobType]Runner, len(runners))
	for _, r := range runners {
		m[r.JobType()] = r
	}
	return &Scheduler{triggers: triggers, runners: m, clock: clock}
}

// Run starts one ticker per installed worker trigger and blocks until ctx
// is cancelled. Ticks that arrive while a run is in progress are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	triggers, err := s.triggers.Triggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	var wg sync.WaitGroup
	started := 0
	for _, t := range triggers {
		if t.Kind != models.TriggerInterval {
			continue
		}
		jobType, ok := models.WorkerTriggerType(t.Handler)
		if !ok {
			log.Warn().Str("handler", t.Handler).Msg("ignoring trigger with unknown handler")
			continue
		}
		runner, ok := s.runners[jobType]
		if !ok {
			log.Warn().Str("job_type", string(jobType)).Msg("no worker configured for trigger")
			continue
		}
		every := t.Every
		if every <= 0 {
			every = DefaultWorkerInterval
		}

		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, runner, every)
		}()
	}

	if started == 0 {
		return ErrNoTriggers
	}
	log.Info().Int("triggers", started).Msg("scheduler started")
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, runner Runner, every time.Duration) {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			report, err := runner.RunOnce(ctx)
			logger := log.With().Str("job_type", string(runner.JobType())).Logger()
			if err != nil {
				logger.Error().Err(err).Msg("worker invocation failed")
				continue
			}
			if report.Processed > 0 {
				logger.Info().Interface("report", report).Msg("worker invocation finished")
			}
		}
	}
}

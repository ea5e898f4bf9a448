package service

import (
	"context"
	"errors"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestJobService(t *testing.T, store *repository.SheetStore, cfg EnqueueConfig, perMinute int) (*JobService, *metrics.Metrics) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC))
	m := metrics.NewMetrics()
	return NewJobService(store, gate.NewLocalProvider(clock), NewRateLimiter(perMinute, clock), m, clock, cfg), m
}

func newInstalledStore(t *testing.T) *repository.SheetStore {
	t.Helper()
	ctx := context.Background()
	store := repository.NewSheetStore()
	if err := store.EnsureQueue(ctx); err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	if err := store.ReplaceTrigger(ctx, models.Trigger{Handler: models.FormTriggerHandler, Kind: models.TriggerForm}); err != nil {
		t.Fatalf("failed to install trigger: %v", err)
	}
	return store
}

func testSubmission(row int) models.FormSubmission {
	return models.FormSubmission{
		SpreadsheetID: "sheet-1",
		SourceSheet:   "Form Responses 1",
		SourceRow:     row,
		Values:        []string{"2024/05/01 9:30:00", "Space"},
		NamedValues:   map[string][]string{"theme": {"Space"}},
	}
}

func TestJobService_Enqueue(t *testing.T) {
	store := newInstalledStore(t)
	tokyo := time.FixedZone("JST", 9*60*60)
	svc, m := newTestJobService(t, store, EnqueueConfig{Location: tokyo}, 0)

	result, err := svc.Enqueue(context.Background(), testSubmission(2))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Created) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(result.Created))
	}

	rows, err := store.Rows(context.Background())
	if err != nil {
		t.Fatalf("failed to read rows: %v", err)
	}
	wantTypes := []models.JobType{models.TypeHTMLGitHub, models.TypeBlogWP, models.TypeSlidesGen}
	for i, row := range rows {
		if row.Type != wantTypes[i] {
			t.Errorf("row %d: expected %s, got %s", i+1, wantTypes[i], row.Type)
		}
		if row.Status != models.StatusPending || row.RetryCount != 0 {
			t.Errorf("row %d: expected fresh PENDING row, got %+v", i+1, row)
		}
		if !strings.HasPrefix(row.ID, string(row.Type)+"-20240501093000000-") {
			t.Errorf("row %d: unexpected job id %s", i+1, row.ID)
		}
		p := row.DecodePayload()
		if p.Answer("theme") != "Space" || p.SourceRow != 2 || p.Timestamp == nil {
			t.Errorf("row %d: unexpected payload %+v", i+1, p)
		}
	}

	if m.GetSnapshot()["enqueued_jobs"] != 3 {
		t.Errorf("expected enqueued_jobs 3, got %d", m.GetSnapshot()["enqueued_jobs"])
	}
}

func TestJobService_Enqueue_Dedupe(t *testing.T) {
	store := newInstalledStore(t)
	svc, _ := newTestJobService(t, store, EnqueueConfig{Dedupe: true, JobTypes: []models.JobType{models.TypeHTMLGitHub}}, 0)

	first, err := svc.Enqueue(context.Background(), testSubmission(2))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	second, err := svc.Enqueue(context.Background(), testSubmission(2))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(second.Created) != 0 || len(second.Existing) != 1 {
		t.Fatalf("expected duplicate to map to existing job, got %+v", second)
	}
	if second.JobIDs()[0] != first.Created[0].ID {
		t.Errorf("expected existing id %s, got %s", first.Created[0].ID, second.JobIDs()[0])
	}

	// Submissions without a source row are never deduplicated.
	third, err := svc.Enqueue(context.Background(), testSubmission(0))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(third.Created) != 1 {
		t.Errorf("expected a new job, got %+v", third)
	}
}

func TestJobService_Enqueue_RequiresFormTrigger(t *testing.T) {
	store := repository.NewSheetStore()
	store.EnsureQueue(context.Background())
	svc, _ := newTestJobService(t, store, EnqueueConfig{}, 0)

	_, err := svc.Enqueue(context.Background(), testSubmission(2))
	if !errors.Is(err, ErrFormTriggerMissing) {
		t.Fatalf("expected ErrFormTriggerMissing, got %v", err)
	}
}

func TestJobService_Enqueue_MissingQueue(t *testing.T) {
	store := repository.NewSheetStore()
	store.ReplaceTrigger(context.Background(), models.Trigger{Handler: models.FormTriggerHandler, Kind: models.TriggerForm})
	svc, _ := newTestJobService(t, store, EnqueueConfig{}, 0)

	_, err := svc.Enqueue(context.Background(), testSubmission(2))

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || !errors.Is(err, repository.ErrQueueNotFound) {
		t.Fatalf("expected config error for missing queue, got %v", err)
	}
}

func TestJobService_Enqueue_RateLimited(t *testing.T) {
	store := newInstalledStore(t)
	svc, _ := newTestJobService(t, store, EnqueueConfig{JobTypes: []models.JobType{models.TypeBlogWP}}, 1)

	if _, err := svc.Enqueue(context.Background(), testSubmission(2)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := svc.Enqueue(context.Background(), testSubmission(3)); err != ErrRateLimitExceeded {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestJobService_ListJobs(t *testing.T) {
	store := newInstalledStore(t)
	svc, _ := newTestJobService(t, store, EnqueueConfig{}, 0)
	if _, err := svc.Enqueue(context.Background(), testSubmission(2)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	jobs, err := svc.ListJobs(context.Background(), models.JobFilter{Type: models.TypeBlogWP})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(jobs) != 1 || jobs[0].Type != models.TypeBlogWP {
		t.Errorf("expected one B job, got %+v", jobs)
	}

	jobs, _ = svc.ListJobs(context.Background(), models.JobFilter{Status: models.StatusDone})
	if len(jobs) != 0 {
		t.Errorf("expected no DONE jobs, got %d", len(jobs))
	}
}

// End to end: a submission flows through the enqueuer into a worker run.
func TestEnqueueThenRun(t *testing.T) {
	store := newInstalledStore(t)
	svc, m := newTestJobService(t, store, EnqueueConfig{JobTypes: []models.JobType{models.TypeHTMLGitHub}}, 0)

	result, err := svc.Enqueue(context.Background(), testSubmission(2))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 31, 0, 0, time.UTC))
	cfg := DefaultWorkerConfig(models.TypeHTMLGitHub)
	cfg.GateTimeout = 0
	w := NewWorkerService(store, newMockHandler(), gate.NewLocalProvider(clock), m, clock, cfg)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	jobs, _ := svc.ListJobs(context.Background(), models.JobFilter{Status: models.StatusDone})
	if len(jobs) != 1 || !strings.Contains(jobs[0].ResultURL, models.SafeSegment(result.Created[0].ID)) {
		t.Fatalf("expected DONE job with result url, got %+v", jobs)
	}
}

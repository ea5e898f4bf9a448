package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/gate"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/repository"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// mockHandler is a scripted handler for worker service tests
type mockHandler struct {
	jobType      models.JobType
	columns      []models.Field
	preflightErr error
	failures     int
	panics       bool
	failMessage  string
	partialID    string
	afterDoneErr error

	calls      int
	afterDones []*models.Job
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		jobType: models.TypeHTMLGitHub,
		columns: []models.Field{models.FieldResultURL},
	}
}

func (m *mockHandler) JobType() models.JobType { return m.jobType }

func (m *mockHandler) Columns() []models.Field { return m.columns }

func (m *mockHandler) Preflight(ctx context.Context) error { return m.preflightErr }

func (m *mockHandler) Validate(job *models.Job) error {
	if job.DecodePayload().Answer("theme") == "" {
		return Invalid("theme is empty")
	}
	return nil
}

func (m *mockHandler) Handle(ctx context.Context, job *models.Job) (Result, error) {
	m.calls++
	if m.panics {
		panic("template exploded")
	}
	if m.calls <= m.failures {
		msg := m.failMessage
		if msg == "" {
			msg = "github: put contents: status=502"
		}
		if m.partialID != "" {
			return Result{}, &PartialError{ID: m.partialID, Err: errors.New(msg)}
		}
		return Result{}, errors.New(msg)
	}
	return Result{URL: "https://example.github.io/site/" + models.SafeSegment(job.ID) + "/"}, nil
}

func (m *mockHandler) AfterDone(ctx context.Context, job *models.Job) error {
	m.afterDones = append(m.afterDones, job)
	return m.afterDoneErr
}

type workerFixture struct {
	store   *repository.SheetStore
	clock   *clockwork.FakeClock
	gates   *gate.LocalProvider
	metrics *metrics.Metrics
	handler *mockHandler
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	store := repository.NewSheetStore()
	if err := store.EnsureQueue(context.Background()); err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return &workerFixture{
		store:   store,
		clock:   clock,
		gates:   gate.NewLocalProvider(clock),
		metrics: metrics.NewMetrics(),
		handler: newMockHandler(),
	}
}

func (f *workerFixture) worker(cfg WorkerConfig) *WorkerService {
	return NewWorkerService(f.store, f.handler, f.gates, f.metrics, f.clock, cfg)
}

func (f *workerFixture) testConfig() WorkerConfig {
	cfg := DefaultWorkerConfig(f.handler.jobType)
	cfg.GateTimeout = 0
	return cfg
}

func (f *workerFixture) appendJob(t *testing.T, jobType models.JobType, theme string) *models.Job {
	t.Helper()
	payload, _ := json.Marshal(models.Payload{NamedValues: map[string][]string{"theme": {theme}}})
	now := f.clock.Now()
	job := &models.Job{
		ID:        models.NewJobID(jobType, now, time.UTC),
		CreatedAt: &now,
		Type:      jobType,
		Status:    models.StatusPending,
		Payload:   payload,
		UpdatedAt: &now,
	}
	if err := f.store.Append(context.Background(), []*models.Job{job}); err != nil {
		t.Fatalf("failed to append job: %v", err)
	}
	return job
}

func (f *workerFixture) row(t *testing.T, pos int64) *models.Job {
	t.Helper()
	job, err := f.store.Row(context.Background(), pos)
	if err != nil {
		t.Fatalf("failed to read row %d: %v", pos, err)
	}
	return job
}

func TestWorkerService_RunOnce_Success(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Processed != 1 || report.Done != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusDone {
		t.Errorf("expected status DONE, got %s", row.Status)
	}
	if !strings.Contains(row.ResultURL, models.SafeSegment(job.ID)) {
		t.Errorf("expected result url to contain %s, got %s", models.SafeSegment(job.ID), row.ResultURL)
	}
	if row.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", row.RetryCount)
	}
	if row.LockUntil != nil || row.ClaimedAt != nil {
		t.Errorf("expected lockUntil and claimedAt cleared, got %v %v", row.LockUntil, row.ClaimedAt)
	}
	if len(f.handler.afterDones) != 1 || f.handler.afterDones[0].Status != models.StatusDone {
		t.Errorf("expected after-done hook to see the DONE row")
	}

	snapshot := f.metrics.GetSnapshot()
	if snapshot["completed_jobs"] != 1 || snapshot["claimed_jobs"] != 1 {
		t.Errorf("unexpected metrics %v", snapshot)
	}
}

func TestWorkerService_RunOnce_EmptyThemeSkipsWithoutClaim(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.appendJob(t, models.TypeHTMLGitHub, "   ")

	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusSkip {
		t.Errorf("expected status SKIP, got %s", row.Status)
	}
	if row.LastError == "" {
		t.Error("expected a diagnostic in lastError")
	}
	if row.RetryCount != 0 {
		t.Errorf("expected retry count unchanged, got %d", row.RetryCount)
	}
	if f.handler.calls != 0 {
		t.Errorf("expected handler not to run, got %d calls", f.handler.calls)
	}
}

func TestWorkerService_RunOnce_IdempotentSkipKeepsResult(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")
	if err := f.store.Update(context.Background(), job.Position, models.Patch{}.Set(models.FieldResultURL, "https://existing")); err != nil {
		t.Fatalf("failed to seed result: %v", err)
	}

	handler := &idempotentHandler{mockHandler: f.handler}
	w := NewWorkerService(f.store, handler, f.gates, f.metrics, f.clock, f.testConfig())
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusSkip || row.ResultURL != "https://existing" || row.LastError != "" {
		t.Errorf("unexpected row %+v", row)
	}
}

type idempotentHandler struct {
	*mockHandler
}

func (h *idempotentHandler) Validate(job *models.Job) error {
	if job.ResultURL != "" {
		return &ValidationError{Reason: "result already present", Idempotent: true}
	}
	return h.mockHandler.Validate(job)
}

func TestWorkerService_RunOnce_FailureSchedulesRetry(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.failures = 1
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Retried != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusPending {
		t.Errorf("expected status PENDING, got %s", row.Status)
	}
	want := f.clock.Now().Add(time.Minute)
	if row.LockUntil == nil || !row.LockUntil.Equal(want) {
		t.Errorf("expected lockUntil %v, got %v", want, row.LockUntil)
	}
	if !strings.Contains(row.LastError, "status=502") {
		t.Errorf("expected error text, got %q", row.LastError)
	}

	// Still locked: nothing to do.
	report, _ = f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Processed != 0 {
		t.Errorf("expected locked row to be skipped, got %+v", report)
	}

	f.clock.Advance(time.Minute)
	report, _ = f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Done != 1 {
		t.Errorf("expected retry to succeed, got %+v", report)
	}
	if row := f.row(t, job.Position); row.RetryCount != 2 || row.LastError != "" {
		t.Errorf("unexpected row after retry %+v", row)
	}
}

func TestWorkerService_RunOnce_ExhaustsAttempts(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.failures = 100
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")
	cfg := f.testConfig()
	cfg.MaxAttempts = 5

	previous := 0
	for i := 1; i <= 5; i++ {
		if _, err := f.worker(cfg).RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: unexpected error %v", i, err)
		}
		row := f.row(t, job.Position)
		if row.RetryCount != previous+1 {
			t.Fatalf("run %d: expected retry count %d, got %d", i, previous+1, row.RetryCount)
		}
		previous = row.RetryCount
		f.clock.Advance(3 * time.Hour)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusError {
		t.Errorf("expected status ERROR, got %s", row.Status)
	}
	if row.LockUntil != nil {
		t.Errorf("expected lockUntil cleared, got %v", row.LockUntil)
	}
	if row.LastError == "" {
		t.Error("expected lastError to be present")
	}

	report, err := f.worker(cfg).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if report.Processed != 0 || f.handler.calls != 5 {
		t.Errorf("expected exhausted row not to be selected, report %+v calls %d", report, f.handler.calls)
	}
	if snapshot := f.metrics.GetSnapshot(); snapshot["failed_jobs"] != 1 || snapshot["retried_jobs"] != 4 {
		t.Errorf("unexpected metrics %v", snapshot)
	}
}

func TestWorkerService_RunOnce_PanicIsRecorded(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.panics = true
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Retried != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if row := f.row(t, job.Position); !strings.Contains(row.LastError, "template exploded") {
		t.Errorf("expected panic text in lastError, got %q", row.LastError)
	}
}

func TestWorkerService_RunOnce_LongErrorIsTruncated(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.failures = 1
	f.handler.failMessage = strings.Repeat("あ", MaxErrorRunes+10)
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	if _, err := f.worker(f.testConfig()).RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	row := f.row(t, job.Position)
	if got := len([]rune(row.LastError)); got != MaxErrorRunes+1 {
		t.Errorf("expected %d runes, got %d", MaxErrorRunes+1, got)
	}
	if !strings.HasSuffix(row.LastError, "…") {
		t.Error("expected truncation marker")
	}
}

func TestWorkerService_RunOnce_BatchContinuesAfterFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.failures = 1
	first := f.appendJob(t, models.TypeHTMLGitHub, "Space")
	f.appendJob(t, models.TypeBlogWP, "Ocean")
	second := f.appendJob(t, models.TypeHTMLGitHub, "Ocean")
	third := f.appendJob(t, models.TypeHTMLGitHub, "Forest")

	cfg := f.testConfig()
	cfg.BatchSize = 2
	report, err := f.worker(cfg).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Processed != 2 || report.Retried != 1 || report.Done != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if f.row(t, first.Position).Status != models.StatusPending {
		t.Error("expected first row to be scheduled for retry")
	}
	if f.row(t, second.Position).Status != models.StatusDone {
		t.Error("expected second row to complete")
	}
	if f.row(t, third.Position).Status != models.StatusPending || f.row(t, third.Position).RetryCount != 0 {
		t.Error("expected third row to be left for the next invocation")
	}
}

func TestWorkerService_RunOnce_PreflightFailureTouchesNothing(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.preflightErr = errors.New("github token not configured")
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	_, err := f.worker(f.testConfig()).RunOnce(context.Background())

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}
	if row := f.row(t, job.Position); row.Status != models.StatusPending || row.RetryCount != 0 {
		t.Errorf("expected row untouched, got %+v", row)
	}
}

func TestWorkerService_RunOnce_MissingColumn(t *testing.T) {
	f := newWorkerFixture(t)
	f.store = repository.NewSheetStoreFrom([]string{"jobId", "createdAt", "jobType", "status", "payloadJson", "retryCount", "lastError", "updatedAt", "lockUntil", "claimedAt"}, nil)

	_, err := f.worker(f.testConfig()).RunOnce(context.Background())

	var missing *repository.MissingColumnError
	if !errors.As(err, &missing) || missing.Column != "resultUrl" {
		t.Fatalf("expected missing resultUrl column, got %v", err)
	}
}

func TestWorkerService_RunOnce_GateTimeout(t *testing.T) {
	f := newWorkerFixture(t)
	f.appendJob(t, models.TypeHTMLGitHub, "Space")

	held := f.gates.Scope("worker:" + string(models.TypeHTMLGitHub))
	if err := held.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("failed to hold gate: %v", err)
	}
	defer held.Release(context.Background())

	_, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if !errors.Is(err, gate.ErrTimeout) {
		t.Fatalf("expected gate timeout, got %v", err)
	}
	if f.handler.calls != 0 {
		t.Error("expected no work while the gate is held")
	}
}

func TestWorkerService_RunOnce_ReclaimsStaleRunning(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")
	claimedAt := f.clock.Now()
	crash := models.Patch{}.
		Set(models.FieldStatus, models.StatusRunning).
		Set(models.FieldRetryCount, 1).
		Set(models.FieldClaimedAt, claimedAt).
		Touch(claimedAt)
	if err := f.store.Update(context.Background(), job.Position, crash); err != nil {
		t.Fatalf("failed to seed running row: %v", err)
	}

	report, _ := f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Processed != 0 {
		t.Fatalf("expected live lease to be honoured, got %+v", report)
	}

	f.clock.Advance(15 * time.Minute)
	report, _ = f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Done != 1 {
		t.Fatalf("expected stale lease to be reclaimed, got %+v", report)
	}
	if row := f.row(t, job.Position); row.RetryCount != 2 {
		t.Errorf("expected retry count 2 after reclaim, got %d", row.RetryCount)
	}
}

func TestWorkerService_RunOnce_FinalisesStaleFinalAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")
	claimedAt := f.clock.Now()
	crash := models.Patch{}.
		Set(models.FieldStatus, models.StatusRunning).
		Set(models.FieldRetryCount, 5).
		Set(models.FieldClaimedAt, claimedAt).
		Touch(claimedAt)
	if err := f.store.Update(context.Background(), job.Position, crash); err != nil {
		t.Fatalf("failed to seed running row: %v", err)
	}

	report, _ := f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Processed != 0 {
		t.Fatalf("expected live lease to be honoured, got %+v", report)
	}

	f.clock.Advance(24 * time.Hour)
	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Failed != 1 || report.Done != 0 {
		t.Fatalf("expected the stale final attempt to be failed, got %+v", report)
	}
	if f.handler.calls != 0 {
		t.Errorf("expected handler not to run, ran %d times", f.handler.calls)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusError {
		t.Errorf("expected ERROR, got %s", row.Status)
	}
	if row.RetryCount != 5 {
		t.Errorf("expected retry count to stay 5, got %d", row.RetryCount)
	}
	if row.LastError != ErrLeaseExpired.Error() {
		t.Errorf("expected lease expiry error, got %q", row.LastError)
	}
	if row.ClaimedAt != nil || row.LockUntil != nil {
		t.Errorf("expected claimedAt and lockUntil cleared, got %v %v", row.ClaimedAt, row.LockUntil)
	}

	f.clock.Advance(24 * time.Hour)
	report, _ = f.worker(f.testConfig()).RunOnce(context.Background())
	if report.Processed != 0 {
		t.Errorf("expected finalised row to stay put, got %+v", report)
	}
}

func TestWorkerService_RunOnce_PartialFailureKeepsResultID(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.columns = []models.Field{models.FieldResultURL, models.FieldResultID}
	f.handler.failures = 1
	f.handler.partialID = "deck-1"
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	report, err := f.worker(f.testConfig()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", report)
	}

	row := f.row(t, job.Position)
	if row.Status != models.StatusPending {
		t.Errorf("expected PENDING, got %s", row.Status)
	}
	if row.ResultID != "deck-1" {
		t.Errorf("expected resultId deck-1, got %q", row.ResultID)
	}
	if row.LastError == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestWorkerService_RunOnce_AfterDoneFailureKeepsDone(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.afterDoneErr = fmt.Errorf("index upload failed")
	job := f.appendJob(t, models.TypeHTMLGitHub, "Space")

	if _, err := f.worker(f.testConfig()).RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if row := f.row(t, job.Position); row.Status != models.StatusDone {
		t.Errorf("expected DONE, got %s", row.Status)
	}
}

// racingStore loses every conditional update, as if another invocation
// wrote the row between read and claim
type racingStore struct {
	*repository.SheetStore
}

func (r *racingStore) CompareAndUpdate(ctx context.Context, pos int64, expect models.Snapshot, patch models.Patch) (bool, error) {
	return false, nil
}

func TestWorkerService_RunOnce_LostClaim(t *testing.T) {
	f := newWorkerFixture(t)
	f.appendJob(t, models.TypeHTMLGitHub, "Space")

	w := NewWorkerService(&racingStore{f.store}, f.handler, f.gates, f.metrics, f.clock, f.testConfig())
	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.LostClaims != 1 || f.handler.calls != 0 {
		t.Errorf("expected lost claim without handler call, report %+v calls %d", report, f.handler.calls)
	}
}

func TestTruncateError(t *testing.T) {
	if got := TruncateError("short"); got != "short" {
		t.Errorf("expected untouched message, got %q", got)
	}
	long := strings.Repeat("x", MaxErrorRunes)
	if got := TruncateError(long); got != long {
		t.Error("expected message at the limit to be untouched")
	}
}

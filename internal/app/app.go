// Package app wires the configured store, gates, services and handlers.
// Both commands build the same graph.
package app

import (
	"fmt"
	"form-fanout/internal/config"
	"form-fanout/internal/gate"
	"form-fanout/internal/jobs"
	"form-fanout/internal/metrics"
	"form-fanout/internal/models"
	"form-fanout/internal/publish/github"
	"form-fanout/internal/publish/slides"
	"form-fanout/internal/publish/wordpress"
	"form-fanout/internal/repository"
	"form-fanout/internal/secrets"
	"form-fanout/internal/service"
	"form-fanout/internal/trigger"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/jonboulle/clockwork"
)

// App is the assembled object graph
type App struct {
	Config  *config.Config
	Store   repository.Store
	Gates   gate.Provider
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Secrets secrets.Store

	Jobs      *service.JobService
	Workers   []*service.WorkerService
	Intervals map[models.JobType]time.Duration
	Setup     *trigger.Setup
	Scheduler *trigger.Scheduler
	// Pages is the A_HTML_GITHUB handler, kept for rebuild-index.
	Pages *jobs.HTMLGitHub
}

// Options replaces collaborators, mainly for tests
type Options struct {
	Clock      clockwork.Clock
	HTTPClient *http.Client
	Secrets    secrets.Store
	Store      repository.Store
}

// New opens the store and builds every service from cfg
func New(cfg *config.Config, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	jobTypes, err := cfg.JobTypes()
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = OpenStore(cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.HTTP)
	}
	secretStore := opts.Secrets
	if secretStore == nil {
		secretStore = NewSecrets(cfg.Secrets)
	}

	a := &App{
		Config:    cfg,
		Store:     store,
		Gates:     NewGates(cfg.Gate, store, clock),
		Metrics:   metrics.NewMetrics(),
		Clock:     clock,
		Secrets:   secretStore,
		Intervals: make(map[models.JobType]time.Duration),
		Setup:     trigger.NewSetup(store, clock),
	}

	a.Jobs = service.NewJobService(store, a.Gates, service.NewRateLimiter(cfg.Enqueue.RatePerMinute, clock), a.Metrics, clock, service.EnqueueConfig{
		JobTypes:    jobTypes,
		Dedupe:      cfg.Enqueue.Dedupe,
		Location:    loc,
		GateScope:   cfg.Enqueue.GateScope,
		GateTimeout: cfg.Enqueue.GateTimeout,
	})

	a.Pages = jobs.NewHTMLGitHub(
		github.NewClient(httpClient, secretStore, github.Config{
			APIBase:           cfg.GitHub.APIBase,
			Owner:             cfg.GitHub.Owner,
			Repo:              cfg.GitHub.Repo,
			Branch:            cfg.GitHub.Branch,
			TokenKey:          cfg.GitHub.TokenKey,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		}),
		store,
		jobs.HTMLGitHubConfig{ThemeKey: cfg.Enqueue.ThemeKey, PagesURL: cfg.GitHub.PagesURL, Location: loc},
	)
	blog := jobs.NewBlogWordPress(
		wordpress.NewClient(httpClient, secretStore, wordpress.Config{
			BaseURL:           cfg.WordPress.BaseURL,
			Username:          cfg.WordPress.Username,
			PasswordKey:       cfg.WordPress.PasswordKey,
			RequestsPerSecond: cfg.WordPress.RequestsPerSecond,
		}),
		jobs.BlogWordPressConfig{
			ThemeKey:    cfg.Enqueue.ThemeKey,
			Status:      cfg.WordPress.Status,
			CategoryIDs: cfg.WordPress.CategoryIDs,
			TagIDs:      cfg.WordPress.TagIDs,
			MinTitle:    cfg.WordPress.MinTitle,
			MinBody:     cfg.WordPress.MinBody,
		},
	)
	deck := jobs.NewSlidesDeck(
		slides.NewClient(httpClient, secretStore, slides.Config{
			SlidesBase:     cfg.Slides.SlidesBase,
			DriveBase:      cfg.Slides.DriveBase,
			CredentialsKey: cfg.Slides.CredentialsKey,
		}),
		jobs.SlidesDeckConfig{ThemeKey: cfg.Enqueue.ThemeKey, TemplateID: cfg.Slides.TemplateID, FolderID: cfg.Slides.FolderID},
	)

	var runners []trigger.Runner
	for _, h := range []service.Handler{a.Pages, blog, deck} {
		wc, interval := cfg.Worker(h.JobType())
		w := service.NewWorkerService(store, h, a.Gates, a.Metrics, clock, wc)
		a.Workers = append(a.Workers, w)
		a.Intervals[h.JobType()] = interval
		runners = append(runners, w)
	}
	a.Scheduler = trigger.NewScheduler(store, clock, runners...)
	return a, nil
}

// Worker returns the worker for jobType
func (a *App) Worker(jobType models.JobType) (*service.WorkerService, error) {
	for _, w := range a.Workers {
		if w.JobType() == jobType {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", service.ErrUnknownJobType, jobType)
}

// Close releases the store
func (a *App) Close() error {
	return a.Store.Close()
}

// OpenStore opens the configured row store. The memory driver keeps the
// queue in process, for dry runs.
func OpenStore(sc config.StoreConfig) (repository.Store, error) {
	if sc.Driver == "memory" {
		return repository.NewSheetStore(), nil
	}
	repo, err := repository.NewSQLRepository(sc.Driver, sc.DSN, sc.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return repo, nil
}

// NewGates returns the gate provider for gc. Store gates exclude other
// processes sharing the store; local gates only this one.
func NewGates(gc config.GateConfig, locks repository.LockStore, clock clockwork.Clock) gate.Provider {
	if gc.Kind == "local" {
		return gate.NewLocalProvider(clock)
	}
	return gate.NewStoreProvider(locks, gc.TTL, clock).WithPollInterval(gc.PollInterval)
}

// NewSecrets reads env first, then the secrets directory when configured
func NewSecrets(sc config.SecretsConfig) secrets.Store {
	chain := secrets.Chain{secrets.Env{Prefix: sc.EnvPrefix}}
	if sc.Dir != "" {
		chain = append(chain, secrets.Dir{Path: sc.Dir})
	}
	return chain
}

// NewHTTPClient returns the outbound client for publish APIs. Unless
// private addresses are allowed, it refuses loopback, link-local and
// private targets.
func NewHTTPClient(hc config.HTTPConfig) *http.Client {
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if hc.AllowPrivate {
		return &http.Client{Timeout: timeout}
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		Build()
	return safeurl.Client(cfg).Client
}

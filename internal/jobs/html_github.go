package jobs

import (
	"context"
	"fmt"
	"form-fanout/internal/models"
	"form-fanout/internal/publish/github"
	"form-fanout/internal/service"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Publisher writes files to the static site repository
type Publisher interface {
	Preflight(ctx context.Context) error
	Upsert(ctx context.Context, path string, content []byte, message string) (github.UpsertResult, error)
}

// RowReader reads the queue for the index rebuild
type RowReader interface {
	Rows(ctx context.Context) ([]*models.Job, error)
}

// HTMLGitHubConfig configures the A_HTML_GITHUB handler
type HTMLGitHubConfig struct {
	ThemeKey string
	// PagesURL is the public base of the site, e.g. https://acme.github.io/site/
	PagesURL string
	// Location formats times on the index page.
	Location *time.Location
}

// HTMLGitHub renders a page per job and publishes it to GitHub Pages
type HTMLGitHub struct {
	publisher Publisher
	rows      RowReader
	cfg       HTMLGitHubConfig
}

// NewHTMLGitHub creates the A_HTML_GITHUB handler
func NewHTMLGitHub(publisher Publisher, rows RowReader, cfg HTMLGitHubConfig) *HTMLGitHub {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PagesURL != "" && !strings.HasSuffix(cfg.PagesURL, "/") {
		cfg.PagesURL += "/"
	}
	return &HTMLGitHub{publisher: publisher, rows: rows, cfg: cfg}
}

func (h *HTMLGitHub) JobType() models.JobType {
	return models.TypeHTMLGitHub
}

func (h *HTMLGitHub) Columns() []models.Field {
	return []models.Field{models.FieldResultURL}
}

func (h *HTMLGitHub) Preflight(ctx context.Context) error {
	return h.publisher.Preflight(ctx)
}

func (h *HTMLGitHub) Validate(job *models.Job) error {
	_, err := requireTheme(job, h.cfg.ThemeKey)
	return err
}

// Handle publishes docs/{safe jobId}/index.html and returns its page URL
func (h *HTMLGitHub) Handle(ctx context.Context, job *models.Job) (service.Result, error) {
	theme, err := requireTheme(job, h.cfg.ThemeKey)
	if err != nil {
		return service.Result{}, err
	}

	page, err := h.RenderPage(job)
	if err != nil {
		return service.Result{}, err
	}

	path := PagePath(job.ID)
	res, err := h.publisher.Upsert(ctx, path, page, fmt.Sprintf("%s: create %s (jobId=%s)", models.TypeHTMLGitHub, path, job.ID))
	if err != nil {
		return service.Result{}, err
	}
	log.Debug().Str("job_id", job.ID).Str("path", path).Str("commit", res.CommitSHA).Bool("unchanged", res.Unchanged).Msg("page published")

	return service.Result{URL: h.pageURL(path), Title: theme}, nil
}

// RenderPage renders the page published for job
func (h *HTMLGitHub) RenderPage(job *models.Job) ([]byte, error) {
	theme, err := requireTheme(job, h.cfg.ThemeKey)
	if err != nil {
		return nil, err
	}
	return render("page.html.tmpl", struct{ Theme, JobID string }{theme, job.ID})
}

// AfterDone republishes the index so it includes the job just completed
func (h *HTMLGitHub) AfterDone(ctx context.Context, job *models.Job) error {
	_, err := h.RebuildIndex(ctx)
	return err
}

// PagePath is the repository path of a job's page
func PagePath(jobID string) string {
	return "docs/" + models.SafeSegment(jobID) + "/index.html"
}

func (h *HTMLGitHub) pageURL(path string) string {
	rel := strings.TrimSuffix(strings.TrimPrefix(path, "docs/"), "index.html")
	return h.cfg.PagesURL + rel
}

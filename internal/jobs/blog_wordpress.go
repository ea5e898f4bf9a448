package jobs

import (
	"context"
	"fmt"
	"form-fanout/internal/models"
	"form-fanout/internal/publish/wordpress"
	"form-fanout/internal/service"
	"unicode/utf8"
)

// Poster creates blog posts
type Poster interface {
	Preflight(ctx context.Context) error
	CreatePost(ctx context.Context, post wordpress.Post) (wordpress.PostResult, error)
}

// BlogWordPressConfig configures the B_BLOG_WP handler
type BlogWordPressConfig struct {
	ThemeKey    string
	Status      string
	CategoryIDs []int
	TagIDs      []int
	// MinTitle and MinBody guard against publishing an empty article.
	MinTitle int
	MinBody  int
	// TargetCodes are the target cell spellings that route a row here.
	TargetCodes []string
}

// BlogWordPress renders an article and posts it to WordPress
type BlogWordPress struct {
	poster Poster
	cfg    BlogWordPressConfig
}

// NewBlogWordPress creates the B_BLOG_WP handler
func NewBlogWordPress(poster Poster, cfg BlogWordPressConfig) *BlogWordPress {
	if cfg.MinTitle <= 0 {
		cfg.MinTitle = 5
	}
	if cfg.MinBody <= 0 {
		cfg.MinBody = 200
	}
	if len(cfg.TargetCodes) == 0 {
		cfg.TargetCodes = []string{"B"}
	}
	return &BlogWordPress{poster: poster, cfg: cfg}
}

func (b *BlogWordPress) JobType() models.JobType {
	return models.TypeBlogWP
}

func (b *BlogWordPress) Columns() []models.Field {
	return []models.Field{models.FieldResultURL, models.FieldResultID, models.FieldResultTitle}
}

// Match accepts rows typed B_BLOG_WP and rows flagged for B in the target column
func (b *BlogWordPress) Match() service.Match {
	return service.AnyOf(service.MatchType(models.TypeBlogWP), service.MatchFlag(models.TypeBlogWP, b.cfg.TargetCodes...))
}

func (b *BlogWordPress) Preflight(ctx context.Context) error {
	return b.poster.Preflight(ctx)
}

func (b *BlogWordPress) Validate(job *models.Job) error {
	_, err := requireTheme(job, b.cfg.ThemeKey)
	return err
}

// Article is a rendered post body
type Article struct {
	Title string
	HTML  string
}

// RenderArticle renders the article for theme
func RenderArticle(theme, jobID string) (Article, error) {
	title := theme + " | Explainer"
	body, err := render("article.html.tmpl", struct{ Title, Theme, JobID string }{title, theme, jobID})
	if err != nil {
		return Article{}, err
	}
	return Article{Title: title, HTML: string(body)}, nil
}

// Handle posts the article. A too-short title or body is returned as an
// ordinary failure so the row is retried.
func (b *BlogWordPress) Handle(ctx context.Context, job *models.Job) (service.Result, error) {
	theme, err := requireTheme(job, b.cfg.ThemeKey)
	if err != nil {
		return service.Result{}, err
	}

	article, err := RenderArticle(theme, job.ID)
	if err != nil {
		return service.Result{}, err
	}
	if n := utf8.RuneCountInString(article.Title); n < b.cfg.MinTitle {
		return service.Result{}, fmt.Errorf("generated title too short: %q", article.Title)
	}
	if n := utf8.RuneCountInString(article.HTML); n < b.cfg.MinBody {
		return service.Result{}, fmt.Errorf("generated body too short: len=%d", n)
	}

	post, err := b.poster.CreatePost(ctx, wordpress.Post{
		Title:       article.Title,
		Content:     article.HTML,
		Status:      b.cfg.Status,
		CategoryIDs: b.cfg.CategoryIDs,
		TagIDs:      b.cfg.TagIDs,
	})
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{URL: post.Link, ID: post.ID, Title: article.Title}, nil
}

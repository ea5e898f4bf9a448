package jobs

import (
	"context"
	"fmt"
	"form-fanout/internal/models"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// IndexPath is the fixed location of the listing page
const IndexPath = "docs/index.html"

const noTheme = "(no theme)"

// IndexItem is one listed page
type IndexItem struct {
	CreatedAt *time.Time
	Theme     string
	PageURL   string
	JobID     string
}

// IndexItems collects the DONE pages from rows, newest first. Rows without
// createdAt sort last; equal times keep row order.
func (h *HTMLGitHub) IndexItems(rows []*models.Job) []IndexItem {
	var items []IndexItem
	for _, job := range rows {
		if job.Type != models.TypeHTMLGitHub || job.Status != models.StatusDone || job.ID == "" {
			continue
		}
		theme := job.DecodePayload().Answer(themeKey(h.cfg.ThemeKey))
		if theme == "" {
			theme = noTheme
		}
		items = append(items, IndexItem{
			CreatedAt: job.CreatedAt,
			Theme:     theme,
			PageURL:   h.pageURL(PagePath(job.ID)),
			JobID:     job.ID,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].CreatedAt, items[j].CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return items
}

// RenderIndex renders the listing page. The output depends only on items.
func (h *HTMLGitHub) RenderIndex(items []IndexItem) ([]byte, error) {
	type row struct {
		Created, Theme, PageURL, JobID string
	}
	data := struct {
		JobType models.JobType
		Items   []row
	}{JobType: models.TypeHTMLGitHub}

	for _, it := range items {
		var created string
		if it.CreatedAt != nil {
			created = it.CreatedAt.In(h.cfg.Location).Format("2006-01-02 15:04:05")
		}
		data.Items = append(data.Items, row{created, it.Theme, it.PageURL, it.JobID})
	}
	return render("index.html.tmpl", data)
}

// PreviewIndex renders the index from the current queue without
// publishing it
func (h *HTMLGitHub) PreviewIndex(ctx context.Context) ([]byte, error) {
	rows, err := h.rows.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return h.RenderIndex(h.IndexItems(rows))
}

// RebuildIndex regenerates docs/index.html from every DONE page in the
// queue and publishes it. It returns the number of listed pages.
func (h *HTMLGitHub) RebuildIndex(ctx context.Context) (int, error) {
	rows, err := h.rows.Rows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}

	items := h.IndexItems(rows)
	page, err := h.RenderIndex(items)
	if err != nil {
		return 0, err
	}

	res, err := h.publisher.Upsert(ctx, IndexPath, page, fmt.Sprintf("Update %s (items=%d)", IndexPath, len(items)))
	if err != nil {
		return 0, fmt.Errorf("failed to publish index: %w", err)
	}
	log.Info().Int("items", len(items)).Bool("unchanged", res.Unchanged).Msg("index rebuilt")
	return len(items), nil
}

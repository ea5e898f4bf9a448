package jobs

import (
	"context"
	"form-fanout/internal/models"
	"form-fanout/internal/publish/slides"
	"form-fanout/internal/service"
)

// DeckMaker creates presentations
type DeckMaker interface {
	Preflight(ctx context.Context) error
	CreateDeck(ctx context.Context, deck slides.Deck, opts slides.Options) (string, error)
}

// SlidesDeckConfig configures the C_SLIDES_GEN handler
type SlidesDeckConfig struct {
	ThemeKey   string
	TemplateID string
	FolderID   string
}

// SlidesDeck builds a short deck outline for the theme
type SlidesDeck struct {
	maker DeckMaker
	cfg   SlidesDeckConfig
}

// NewSlidesDeck creates the C_SLIDES_GEN handler
func NewSlidesDeck(maker DeckMaker, cfg SlidesDeckConfig) *SlidesDeck {
	return &SlidesDeck{maker: maker, cfg: cfg}
}

func (s *SlidesDeck) JobType() models.JobType {
	return models.TypeSlidesGen
}

func (s *SlidesDeck) Columns() []models.Field {
	return []models.Field{models.FieldResultURL, models.FieldResultID}
}

func (s *SlidesDeck) Preflight(ctx context.Context) error {
	return s.maker.Preflight(ctx)
}

// Validate skips rows that already link to a deck
func (s *SlidesDeck) Validate(job *models.Job) error {
	if job.ResultURL != "" {
		return &service.ValidationError{Reason: "deck already created", Idempotent: true}
	}
	_, err := requireTheme(job, s.cfg.ThemeKey)
	return err
}

// DeckPlan is the outline created for theme
func DeckPlan(theme string) slides.Deck {
	return slides.Deck{
		Title: theme + " | Slides",
		Slides: []slides.Slide{
			{Title: theme, Body: "The conclusion in one sentence", Notes: "Open with the conclusion"},
			{Title: "Background", Body: "Why this matters now\n- Reason 1\n- Reason 2", Notes: "Ground the background in an example"},
			{Title: "Key points", Body: "Three things to remember\n1.\n2.\n3.", Notes: "Keep each point short"},
			{Title: "Next actions", Body: "What to start today\n-\n-", Notes: "Turn it into concrete actions"},
		},
	}
}

// Handle creates the deck, or refills the one an earlier attempt left in
// resultId
func (s *SlidesDeck) Handle(ctx context.Context, job *models.Job) (service.Result, error) {
	theme, err := requireTheme(job, s.cfg.ThemeKey)
	if err != nil {
		return service.Result{}, err
	}

	deck := DeckPlan(theme)
	id, err := s.maker.CreateDeck(ctx, deck, slides.Options{
		TemplateID: s.cfg.TemplateID,
		FolderID:   s.cfg.FolderID,
		ExistingID: job.ResultID,
	})
	if err != nil {
		if id != "" {
			return service.Result{}, &service.PartialError{ID: id, Err: err}
		}
		return service.Result{}, err
	}
	return service.Result{URL: slides.URL(id), ID: id, Title: deck.Title}, nil
}

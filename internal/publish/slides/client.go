// Package slides materialises a deck outline as a Google Slides
// presentation using the Slides and Drive REST APIs.
package slides

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/secrets"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const maxErrorBody = 2000

var scopes = []string{
	"https://www.googleapis.com/auth/presentations",
	"https://www.googleapis.com/auth/drive",
}

// Slide is one outline entry
type Slide struct {
	Title string
	Body  string
	Notes string
}

// Deck is a presentation outline
type Deck struct {
	Title  string
	Slides []Slide
}

// Options controls where the deck is created
type Options struct {
	TemplateID string
	FolderID   string
	// ExistingID refills a presentation left by an earlier failed attempt
	// instead of creating a new one.
	ExistingID string
}

// Config configures API access
type Config struct {
	SlidesBase     string
	DriveBase      string
	CredentialsKey string
	// TokenSource overrides credentials from the secret store.
	TokenSource oauth2.TokenSource
}

// Client creates presentations on behalf of a service account
type Client struct {
	http    *http.Client
	secrets secrets.Store
	cfg     Config
}

// NewClient creates a Slides client
func NewClient(httpClient *http.Client, store secrets.Store, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.SlidesBase == "" {
		cfg.SlidesBase = "https://slides.googleapis.com"
	}
	if cfg.DriveBase == "" {
		cfg.DriveBase = "https://www.googleapis.com"
	}
	cfg.SlidesBase = strings.TrimRight(cfg.SlidesBase, "/")
	cfg.DriveBase = strings.TrimRight(cfg.DriveBase, "/")
	if cfg.CredentialsKey == "" {
		cfg.CredentialsKey = "GOOGLE_SERVICE_ACCOUNT_JSON"
	}
	return &Client{http: httpClient, secrets: store, cfg: cfg}
}

// Preflight checks that credentials are available
func (c *Client) Preflight(ctx context.Context) error {
	if c.cfg.TokenSource != nil {
		return nil
	}
	if _, err := c.secrets.Get(ctx, c.cfg.CredentialsKey); err != nil {
		return fmt.Errorf("google credentials: %w", err)
	}
	return nil
}

// URL returns the edit URL of a presentation
func URL(presentationID string) string {
	return "https://docs.google.com/presentation/d/" + presentationID + "/edit"
}

// CreateDeck creates a presentation for deck, replaces its slides and
// moves it into the target folder. It returns the presentation id, also
// when filling or moving it fails after creation.
func (c *Client) CreateDeck(ctx context.Context, deck Deck, opts Options) (string, error) {
	api, err := c.authorized(ctx)
	if err != nil {
		return "", err
	}

	id := opts.ExistingID
	if id == "" {
		id, err = api.create(ctx, deck.Title, opts.TemplateID)
		if err != nil {
			return "", err
		}
	}
	if err := api.fill(ctx, id, deck); err != nil {
		return id, err
	}
	if opts.FolderID != "" {
		if err := api.move(ctx, id, opts.FolderID); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (c *Client) authorized(ctx context.Context) (*api, error) {
	ts := c.cfg.TokenSource
	if ts == nil {
		raw, err := c.secrets.Get(ctx, c.cfg.CredentialsKey)
		if err != nil {
			return nil, fmt.Errorf("google credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(context.WithValue(ctx, oauth2.HTTPClient, c.http), []byte(raw), scopes...)
		if err != nil {
			return nil, fmt.Errorf("google credentials: %w", err)
		}
		ts = creds.TokenSource
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http), ts)
	return &api{http: client, cfg: c.cfg}, nil
}

type api struct {
	http *http.Client
	cfg  Config
}

type presentation struct {
	PresentationID string `json:"presentationId"`
	Slides         []struct {
		ObjectID        string `json:"objectId"`
		SlideProperties struct {
			NotesPage struct {
				NotesProperties struct {
					SpeakerNotesObjectID string `json:"speakerNotesObjectId"`
				} `json:"notesProperties"`
			} `json:"notesPage"`
		} `json:"slideProperties"`
	} `json:"slides"`
}

func (a *api) create(ctx context.Context, title, templateID string) (string, error) {
	if templateID != "" {
		var file struct {
			ID string `json:"id"`
		}
		endpoint := fmt.Sprintf("%s/drive/v3/files/%s/copy?supportsAllDrives=true", a.cfg.DriveBase, url.PathEscape(templateID))
		if err := a.call(ctx, http.MethodPost, endpoint, map[string]string{"name": title}, &file); err != nil {
			return "", fmt.Errorf("slides: copy template: %w", err)
		}
		if file.ID == "" {
			return "", errors.New("slides: copy template: missing id")
		}
		return file.ID, nil
	}

	var p presentation
	if err := a.call(ctx, http.MethodPost, a.cfg.SlidesBase+"/v1/presentations", map[string]string{"title": title}, &p); err != nil {
		return "", fmt.Errorf("slides: create presentation: %w", err)
	}
	if p.PresentationID == "" {
		return "", errors.New("slides: create presentation: missing id")
	}
	return p.PresentationID, nil
}

func (a *api) get(ctx context.Context, id string) (*presentation, error) {
	var p presentation
	if err := a.call(ctx, http.MethodGet, a.cfg.SlidesBase+"/v1/presentations/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, fmt.Errorf("slides: get presentation: %w", err)
	}
	return &p, nil
}

func (a *api) batchUpdate(ctx context.Context, id string, requests []map[string]any) error {
	if len(requests) == 0 {
		return nil
	}
	endpoint := a.cfg.SlidesBase + "/v1/presentations/" + url.PathEscape(id) + ":batchUpdate"
	if err := a.call(ctx, http.MethodPost, endpoint, map[string]any{"requests": requests}, nil); err != nil {
		return fmt.Errorf("slides: batch update: %w", err)
	}
	return nil
}

// fill replaces every slide with the deck's slides. New slides are added
// before the old ones are deleted, since a presentation keeps at least one.
func (a *api) fill(ctx context.Context, id string, deck Deck) error {
	existing, err := a.get(ctx, id)
	if err != nil {
		return err
	}

	prefix := "f" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	var requests []map[string]any
	slideIDs := make([]string, len(deck.Slides))

	for i, s := range deck.Slides {
		slideID := fmt.Sprintf("%s_s%d", prefix, i)
		titleID := slideID + "_title"
		bodyID := slideID + "_body"
		slideIDs[i] = slideID

		title := s.Title
		if title == "" {
			title = fmt.Sprintf("Slide %d", i+1)
		}

		requests = append(requests, map[string]any{
			"createSlide": map[string]any{
				"objectId":             slideID,
				"insertionIndex":       len(existing.Slides) + i,
				"slideLayoutReference": map[string]string{"predefinedLayout": "TITLE_AND_BODY"},
				"placeholderIdMappings": []map[string]any{
					{"layoutPlaceholder": map[string]any{"type": "TITLE", "index": 0}, "objectId": titleID},
					{"layoutPlaceholder": map[string]any{"type": "BODY", "index": 0}, "objectId": bodyID},
				},
			},
		})
		requests = append(requests, insertText(titleID, title))
		if s.Body != "" {
			requests = append(requests, insertText(bodyID, s.Body))
		}
	}
	for _, old := range existing.Slides {
		requests = append(requests, map[string]any{"deleteObject": map[string]string{"objectId": old.ObjectID}})
	}
	if err := a.batchUpdate(ctx, id, requests); err != nil {
		return err
	}

	// Speaker notes shapes only exist once the slides do.
	updated, err := a.get(ctx, id)
	if err != nil {
		return err
	}
	notesIDs := make(map[string]string, len(updated.Slides))
	for _, s := range updated.Slides {
		notesIDs[s.ObjectID] = s.SlideProperties.NotesPage.NotesProperties.SpeakerNotesObjectID
	}

	var notes []map[string]any
	for i, s := range deck.Slides {
		target := notesIDs[slideIDs[i]]
		if s.Notes == "" || target == "" {
			continue
		}
		notes = append(notes, insertText(target, s.Notes))
	}
	return a.batchUpdate(ctx, id, notes)
}

func (a *api) move(ctx context.Context, id, folderID string) error {
	var file struct {
		Parents []string `json:"parents"`
	}
	endpoint := fmt.Sprintf("%s/drive/v3/files/%s?fields=parents&supportsAllDrives=true", a.cfg.DriveBase, url.PathEscape(id))
	if err := a.call(ctx, http.MethodGet, endpoint, nil, &file); err != nil {
		return fmt.Errorf("slides: read parents: %w", err)
	}

	q := url.Values{}
	q.Set("addParents", folderID)
	var remove []string
	for _, p := range file.Parents {
		if p != folderID {
			remove = append(remove, p)
		}
	}
	if len(remove) > 0 {
		q.Set("removeParents", strings.Join(remove, ","))
	}
	q.Set("supportsAllDrives", "true")
	q.Set("fields", "id,parents")

	endpoint = fmt.Sprintf("%s/drive/v3/files/%s?%s", a.cfg.DriveBase, url.PathEscape(id), q.Encode())
	if err := a.call(ctx, http.MethodPatch, endpoint, map[string]any{}, nil); err != nil {
		return fmt.Errorf("slides: move to folder: %w", err)
	}
	return nil
}

func (a *api) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func insertText(objectID, text string) map[string]any {
	return map[string]any{
		"insertText": map[string]any{
			"objectId":       objectID,
			"insertionIndex": 0,
			"text":           text,
		},
	}
}

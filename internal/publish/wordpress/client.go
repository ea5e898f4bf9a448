// Package wordpress creates posts through the WordPress REST API.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/secrets"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const maxErrorBody = 2000

// Config points the client at a site
type Config struct {
	BaseURL     string
	Username    string
	PasswordKey string
	// RequestsPerSecond caps API calls; zero means unlimited.
	RequestsPerSecond float64
}

// Post is a new post
type Post struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Status      string `json:"status"`
	CategoryIDs []int  `json:"categories,omitempty"`
	TagIDs      []int  `json:"tags,omitempty"`
}

// PostResult identifies a created post
type PostResult struct {
	ID   string
	Link string
}

// Client posts to one WordPress site with an application password
type Client struct {
	http    *http.Client
	secrets secrets.Store
	cfg     Config
	limiter *rate.Limiter
}

// NewClient creates a WordPress client
func NewClient(httpClient *http.Client, store secrets.Store, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PasswordKey == "" {
		cfg.PasswordKey = "WP_APP_PASSWORD"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{http: httpClient, secrets: store, cfg: cfg, limiter: limiter}
}

// Preflight checks the site address, user and password are available
func (c *Client) Preflight(ctx context.Context) error {
	if c.cfg.BaseURL == "" || c.cfg.Username == "" {
		return errors.New("wordpress base_url and username must be configured")
	}
	if _, err := c.secrets.Get(ctx, c.cfg.PasswordKey); err != nil {
		return fmt.Errorf("wordpress password: %w", err)
	}
	return nil
}

// CreatePost publishes post and returns its id and permalink
func (c *Client) CreatePost(ctx context.Context, post Post) (PostResult, error) {
	password, err := c.secrets.Get(ctx, c.cfg.PasswordKey)
	if err != nil {
		return PostResult{}, fmt.Errorf("wordpress password: %w", err)
	}
	if post.Status == "" {
		post.Status = "draft"
	}

	payload, err := json.Marshal(post)
	if err != nil {
		return PostResult{}, fmt.Errorf("wordpress: encode post: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return PostResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/wp-json/wp/v2/posts", bytes.NewReader(payload))
	if err != nil {
		return PostResult{}, fmt.Errorf("wordpress: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.SetBasicAuth(c.cfg.Username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return PostResult{}, fmt.Errorf("wordpress: create post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return PostResult{}, fmt.Errorf("wordpress: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PostResult{}, fmt.Errorf("WP API Error: status=%d body=%s", resp.StatusCode, truncate(body))
	}

	var out struct {
		ID   json.Number `json:"id"`
		Link string      `json:"link"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PostResult{}, fmt.Errorf("WP API: invalid response: %w body=%s", err, truncate(body))
	}
	if out.ID == "" || out.ID == "0" {
		return PostResult{}, fmt.Errorf("WP API: missing id. body=%s", truncate(body))
	}
	if _, err := strconv.ParseInt(out.ID.String(), 10, 64); err != nil {
		return PostResult{}, fmt.Errorf("WP API: non-numeric id %q", out.ID)
	}
	return PostResult{ID: out.ID.String(), Link: out.Link}, nil
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

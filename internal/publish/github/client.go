// Package github writes files to a repository through the contents API.
package github

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/secrets"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const maxErrorBody = 2000

// Config addresses the target repository
type Config struct {
	APIBase   string
	Owner     string
	Repo      string
	Branch    string
	TokenKey  string
	UserAgent string
	// RequestsPerSecond caps API calls; zero means unlimited.
	RequestsPerSecond float64
}

// UpsertResult describes a completed upsert
type UpsertResult struct {
	CommitSHA string
	// Unchanged is set when the file already held the content and no
	// commit was made.
	Unchanged bool
}

// Client is a GitHub contents API client
type Client struct {
	http    *http.Client
	secrets secrets.Store
	cfg     Config
	limiter *rate.Limiter
}

// NewClient creates a contents API client
func NewClient(httpClient *http.Client, store secrets.Store, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.TokenKey == "" {
		cfg.TokenKey = "GITHUB_TOKEN"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "form-fanout"
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{http: httpClient, secrets: store, cfg: cfg, limiter: limiter}
}

// Preflight checks that the repository is configured and a token exists
func (c *Client) Preflight(ctx context.Context) error {
	if c.cfg.Owner == "" || c.cfg.Repo == "" {
		return errors.New("github owner and repo must be configured")
	}
	if _, err := c.secrets.Get(ctx, c.cfg.TokenKey); err != nil {
		return fmt.Errorf("github token: %w", err)
	}
	return nil
}

// CurrentSHA returns the blob sha of path on the branch, or "" when the
// file does not exist
func (c *Client) CurrentSHA(ctx context.Context, path string) (string, error) {
	endpoint := c.contentsURL(path) + "?ref=" + url.QueryEscape(c.cfg.Branch)
	resp, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var file struct {
			SHA string `json:"sha"`
		}
		if err := json.Unmarshal(body, &file); err != nil {
			return "", fmt.Errorf("github: decode contents: %w", err)
		}
		return file.SHA, nil
	case http.StatusNotFound:
		return "", nil
	}
	return "", fmt.Errorf("github: GET contents failed: %d %s", resp.StatusCode, truncate(body))
}

// Upsert creates or replaces path with content on the branch. The current
// sha is read first so the write never conflicts; identical content is
// not committed again.
func (c *Client) Upsert(ctx context.Context, path string, content []byte, message string) (UpsertResult, error) {
	current, err := c.CurrentSHA(ctx, path)
	if err != nil {
		return UpsertResult{}, err
	}
	if current != "" && current == BlobSHA(content) {
		return UpsertResult{Unchanged: true}, nil
	}

	req := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha,omitempty"`
	}{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  c.cfg.Branch,
		SHA:     current,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("github: encode request: %w", err)
	}

	resp, body, err := c.do(ctx, http.MethodPut, c.contentsURL(path), payload)
	if err != nil {
		return UpsertResult{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return UpsertResult{}, fmt.Errorf("github: PUT contents failed: %d %s", resp.StatusCode, truncate(body))
	}

	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return UpsertResult{}, fmt.Errorf("github: decode response: %w", err)
	}
	return UpsertResult{CommitSHA: out.Commit.SHA}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, []byte, error) {
	token, err := c.secrets.Get(ctx, c.cfg.TokenKey)
	if err != nil {
		return nil, nil, fmt.Errorf("github token: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("github: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("github: read response: %w", err)
	}
	return resp, body, nil
}

func (c *Client) contentsURL(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.cfg.APIBase, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), strings.Join(segments, "/"))
}

// BlobSHA returns the git object id of content as a blob
func BlobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
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

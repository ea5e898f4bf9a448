package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"form-fanout/internal/secrets"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContents is an in-memory contents API for one repository
type fakeContents struct {
	mu    sync.Mutex
	files map[string][]byte
	puts  []map[string]string
	auth  []string
}

func newFakeContents() *fakeContents {
	return &fakeContents{files: make(map[string][]byte)}
}

func (f *fakeContents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	const prefix = "/repos/acme/site/contents/"
	if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
		http.NotFound(w, r)
		return
	}
	path := r.URL.Path[len(prefix):]

	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("ref") != "main" {
			http.Error(w, "bad ref", http.StatusBadRequest)
			return
		}
		content, ok := f.files[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sha": BlobSHA(content)})
	case http.MethodPut:
		var req map[string]string
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		f.puts = append(f.puts, req)

		if existing, ok := f.files[path]; ok && req["sha"] != BlobSHA(existing) {
			http.Error(w, `{"message":"sha mismatch"}`, http.StatusConflict)
			return
		}
		content, _ := base64.StdEncoding.DecodeString(req["content"])
		status := http.StatusCreated
		if _, ok := f.files[path]; ok {
			status = http.StatusOK
		}
		f.files[path] = content
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"commit": map[string]string{"sha": "c0ffee"}})
	}
}

func newTestClient(t *testing.T, handler http.Handler, store secrets.Store) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), store, Config{APIBase: srv.URL, Owner: "acme", Repo: "site", Branch: "main"})
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	short := []byte("not found")
	assert.Equal(t, "not found", truncate(short))

	got := truncate([]byte(strings.Repeat("€", 1000)))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("€", maxErrorBody/3)+"…", got)
}

func TestBlobSHA(t *testing.T) {
	// git hash-object of an empty file
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", BlobSHA(nil))
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	fake := newFakeContents()
	client := newTestClient(t, fake, secrets.Static{"GITHUB_TOKEN": "ghp_test"})
	ctx := context.Background()

	res, err := client.Upsert(ctx, "docs/A-1/index.html", []byte("<h1>v1</h1>"), "A_HTML_GITHUB: create docs/A-1/index.html (jobId=A-1)")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", res.CommitSHA)
	assert.Empty(t, fake.puts[0]["sha"])
	assert.Equal(t, "main", fake.puts[0]["branch"])

	_, err = client.Upsert(ctx, "docs/A-1/index.html", []byte("<h1>v2</h1>"), "update")
	require.NoError(t, err)
	assert.Equal(t, BlobSHA([]byte("<h1>v1</h1>")), fake.puts[1]["sha"])
	assert.Equal(t, "<h1>v2</h1>", string(fake.files["docs/A-1/index.html"]))
	assert.Equal(t, "Bearer ghp_test", fake.auth[0])
}

func TestUpsertSkipsIdenticalContent(t *testing.T) {
	fake := newFakeContents()
	fake.files["docs/index.html"] = []byte("same")
	client := newTestClient(t, fake, secrets.Static{"GITHUB_TOKEN": "ghp_test"})

	res, err := client.Upsert(context.Background(), "docs/index.html", []byte("same"), "Update docs/index.html (items=1)")
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Empty(t, fake.puts)
}

func TestUpsertFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("get error", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}), secrets.Static{"GITHUB_TOKEN": "t"})
		_, err := client.Upsert(ctx, "docs/x.html", []byte("x"), "m")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GET contents failed: 500")
	})

	t.Run("put error", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "validation failed", http.StatusUnprocessableEntity)
		}), secrets.Static{"GITHUB_TOKEN": "t"})
		_, err := client.Upsert(ctx, "docs/x.html", []byte("x"), "m")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PUT contents failed: 422")
	})

	t.Run("missing token", func(t *testing.T) {
		client := newTestClient(t, newFakeContents(), secrets.Static{})
		_, err := client.Upsert(ctx, "docs/x.html", []byte("x"), "m")
		assert.True(t, errors.Is(err, secrets.ErrNotFound))
		assert.True(t, errors.Is(client.Preflight(ctx), secrets.ErrNotFound))
	})
}

func TestContentsURLEscapesSegments(t *testing.T) {
	client := NewClient(nil, secrets.Static{}, Config{Owner: "acme", Repo: "site"})
	assert.Equal(t, "https://api.github.com/repos/acme/site/contents/docs/a%20b/index.html", client.contentsURL("docs/a b/index.html"))
}

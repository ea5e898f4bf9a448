// Package secrets resolves credentials at call time. Values are never
// cached, so a rotated secret takes effect on the next call.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no source holds the key
var ErrNotFound = errors.New("secret not found")

// Store resolves a named secret
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Env reads secrets from environment variables named Prefix+KEY
type Env struct {
	Prefix string
}

// Get returns the trimmed value of the environment variable for key
func (e Env) Get(ctx context.Context, key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	v, ok := os.LookupEnv(e.Prefix + strings.ToUpper(key))
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return strings.TrimSpace(v), nil
}

// Dir reads one secret per file, as mounted by container orchestrators
type Dir struct {
	Path string
}

// Get returns the contents of Path/key with trailing newlines trimmed
func (d Dir) Get(ctx context.Context, key string) (string, error) {
	if d.Path == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	b, err := os.ReadFile(filepath.Join(d.Path, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	v := strings.TrimRight(string(b), "\r\n")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Chain tries each store in order and returns the first hit
type Chain []Store

// Get returns the first value found for key
func (c Chain) Get(ctx context.Context, key string) (string, error) {
	for _, s := range c {
		v, err := s.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Static is a fixed map, for tests and dry runs
type Static map[string]string

// Get returns the value stored under key
func (s Static) Get(ctx context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

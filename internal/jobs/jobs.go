// Package jobs holds the type-specific handlers plugged into the queue
// engine: static page to GitHub, article to WordPress and slide deck.
package jobs

import (
	"bytes"
	"embed"
	"fmt"
	"form-fanout/internal/models"
	"form-fanout/internal/service"
	"html/template"
)

// DefaultThemeKey is the form question holding the theme
const DefaultThemeKey = "theme"

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func themeKey(key string) string {
	if key == "" {
		return DefaultThemeKey
	}
	return key
}

// requireTheme returns the trimmed theme answer or a validation error
func requireTheme(job *models.Job, key string) (string, error) {
	key = themeKey(key)
	theme := job.DecodePayload().Answer(key)
	if theme == "" {
		return "", service.Invalid("theme is empty (key=%s)", key)
	}
	return theme, nil
}

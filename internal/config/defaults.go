package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"timezone": "Asia/Tokyo",

		"store.driver": "sqlite3",
		"store.dsn":    "fanout.db",
		"store.table":  "job_queue",

		"gate.kind":          "store",
		"gate.timeout":       "30s",
		"gate.ttl":           "10m",
		"gate.poll_interval": "200ms",

		"enqueue.job_types":       []string{"A_HTML_GITHUB", "B_BLOG_WP", "C_SLIDES_GEN"},
		"enqueue.theme_key":       "theme",
		"enqueue.rate_per_minute": 60,
		"enqueue.dedupe":          true,
		"enqueue.gate_scope":      "enqueue",
		"enqueue.gate_timeout":    "30s",

		"workers.defaults.batch_size":      1,
		"workers.defaults.max_attempts":    5,
		"workers.defaults.backoff_minutes": []int{1, 3, 10, 30, 120},
		"workers.defaults.lease":           "15m",
		"workers.defaults.gate_timeout":    "30s",
		"workers.defaults.interval":        "1m",

		"github.api_base":  "https://api.github.com",
		"github.branch":    "main",
		"github.token_key": "GITHUB_TOKEN",

		"wordpress.password_key": "WP_APP_PASSWORD",
		"wordpress.status":       "draft",
		"wordpress.min_title":    5,
		"wordpress.min_body":     200,

		"slides.credentials_key": "GOOGLE_SERVICE_ACCOUNT_JSON",
		"slides.slides_base":     "https://slides.googleapis.com",
		"slides.drive_base":      "https://www.googleapis.com",

		"http.timeout":       "30s",
		"http.allow_private": false,

		"server.addr":          ":8080",
		"server.run_scheduler": false,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}

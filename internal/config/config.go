// Package config loads the one configuration struct shared by every
// component.
package config

import (
	"fmt"
	"form-fanout/internal/models"
	"form-fanout/internal/service"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides
const EnvPrefix = "FANOUT_"

type Config struct {
	Timezone  string          `koanf:"timezone"`
	Store     StoreConfig     `koanf:"store"`
	Gate      GateConfig      `koanf:"gate"`
	Enqueue   EnqueueConfig   `koanf:"enqueue"`
	Workers   WorkersConfig   `koanf:"workers"`
	GitHub    GitHubConfig    `koanf:"github"`
	WordPress WordPressConfig `koanf:"wordpress"`
	Slides    SlidesConfig    `koanf:"slides"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	HTTP      HTTPConfig      `koanf:"http"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type StoreConfig struct {
	// Driver is memory, sqlite3, sqlite, postgres or mysql.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
	Table  string `koanf:"table"`
}

type GateConfig struct {
	// Kind is local (one process) or store (shared through the store).
	Kind         string        `koanf:"kind"`
	Timeout      time.Duration `koanf:"timeout"`
	TTL          time.Duration `koanf:"ttl"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type EnqueueConfig struct {
	JobTypes      []string      `koanf:"job_types"`
	ThemeKey      string        `koanf:"theme_key"`
	RatePerMinute int           `koanf:"rate_per_minute"`
	Dedupe        bool          `koanf:"dedupe"`
	GateScope     string        `koanf:"gate_scope"`
	GateTimeout   time.Duration `koanf:"gate_timeout"`
}

// WorkerConfig tunes one worker. Zero fields inherit from workers.defaults.
type WorkerConfig struct {
	BatchSize      int           `koanf:"batch_size"`
	MaxAttempts    int           `koanf:"max_attempts"`
	BackoffMinutes []int         `koanf:"backoff_minutes"`
	Lease          time.Duration `koanf:"lease"`
	GateScope      string        `koanf:"gate_scope"`
	GateTimeout    time.Duration `koanf:"gate_timeout"`
	Interval       time.Duration `koanf:"interval"`
}

type WorkersConfig struct {
	Defaults WorkerConfig `koanf:"defaults"`
	HTML     WorkerConfig `koanf:"html"`
	Blog     WorkerConfig `koanf:"blog"`
	Slides   WorkerConfig `koanf:"slides"`
}

type GitHubConfig struct {
	APIBase           string  `koanf:"api_base"`
	Owner             string  `koanf:"owner"`
	Repo              string  `koanf:"repo"`
	Branch            string  `koanf:"branch"`
	PagesURL          string  `koanf:"pages_url"`
	TokenKey          string  `koanf:"token_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

type WordPressConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Username          string  `koanf:"username"`
	PasswordKey       string  `koanf:"password_key"`
	Status            string  `koanf:"status"`
	CategoryIDs       []int   `koanf:"category_ids"`
	TagIDs            []int   `koanf:"tag_ids"`
	MinTitle          int     `koanf:"min_title"`
	MinBody           int     `koanf:"min_body"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

type SlidesConfig struct {
	TemplateID     string `koanf:"template_id"`
	FolderID       string `koanf:"folder_id"`
	CredentialsKey string `koanf:"credentials_key"`
	SlidesBase     string `koanf:"slides_base"`
	DriveBase      string `koanf:"drive_base"`
}

type SecretsConfig struct {
	EnvPrefix string `koanf:"env_prefix"`
	Dir       string `koanf:"dir"`
}

type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	// AllowPrivate permits outbound calls to private and loopback addresses.
	AllowPrivate bool `koanf:"allow_private"`
}

type ServerConfig struct {
	Addr         string `koanf:"addr"`
	RunScheduler bool   `koanf:"run_scheduler"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// nestedSections are the two-level sections reachable from the
// environment, e.g. FANOUT_WORKERS_BLOG_MAX_ATTEMPTS.
var nestedSections = []string{"workers.defaults", "workers.html", "workers.blog", "workers.slides"}

// envKey maps an environment name to a config key. FANOUT_STORE_DSN maps
// to store.dsn: the first underscore after the prefix separates the
// section from the key, or the first two for a nested section.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	for _, section := range nestedSections {
		prefix := strings.ReplaceAll(section, ".", "_") + "_"
		if strings.HasPrefix(key, prefix) {
			return section + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return strings.Replace(key, "_", ".", 1)
}

// Load reads defaults, then the TOML file at path (if any), then
// environment overrides (see envKey).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := envKey(key)
		if strings.Contains(value, ",") {
			return mapped, strings.Split(value, ",")
		}
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that could never work
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite3", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	switch c.Gate.Kind {
	case "local", "store":
	default:
		return fmt.Errorf("gate.kind: must be local or store, got %q", c.Gate.Kind)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.JobTypes(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// KnownJobTypes are the job types with a handler
var KnownJobTypes = []models.JobType{models.TypeHTMLGitHub, models.TypeBlogWP, models.TypeSlidesGen}

// JobTypes returns the job types enqueued per submission
func (c *Config) JobTypes() ([]models.JobType, error) {
	out := make([]models.JobType, 0, len(c.Enqueue.JobTypes))
	for _, name := range c.Enqueue.JobTypes {
		t, err := ParseJobType(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("enqueue.job_types: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseJobType accepts a job type name
func ParseJobType(name string) (models.JobType, error) {
	for _, t := range KnownJobTypes {
		if strings.EqualFold(name, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %s", service.ErrUnknownJobType, name)
}

// Worker returns the engine settings for jobType, with workers.defaults
// filling every unset field
func (c *Config) Worker(jobType models.JobType) (service.WorkerConfig, time.Duration) {
	var own WorkerConfig
	switch jobType {
	case models.TypeHTMLGitHub:
		own = c.Workers.HTML
	case models.TypeBlogWP:
		own = c.Workers.Blog
	case models.TypeSlidesGen:
		own = c.Workers.Slides
	}
	merged := merge(own, c.Workers.Defaults)

	out := service.DefaultWorkerConfig(jobType)
	out.BatchSize = merged.BatchSize
	out.MaxAttempts = merged.MaxAttempts
	if len(merged.BackoffMinutes) > 0 {
		out.Backoff = service.Backoff{Minutes: merged.BackoffMinutes}
	}
	out.Lease = merged.Lease
	if merged.GateScope != "" {
		out.GateScope = merged.GateScope
	}
	out.GateTimeout = merged.GateTimeout
	return out, merged.Interval
}

func merge(own, defaults WorkerConfig) WorkerConfig {
	if own.BatchSize == 0 {
		own.BatchSize = defaults.BatchSize
	}
	if own.MaxAttempts == 0 {
		own.MaxAttempts = defaults.MaxAttempts
	}
	if len(own.BackoffMinutes) == 0 {
		own.BackoffMinutes = defaults.BackoffMinutes
	}
	if own.Lease == 0 {
		own.Lease = defaults.Lease
	}
	if own.GateScope == "" {
		own.GateScope = defaults.GateScope
	}
	if own.GateTimeout == 0 {
		own.GateTimeout = defaults.GateTimeout
	}
	if own.Interval == 0 {
		own.Interval = defaults.Interval
	}
	return own
}

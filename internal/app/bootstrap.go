package app

import (
	"errors"
	"fmt"
	"form-fanout/internal/config"
	"form-fanout/internal/logging"
	"io/fs"

	"github.com/joho/godotenv"
)

// Bootstrap loads envFile (when present), the configuration at
// configPath, sets up logging and builds the App
func Bootstrap(configPath, envFile string) (*App, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	a, err := New(cfg, Options{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

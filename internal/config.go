package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grabbitd/grabbit/internal/convert"
	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/fetch"
	"github.com/grabbitd/grabbit/internal/liveness"
	"github.com/grabbitd/grabbit/internal/scheduler"
	"github.com/ilyakaznacheev/cleanenv"
)

// GrabbitConfig is the struct used to contain the various user config
// supplied by file or environment. It is constructed once at startup and
// passed by reference into each component.
type GrabbitConfig struct {
	Database  database.DatabaseConfig `yaml:"database" env-required:"true"`
	Fetch     fetch.Config            `yaml:"fetch"`
	Convert   convert.Config          `yaml:"convert"`
	Scheduler scheduler.Config        `yaml:"scheduler"`
	Liveness  liveness.Config         `yaml:"liveness"`
}

// LoadFromFile loads a YAML configuration file into a GrabbitConfig,
// applying env overrides and defaults.
func (config *GrabbitConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	return nil
}

const defaultConfigTemplate = `database:
  host: localhost
  port: "5432"
  username: grabbit
  password: grabbit
  name: grabbit

fetch:
  download_dir: downloads
  timeout: 60s

convert:
  ffmpeg_binary: /usr/bin/ffmpeg
  ffprobe_binary: /usr/bin/ffprobe
  timeout: 5m

scheduler:
  backoff_threshold: 3
  poll_interval: 5m
  max_posts_per_source: 25

liveness:
  probe_timeout: 10s
  workers: 4
`

// WriteDefaultConfig creates a starter configuration file at the given path,
// refusing to overwrite one that already exists.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}

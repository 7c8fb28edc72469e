// CLAUDE:SUMMARY Vigil service configuration: caps, intervals, recovery tuning, browser and sink settings; YAML loader.
package vigil

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vigil/vigil/internal/repair"
)

// Limits that are product decisions rather than tunables.
const (
	// MaxSavedConfigs caps the saved-configuration list. User-curated:
	// hitting the cap is an error, never an eviction.
	MaxSavedConfigs = 20

	// HistoryCap bounds the dismissal log. Oldest entries are evicted.
	HistoryCap = 50
)

// Config configures the vigil service.
type Config struct {
	// DBPath is the SQLite database file. Empty = in-memory (state does
	// not survive restarts).
	DBPath string `yaml:"db_path"`

	// MaxWatches caps concurrently tracked watches. Default: 100.
	MaxWatches int `yaml:"max_watches"`

	// DefaultIntervalMs is the refresh interval applied to watches that
	// do not set one. Default: 30000.
	DefaultIntervalMs int64 `yaml:"default_interval_ms"`

	// MinIntervalMs is the floor for any watch interval. Default: 3000.
	MinIntervalMs int64 `yaml:"min_interval_ms"`

	// Repair tunes error recovery and the watchdog.
	Repair repair.Config `yaml:"repair"`

	// Browser settings.
	Browser BrowserConfig `yaml:"browser"`

	// Sinks defines notification backends.
	Sinks []SinkConfig `yaml:"sinks"`

	// HTTPAddr is the REST listen address. Default: ":8787".
	HTTPAddr string `yaml:"http_addr"`
}

// BrowserConfig controls the Chrome connection.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	Headful          bool     `yaml:"headful"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// SinkConfig defines one notification backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`  // for webhook
}

func (c *Config) defaults() {
	if c.MaxWatches <= 0 {
		c.MaxWatches = 100
	}
	if c.DefaultIntervalMs <= 0 {
		c.DefaultIntervalMs = 30000
	}
	if c.MinIntervalMs <= 0 {
		c.MinIntervalMs = 3000
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8787"
	}
}

func defaultConfig() *Config {
	return &Config{
		MaxWatches:        100,
		DefaultIntervalMs: 30000,
		MinIntervalMs:     3000,
		HTTPAddr:          ":8787",
		Repair: repair.Config{
			Cooldown:      10 * time.Second,
			Quiesce:       1500 * time.Millisecond,
			BackoffBase:   5 * time.Second,
			BackoffMax:    120 * time.Second,
			SweepInterval: 10 * time.Second,
			StaleAfter:    30 * time.Second,
			SafetyBuffer:  2 * time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vigil: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vigil: parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Every field has a working
// default so the tool runs without a config file at all.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	DBPath    string `yaml:"database"`
	MediaDir  string `yaml:"media_dir"`
	UserAgent string `yaml:"user_agent"`

	Crawl CrawlConfig `yaml:"crawl"`
	Media MediaConfig `yaml:"media"`
}

// CrawlConfig controls the page/post fetch loop: request timeout, retry
// policy and pacing against the source server.
type CrawlConfig struct {
	TimeoutSec     int `yaml:"timeout_sec"`
	MaxAttempts    int `yaml:"max_attempts"`
	RetryMinMs     int `yaml:"retry_min_ms"`
	RetryMaxMs     int `yaml:"retry_max_ms"`
	FetchDelayMs   int `yaml:"fetch_delay_ms"`
	PagePauseEvery int `yaml:"page_pause_every"`
	PagePauseSec   int `yaml:"page_pause_sec"`
}

// MediaConfig controls the media downloader. Each kind carries its own
// pacing because audio files are orders of magnitude larger than images.
type MediaConfig struct {
	Workers int                       `yaml:"workers"`
	Kinds   map[MediaKind]MediaPolicy `yaml:"kinds"`
}

// MediaPolicy is the per-kind download contract: minimum delay between
// requests, batch size and pause (batch pacing), request timeout, and the
// attempt ceiling after which an asset is left to the verifier.
type MediaPolicy struct {
	DelayMs       int `yaml:"delay_ms"`
	BatchSize     int `yaml:"batch_size"`
	BatchPauseSec int `yaml:"batch_pause_sec"`
	TimeoutSec    int `yaml:"timeout_sec"`
	MaxAttempts   int `yaml:"max_attempts"`
}

// DefaultConfig returns the configuration used when no file is given.
// The media pacing values are deliberately conservative; the source is a
// volunteer-run server and the archive is not in a hurry.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   "https://blog.wfmu.org/freeform/",
		DBPath:    "wfmu_archive.db",
		MediaDir:  "media",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) WFMU Archive Bot",
		Crawl: CrawlConfig{
			TimeoutSec:     30,
			MaxAttempts:    3,
			RetryMinMs:     1000,
			RetryMaxMs:     10000,
			FetchDelayMs:   200,
			PagePauseEvery: 10,
			PagePauseSec:   3,
		},
		Media: MediaConfig{
			Workers: 3,
			Kinds: map[MediaKind]MediaPolicy{
				MediaImage: {
					DelayMs:       100,
					BatchSize:     100,
					BatchPauseSec: 10,
					TimeoutSec:    30,
					MaxAttempts:   3,
				},
				MediaAudio: {
					DelayMs:       2000,
					BatchSize:     50,
					BatchPauseSec: 30,
					TimeoutSec:    120,
					MaxAttempts:   2,
				},
				MediaVideo: {
					DelayMs:       1000,
					BatchSize:     50,
					BatchPauseSec: 30,
					TimeoutSec:    120,
					MaxAttempts:   2,
				},
				MediaDocument: {
					DelayMs:       200,
					BatchSize:     100,
					BatchPauseSec: 10,
					TimeoutSec:    60,
					MaxAttempts:   3,
				},
			},
		},
	}
}

// LoadConfig returns the defaults overlaid with the YAML file at path.
// An empty path means defaults only; a missing file at an explicit path is
// an error so typos don't silently archive into the wrong place.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		slog.Debug("No config file given, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	slog.Info("Loaded config", "path", path, "base_url", cfg.BaseURL, "database", cfg.DBPath)
	return cfg, nil
}

// policyFor returns the download policy for a kind, falling back to the
// document policy for kinds missing from the config file.
func (c *Config) policyFor(kind MediaKind) MediaPolicy {
	if p, ok := c.Media.Kinds[kind]; ok {
		return p
	}
	return DefaultConfig().Media.Kinds[MediaDocument]
}

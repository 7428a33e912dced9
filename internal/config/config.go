package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration, read from config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Backend        Backend `toml:"backend"`
	Sync           Sync    `toml:"sync"`
}

// Backend holds the remote messaging service settings.
type Backend struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

// Sync holds tuning knobs for the sync engine and connection supervisor.
type Sync struct {
	PageSize         int   `toml:"page_size"`
	SendAttempts     int   `toml:"send_attempts"`
	FetchAttempts    int   `toml:"fetch_attempts"`
	BackoffBaseMs    int64 `toml:"backoff_base_ms"`
	BackoffMaxMs     int64 `toml:"backoff_max_ms"`
	LivenessSeconds  int   `toml:"liveness_seconds"`
	ResyncPageCap    int   `toml:"resync_page_cap"`
	GapThreshold     int64 `toml:"gap_threshold"`
	OutboxIntervalMs int64 `toml:"outbox_interval_ms"`
}

// Load reads config from the given path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 50
	}
	if c.Sync.SendAttempts <= 0 {
		c.Sync.SendAttempts = 3
	}
	if c.Sync.FetchAttempts <= 0 {
		c.Sync.FetchAttempts = 3
	}
	if c.Sync.BackoffBaseMs <= 0 {
		c.Sync.BackoffBaseMs = 1000
	}
	if c.Sync.BackoffMaxMs <= 0 {
		c.Sync.BackoffMaxMs = 30000
	}
	if c.Sync.LivenessSeconds <= 0 {
		c.Sync.LivenessSeconds = 45
	}
	if c.Sync.ResyncPageCap <= 0 {
		c.Sync.ResyncPageCap = 10
	}
	if c.Sync.GapThreshold <= 0 {
		c.Sync.GapThreshold = 500
	}
	if c.Sync.OutboxIntervalMs <= 0 {
		c.Sync.OutboxIntervalMs = 500
	}
}

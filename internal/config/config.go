package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration file.
type Config struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	DataDir     string `toml:"data_dir"`

	RemoteTimeoutSeconds int `toml:"remote_timeout_seconds"`
	CacheTTLSeconds      int `toml:"cache_ttl_seconds"`
	MessageCap           int `toml:"message_cap"`
	RetryCeiling         int `toml:"retry_ceiling"`
	FlushIntervalSeconds int `toml:"flush_interval_seconds"`
}

// Defaults applied when a field is unset.
const (
	DefaultRemoteTimeout = 30 * time.Second
	DefaultCacheTTL      = 5 * time.Minute
	DefaultMessageCap    = 100
	DefaultRetryCeiling  = 5
	DefaultFlushInterval = 15 * time.Second
)

// Load reads config from the given path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
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
	if c.RemoteTimeoutSeconds <= 0 {
		c.RemoteTimeoutSeconds = int(DefaultRemoteTimeout.Seconds())
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = int(DefaultCacheTTL.Seconds())
	}
	if c.MessageCap <= 0 {
		c.MessageCap = DefaultMessageCap
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.FlushIntervalSeconds <= 0 {
		c.FlushIntervalSeconds = int(DefaultFlushInterval.Seconds())
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".loom")
		}
	}
}

// RemoteTimeout returns the per-call backend timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

// CacheTTL returns the cache validity window.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// FlushInterval returns the pending-write drain period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string       `toml:"default_session"`
	Server         ServerConfig `toml:"server"`
	Sync           SyncConfig   `toml:"sync"`
}

// ServerConfig locates the chat backend and authenticates against it.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	APIKey  string `toml:"api_key"`
	Token   string `toml:"token"`
}

// SyncConfig tunes the sync workers.
type SyncConfig struct {
	QueryPageSize     int `toml:"query_page_size"`
	WatchMessageLimit int `toml:"watch_message_limit"`
	ReconnectMinMS    int `toml:"reconnect_min_ms"`
	ReconnectMaxMS    int `toml:"reconnect_max_ms"`
}

// ReconnectMin returns the minimum reconnect delay.
func (s SyncConfig) ReconnectMin() time.Duration {
	return time.Duration(s.ReconnectMinMS) * time.Millisecond
}

// ReconnectMax returns the maximum reconnect delay.
func (s SyncConfig) ReconnectMax() time.Duration {
	return time.Duration(s.ReconnectMaxMS) * time.Millisecond
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return (&Config{}).WithDefaults()
}

// WithDefaults fills zero values in place and returns cfg.
func (cfg *Config) WithDefaults() *Config {
	if cfg.Sync.QueryPageSize <= 0 {
		cfg.Sync.QueryPageSize = 20
	}
	if cfg.Sync.WatchMessageLimit <= 0 {
		cfg.Sync.WatchMessageLimit = 1
	}
	if cfg.Sync.ReconnectMinMS <= 0 {
		cfg.Sync.ReconnectMinMS = 500
	}
	if cfg.Sync.ReconnectMaxMS < cfg.Sync.ReconnectMinMS {
		cfg.Sync.ReconnectMaxMS = 30000
	}
	return cfg
}

// Validate reports settings the daemon cannot run without.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	}
	if cfg.Server.WSURL == "" {
		errs = append(errs, errors.New("server.ws_url is required"))
	}
	if cfg.Server.APIKey == "" {
		errs = append(errs, errors.New("server.api_key is required"))
	}
	if cfg.Server.Token == "" {
		errs = append(errs, errors.New("server.token is required"))
	}
	return errors.Join(errs...)
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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

// ABOUTME: Client configuration stored at XDG paths with .env and environment overrides
// ABOUTME: Covers realtime endpoints, backend locations, loop intervals and logging settings
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

const (
	// AppName names the XDG config directory.
	AppName = "fieldsync"

	// ConfigFileName is the file inside the config directory.
	ConfigFileName = "config.json"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FIELDSYNC_"
)

// Defaults.
const (
	DefaultPublishInterval  = 4 * time.Second
	DefaultStaleAfter       = 2 * time.Minute
	DefaultSweepInterval    = 15 * time.Second
	DefaultFetchTimeout     = 15 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultMetricsNamespace = "fieldsync"
)

// Config holds client settings.
type Config struct {
	// RealtimeURL is the websocket endpoint of a hosted realtime service (ws:// or wss://)
	RealtimeURL string `json:"realtime_url,omitempty"`

	// APIKey authenticates against the realtime service
	APIKey string `json:"api_key,omitempty"`

	// DatabaseURL selects the Postgres backend when set
	DatabaseURL string `json:"database_url,omitempty"`

	// SQLitePath is the local backend database used when DatabaseURL is empty
	SQLitePath string `json:"sqlite_path,omitempty"`

	PublishInterval time.Duration `json:"publish_interval,omitempty"`

	// StaleAfter marks members inactive after this long without a fix; 0 disables the sweep
	StaleAfter    time.Duration `json:"stale_after"`
	SweepInterval time.Duration `json:"sweep_interval,omitempty"`
	FetchTimeout  time.Duration `json:"fetch_timeout,omitempty"`

	LogLevel         string `json:"log_level,omitempty"`
	LogFormat        string `json:"log_format,omitempty"`
	MetricsNamespace string `json:"metrics_namespace,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SQLitePath:       filepath.Join(xdg.DataHome, AppName, "fieldsync.db"),
		PublishInterval:  DefaultPublishInterval,
		StaleAfter:       DefaultStaleAfter,
		SweepInterval:    DefaultSweepInterval,
		FetchTimeout:     DefaultFetchTimeout,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		MetricsNamespace: DefaultMetricsNamespace,
	}
}

// Path returns the XDG-compliant config file path.
func Path() string {
	return filepath.Join(xdg.ConfigHome, AppName, ConfigFileName)
}

// Load reads .env from the working directory, the config file, then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFrom(Path())
}

// LoadFrom reads the config file at path. A missing file yields defaults.
// Environment variables override file values:
// - FIELDSYNC_REALTIME_URL
// - FIELDSYNC_API_KEY
// - FIELDSYNC_DATABASE_URL
// - FIELDSYNC_SQLITE_PATH
// - FIELDSYNC_PUBLISH_INTERVAL, FIELDSYNC_STALE_AFTER, FIELDSYNC_SWEEP_INTERVAL, FIELDSYNC_FETCH_TIMEOUT
// - FIELDSYNC_LOG_LEVEL, FIELDSYNC_LOG_FORMAT, FIELDSYNC_METRICS_NAMESPACE.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.PublishInterval == 0 {
		c.PublishInterval = DefaultPublishInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = DefaultMetricsNamespace
	}
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"REALTIME_URL":      &cfg.RealtimeURL,
		"API_KEY":           &cfg.APIKey,
		"DATABASE_URL":      &cfg.DatabaseURL,
		"SQLITE_PATH":       &cfg.SQLitePath,
		"LOG_LEVEL":         &cfg.LogLevel,
		"LOG_FORMAT":        &cfg.LogFormat,
		"METRICS_NAMESPACE": &cfg.MetricsNamespace,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PUBLISH_INTERVAL": &cfg.PublishInterval,
		"STALE_AFTER":      &cfg.StaleAfter,
		"SWEEP_INTERVAL":   &cfg.SweepInterval,
		"FETCH_TIMEOUT":    &cfg.FetchTimeout,
	}
	for key, dst := range durations {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the config for values the client cannot run with.
func (c *Config) Validate() error {
	if c.PublishInterval < 0 {
		return fmt.Errorf("publish_interval must be positive, got %s", c.PublishInterval)
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale_after must not be negative, got %s", c.StaleAfter)
	}
	if c.SweepInterval < 0 || c.FetchTimeout < 0 {
		return errors.New("sweep_interval and fetch_timeout must not be negative")
	}
	if c.RealtimeURL != "" && !strings.HasPrefix(c.RealtimeURL, "ws://") && !strings.HasPrefix(c.RealtimeURL, "wss://") {
		return fmt.Errorf("realtime_url must be a ws:// or wss:// url, got %q", c.RealtimeURL)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Save writes the config to the XDG path.
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes the config to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

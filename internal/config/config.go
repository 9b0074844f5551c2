// Package config loads and validates the StudySync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the remote collections API
	// (e.g. "https://api.akilhane.app").
	RemoteURL string `yaml:"remote_url"`

	// RemoteToken is the bearer token authenticating the account whose data
	// is synchronized. The account id is taken from the token's subject claim.
	RemoteToken string `yaml:"remote_token"`

	// CacheDBPath overrides the on-device cache location. Defaults to
	// ~/.local/share/studysync/cache.db.
	CacheDBPath string `yaml:"cache_db_path,omitempty"`

	// SyncInterval controls how often a reconciliation pass runs in daemon
	// mode. Minimum 10s, maximum 10m. Defaults to 1m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// WriteConcurrency bounds how many per-record remote writes a single
	// pass issues concurrently. Range 1–16. Defaults to 4.
	WriteConcurrency int `yaml:"write_concurrency"`

	// SnapshotKeep is how many pre-migration guest snapshots to retain.
	// Defaults to 3.
	SnapshotKeep int `yaml:"snapshot_keep"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "studysync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/studysync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "studysync", "config.yaml"), nil
}

// DefaultCachePath returns the default on-device cache location:
// ~/.local/share/studysync/cache.db.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "studysync", "cache.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("remote_token is required")
	}

	if c.CacheDBPath == "" {
		p, err := DefaultCachePath()
		if err != nil {
			return fmt.Errorf("resolving default cache path: %w", err)
		}
		c.CacheDBPath = p
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = time.Minute
	}
	if c.SyncInterval < 10*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 10s)", c.SyncInterval)
	}
	if c.SyncInterval > 10*time.Minute {
		return fmt.Errorf("sync_interval %v is too long (maximum 10m)", c.SyncInterval)
	}

	if c.WriteConcurrency == 0 {
		c.WriteConcurrency = 4
	}
	if c.WriteConcurrency < 1 || c.WriteConcurrency > 16 {
		return fmt.Errorf("write_concurrency %d is out of range (1–16)", c.WriteConcurrency)
	}

	if c.SnapshotKeep == 0 {
		c.SnapshotKeep = 3
	}
	if c.SnapshotKeep < 1 {
		return fmt.Errorf("snapshot_keep must be at least 1")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

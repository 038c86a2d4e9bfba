// Package config provides configuration management for greylistd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ListenMode defines the transport a listener accepts connections on.
type ListenMode string

const (
	// ListenUnix is a filesystem stream socket.
	ListenUnix ListenMode = "unix"
	// ListenTCP is a TCP listener.
	ListenTCP ListenMode = "tcp"
)

// FileConfig is the top-level wrapper for the configuration file. This
// allows greylistd and any bulk-import tooling to share a single file.
type FileConfig struct {
	Server    ServerConfig `toml:"server"`
	Greylistd Config       `toml:"greylistd"`
}

// ServerConfig holds settings shared with companion tools.
type ServerConfig struct {
	Hostname string `toml:"hostname"`
}

// Config holds the greylistd-specific server configuration.
type Config struct {
	Hostname    string            `toml:"hostname"`
	LogLevel    string            `toml:"log_level"`
	Listener    ListenerConfig    `toml:"listener"`
	Limits      LimitsConfig      `toml:"limits"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Greylist    GreylistConfig    `toml:"greylist"`
	AutoWL      AutoWLConfig      `toml:"auto_whitelist"`
	Whitelist   WhitelistConfig   `toml:"whitelist"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	PIDFile     string            `toml:"pid_file"`
}

// ListenerConfig defines settings for the single server listener.
type ListenerConfig struct {
	Mode       ListenMode `toml:"mode"`
	Address    string     `toml:"address"`     // TCP host:port
	Path       string     `toml:"path"`        // unix socket path
	SocketMode string     `toml:"socket_mode"` // octal, e.g. "0660"
	Backlog    int        `toml:"backlog"`
	Reuse      bool       `toml:"reuse_address"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections       int   `toml:"max_connections"`
	ShutdownGraceSeconds int64 `toml:"shutdown_grace_seconds"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// GreylistConfig holds greylisting policy parameters (§4.4 of the design doc).
type GreylistConfig struct {
	StoreURL    string `toml:"store_url"`
	Delay       int64  `toml:"delay_seconds"`
	RetryWindow int64  `toml:"retry_window_seconds"`
	MaxAge      int64  `toml:"max_age_seconds"`
	Action      string `toml:"action"`
	SMTPHeader  string `toml:"smtp_header"`
	Hash        bool   `toml:"hash_keys"`
	V4Prefix    int    `toml:"v4_prefix"`
	V6Prefix    int    `toml:"v6_prefix"`
	Disabled    bool   `toml:"maintenance_disabled"`
}

// AutoWLConfig holds auto-whitelist parameters.
type AutoWLConfig struct {
	StoreURL string `toml:"store_url"`
	Enabled  bool   `toml:"enabled"`
	Count    int64  `toml:"client_count"`
	Disabled bool   `toml:"maintenance_disabled"`
}

// WhitelistConfig holds whitelist source configuration.
type WhitelistConfig struct {
	Files      []string `toml:"files"`
	StoreURL   string   `toml:"store_url"`
	AllowRegex bool     `toml:"allow_regex"`
}

// MaintenanceConfig holds sweeper timing.
type MaintenanceConfig struct {
	IntervalSeconds int64 `toml:"interval_seconds"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listener: ListenerConfig{
			Mode:       ListenUnix,
			Path:       "/var/spool/postfix/private/greylistd",
			SocketMode: "0660",
			Backlog:    128,
		},
		Limits: LimitsConfig{
			MaxConnections:       100,
			ShutdownGraceSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9111",
			Path:    "/metrics",
		},
		Greylist: GreylistConfig{
			Delay:       300,
			RetryWindow: 3 * 24 * 3600,
			MaxAge:      35 * 24 * 3600,
			Action:      "DEFER_IF_PERMIT",
			SMTPHeader:  "X-Greylist: delayed {delay} seconds at {hostname}; {date}",
			Hash:        true,
			V4Prefix:    20,
			V6Prefix:    64,
		},
		AutoWL: AutoWLConfig{
			Enabled: false,
			Count:   5,
		},
		Maintenance: MaintenanceConfig{
			IntervalSeconds: 3600,
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	switch c.Listener.Mode {
	case ListenUnix:
		if c.Listener.Path == "" {
			return errors.New("listener.path is required for unix mode")
		}
	case ListenTCP:
		if c.Listener.Address == "" {
			return errors.New("listener.address is required for tcp mode")
		}
	default:
		return fmt.Errorf("invalid listener mode %q", c.Listener.Mode)
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Limits.ShutdownGraceSeconds < 0 {
		return errors.New("shutdown_grace_seconds must be non-negative")
	}

	if c.Greylist.StoreURL == "" {
		return errors.New("greylist.store_url is required")
	}

	if c.Greylist.Delay < 0 || c.Greylist.RetryWindow < 0 || c.Greylist.MaxAge < 0 {
		return errors.New("greylist timing values must be non-negative")
	}

	if c.Greylist.RetryWindow < c.Greylist.Delay {
		return errors.New("greylist.retry_window_seconds must be >= greylist.delay_seconds")
	}

	if c.Greylist.V4Prefix < 0 || c.Greylist.V4Prefix > 32 {
		return errors.New("greylist.v4_prefix must be between 0 and 32")
	}

	if c.Greylist.V6Prefix < 0 || c.Greylist.V6Prefix > 128 {
		return errors.New("greylist.v6_prefix must be between 0 and 128")
	}

	if c.AutoWL.Enabled && c.AutoWL.StoreURL == "" {
		return errors.New("auto_whitelist.store_url is required when auto_whitelist.enabled")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.Maintenance.IntervalSeconds <= 0 {
		return errors.New("maintenance.interval_seconds must be positive")
	}

	return nil
}

// MaintenanceInterval returns the sweeper tick interval.
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.Maintenance.IntervalSeconds) * time.Second
}

// ShutdownGrace returns the bounded grace period Run waits for
// in-flight connection workers to finish before flushing stores.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Limits.ShutdownGraceSeconds) * time.Second
}

// SocketFileMode parses the configured octal socket mode string.
// Returns 0660 if unset or invalid.
func (l *ListenerConfig) SocketFileMode() uint32 {
	if l.SocketMode == "" {
		return 0660
	}
	var mode uint32
	if _, err := fmt.Sscanf(l.SocketMode, "%o", &mode); err != nil {
		return 0660
	}
	return mode
}

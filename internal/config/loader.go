package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	MaxConnections int
	GreylistStore  string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./greylistd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "TCP listen address (replaces the configured listener)")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	flag.StringVar(&f.GreylistStore, "greylist-store", "", "Greylist store URL")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [greylistd]
// (specific settings), with [greylistd] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// The greylist table starts from the defaults so that a key the file
	// omits (notably hash_keys) keeps its default value.
	var fileConfig FileConfig
	fileConfig.Greylistd.Greylist = cfg.Greylist
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Greylistd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		cfg.Listener = ListenerConfig{Mode: ListenTCP, Address: f.Listen}
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.GreylistStore != "" {
		cfg.Greylist.StoreURL = f.GreylistStore
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Listener.Mode != "" {
		dst.Listener = src.Listener
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.ShutdownGraceSeconds > 0 {
		dst.Limits.ShutdownGraceSeconds = src.Limits.ShutdownGraceSeconds
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Greylist.StoreURL != "" {
		dst.Greylist.StoreURL = src.Greylist.StoreURL
	}
	if src.Greylist.Delay > 0 {
		dst.Greylist.Delay = src.Greylist.Delay
	}
	if src.Greylist.RetryWindow > 0 {
		dst.Greylist.RetryWindow = src.Greylist.RetryWindow
	}
	if src.Greylist.MaxAge > 0 {
		dst.Greylist.MaxAge = src.Greylist.MaxAge
	}
	if src.Greylist.Action != "" {
		dst.Greylist.Action = src.Greylist.Action
	}
	if src.Greylist.SMTPHeader != "" {
		dst.Greylist.SMTPHeader = src.Greylist.SMTPHeader
	}
	if src.Greylist.V4Prefix > 0 {
		dst.Greylist.V4Prefix = src.Greylist.V4Prefix
	}
	if src.Greylist.V6Prefix > 0 {
		dst.Greylist.V6Prefix = src.Greylist.V6Prefix
	}
	// Hash and Disabled are booleans that default true/false; the
	// zero-value merge above can't express a file setting them to their
	// zero value, so copy them unconditionally when the table was present
	// at all (StoreURL non-empty is our proxy for "table present"). Load
	// decodes the table over the defaults, so an omitted key still holds
	// its default here.
	if src.Greylist.StoreURL != "" {
		dst.Greylist.Hash = src.Greylist.Hash
		dst.Greylist.Disabled = src.Greylist.Disabled
	}

	if src.AutoWL.StoreURL != "" {
		dst.AutoWL.StoreURL = src.AutoWL.StoreURL
		dst.AutoWL.Enabled = src.AutoWL.Enabled
		dst.AutoWL.Disabled = src.AutoWL.Disabled
	}
	if src.AutoWL.Count > 0 {
		dst.AutoWL.Count = src.AutoWL.Count
	}

	if len(src.Whitelist.Files) > 0 {
		dst.Whitelist.Files = src.Whitelist.Files
	}
	if src.Whitelist.StoreURL != "" {
		dst.Whitelist.StoreURL = src.Whitelist.StoreURL
	}
	if src.Whitelist.AllowRegex {
		dst.Whitelist.AllowRegex = src.Whitelist.AllowRegex
	}

	if src.Maintenance.IntervalSeconds > 0 {
		dst.Maintenance.IntervalSeconds = src.Maintenance.IntervalSeconds
	}

	if src.PIDFile != "" {
		dst.PIDFile = src.PIDFile
	}

	return dst
}

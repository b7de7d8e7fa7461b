// Package config holds the host's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Validation errors.
var (
	ErrInvalidLogLevel    = errors.New("config: log level must be debug, info, warn, or error")
	ErrInvalidConsentMode = errors.New("config: consent mode must be prompt, grant, or deny")
	ErrInvalidTimeout     = errors.New("config: timeouts must be positive")
)

// Config is the host configuration.
type Config struct {
	// Version is the host version announced to plugins and checked
	// against manifests' engines.itemdeck.
	Version string `toml:"version"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	Plugins PluginConfig `toml:"plugins"`
}

// PluginConfig configures the plugin runtime.
type PluginConfig struct {
	// Search directories, one per provenance. A plugin's directory
	// decides its trust tier.
	BundledDir  string `toml:"bundled_dir"`
	RegistryDir string `toml:"registry_dir"`
	UserDir     string `toml:"user_dir"`

	// RequestTimeout bounds host requests awaiting a plugin response.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// RateWindow is the sliding window for rate limiting.
	RateWindow time.Duration `toml:"rate_window"`

	// ConsentMode decides how approval-required permissions resolve:
	// "prompt" asks on the terminal, "grant" approves everything,
	// "deny" refuses everything.
	ConsentMode string `toml:"consent_mode"`

	// Watch reloads plugins on filesystem changes.
	Watch bool `toml:"watch"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:  "2.1.0",
		LogLevel: "info",
		Plugins: PluginConfig{
			BundledDir:     "plugins/bundled",
			RegistryDir:    "plugins/registry",
			UserDir:        "plugins/user",
			RequestTimeout: 5 * time.Second,
			RateWindow:     time.Minute,
			ConsentMode:    "prompt",
			Watch:          true,
		},
	}
}

// Load reads TOML from path over the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "itemdeck", "config.toml")
	}
	return "config.toml"
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Plugins.ConsentMode {
	case "prompt", "grant", "deny":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConsentMode, c.Plugins.ConsentMode)
	}

	if c.Plugins.RequestTimeout <= 0 || c.Plugins.RateWindow <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

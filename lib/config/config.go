// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Darklock
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - the DARKLOCK_CONFIG environment variable, or
//   - a --config flag passed to the command.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${DARKLOCK_ROOT} and ${HOME} in paths, for portability.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

// Config is the master configuration for Darklock.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Broker configures the secret broker and its socket.
	Broker BrokerConfig `yaml:"broker"`

	// Guard configures the tamper-evidence service.
	Guard GuardConfig `yaml:"guard"`

	// Escrow configures recovery-key escrow.
	Escrow EscrowConfig `yaml:"escrow"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Darklock state.
	Root string `yaml:"root"`

	// Data holds the guard service's baseline, audit chain, backups,
	// and manifests. Default: ${DARKLOCK_ROOT}/data.
	Data string `yaml:"data"`

	// Secrets holds the broker's encrypted root secrets.
	// Default: ${DARKLOCK_ROOT}/secrets.
	Secrets string `yaml:"secrets"`
}

// BrokerConfig configures the secret broker.
type BrokerConfig struct {
	// SocketPath is the unix socket the broker listens on.
	// Default: ${DARKLOCK_ROOT}/broker.sock.
	SocketPath string `yaml:"socket_path"`

	// RequestTimeout bounds one IPC round trip, as a Go duration
	// string. Default: 10s.
	RequestTimeout string `yaml:"request_timeout"`
}

// GuardConfig configures the tamper-evidence service.
type GuardConfig struct {
	// DefaultMode for newly protected items: monitor_only, alert,
	// auto_restore, or sealed. Default: alert.
	DefaultMode string `yaml:"default_mode"`

	// DebounceWindow coalesces filesystem event bursts, as a Go
	// duration string. Default: 500ms.
	DebounceWindow string `yaml:"debounce_window"`

	// VerifyInterval between periodic full verification sweeps.
	// Default: 5m; values below 1m are clamped up by the service.
	VerifyInterval string `yaml:"verify_interval"`

	// CheckpointInterval is the audit chain checkpoint cadence in
	// events. Default: 1000.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// MaxBackupVersions kept per protected file. Default: 3.
	MaxBackupVersions int `yaml:"max_backup_versions"`

	// AutoRelock is the default unseal window. Default: 5m.
	AutoRelock string `yaml:"auto_relock"`

	// Silent downgrades notifications to log-only responses.
	Silent bool `yaml:"silent"`

	// Exclusions are extra filename patterns to ignore, on top of the
	// built-in defaults (editor swap files, OS droppings, and so on).
	Exclusions []string `yaml:"exclusions"`
}

// EscrowConfig configures recovery-key escrow.
type EscrowConfig struct {
	// Recipients are age public keys that can decrypt escrow bundles.
	Recipients []string `yaml:"recipients"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info.
	Level string `yaml:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// Default returns the default configuration. The defaults make a
// single-user installation work with an empty config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".darklock")

	return &Config{
		Paths: PathsConfig{
			Root:    root,
			Data:    "${DARKLOCK_ROOT}/data",
			Secrets: "${DARKLOCK_ROOT}/secrets",
		},
		Broker: BrokerConfig{
			SocketPath:     "${DARKLOCK_ROOT}/broker.sock",
			RequestTimeout: "10s",
		},
		Guard: GuardConfig{
			DefaultMode:        string(policy.ModeAlert),
			DebounceWindow:     "500ms",
			VerifyInterval:     "5m",
			CheckpointInterval: 1000,
			MaxBackupVersions:  3,
			AutoRelock:         "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the DARKLOCK_CONFIG environment
// variable. A missing variable yields the defaults: unlike a malformed
// file, running without a config file is a supported setup.
func Load() (*Config, error) {
	path := os.Getenv("DARKLOCK_CONFIG")
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${DARKLOCK_ROOT} and ${HOME} in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DARKLOCK_ROOT"] = c.Paths.Root

	c.Paths.Data = expandVars(c.Paths.Data, vars)
	c.Paths.Secrets = expandVars(c.Paths.Secrets, vars)
	c.Broker.SocketPath = expandVars(c.Broker.SocketPath, vars)
}

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Broker.SocketPath == "" {
		errs = append(errs, fmt.Errorf("broker.socket_path is required"))
	}
	if !policy.Mode(c.Guard.DefaultMode).Valid() {
		errs = append(errs, fmt.Errorf("guard.default_mode: unknown mode %q", c.Guard.DefaultMode))
	}

	for name, value := range map[string]string{
		"broker.request_timeout": c.Broker.RequestTimeout,
		"guard.debounce_window":  c.Guard.DebounceWindow,
		"guard.verify_interval":  c.Guard.VerifyInterval,
		"guard.auto_relock":      c.Guard.AutoRelock,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Guard.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("guard.checkpoint_interval must not be negative"))
	}
	if c.Guard.MaxBackupVersions < 0 {
		errs = append(errs, fmt.Errorf("guard.max_backup_versions must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json"))
	}

	return errors.Join(errs...)
}

// duration parses a validated duration string; empty yields zero.
func duration(value string) time.Duration {
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}

// Timeout returns the parsed broker request timeout.
func (b BrokerConfig) Timeout() time.Duration { return duration(b.RequestTimeout) }

// Debounce returns the parsed debounce window.
func (g GuardConfig) Debounce() time.Duration { return duration(g.DebounceWindow) }

// Verify returns the parsed verification interval.
func (g GuardConfig) Verify() time.Duration { return duration(g.VerifyInterval) }

// Relock returns the parsed auto-relock window.
func (g GuardConfig) Relock() time.Duration { return duration(g.AutoRelock) }

// Mode returns the default protection mode.
func (g GuardConfig) Mode() policy.Mode { return policy.Mode(g.DefaultMode) }

// NewLogger builds a slog.Logger per the logging configuration.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Data, c.Paths.Secrets} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}

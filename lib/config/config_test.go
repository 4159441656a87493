// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "darklock.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Guard.Mode() != policy.ModeAlert {
		t.Errorf("default mode = %s", cfg.Guard.Mode())
	}
	if cfg.Guard.Debounce() != 500*time.Millisecond {
		t.Errorf("debounce = %s", cfg.Guard.Debounce())
	}
	if cfg.Guard.Verify() != 5*time.Minute {
		t.Errorf("verify interval = %s", cfg.Guard.Verify())
	}
	if cfg.Broker.Timeout() != 10*time.Second {
		t.Errorf("request timeout = %s", cfg.Broker.Timeout())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /tmp/darklock-test
guard:
  default_mode: auto_restore
  debounce_window: 2s
  max_backup_versions: 7
  exclusions:
    - "*.cache"
logging:
  level: debug
  format: json
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/tmp/darklock-test" {
		t.Errorf("root = %s", cfg.Paths.Root)
	}
	if cfg.Guard.Mode() != policy.ModeAutoRestore {
		t.Errorf("mode = %s", cfg.Guard.Mode())
	}
	if cfg.Guard.Debounce() != 2*time.Second {
		t.Errorf("debounce = %s", cfg.Guard.Debounce())
	}
	if cfg.Guard.MaxBackupVersions != 7 {
		t.Errorf("max versions = %d", cfg.Guard.MaxBackupVersions)
	}
	if len(cfg.Guard.Exclusions) != 1 || cfg.Guard.Exclusions[0] != "*.cache" {
		t.Errorf("exclusions = %v", cfg.Guard.Exclusions)
	}
	// Untouched fields keep their defaults.
	if cfg.Guard.CheckpointInterval != 1000 {
		t.Errorf("checkpoint interval = %d", cfg.Guard.CheckpointInterval)
	}
}

func TestRootVariableExpansion(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /srv/darklock
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Data != "/srv/darklock/data" {
		t.Errorf("data = %s", cfg.Paths.Data)
	}
	if cfg.Paths.Secrets != "/srv/darklock/secrets" {
		t.Errorf("secrets = %s", cfg.Paths.Secrets)
	}
	if cfg.Broker.SocketPath != "/srv/darklock/broker.sock" {
		t.Errorf("socket = %s", cfg.Broker.SocketPath)
	}
}

func TestLoadUsesEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /tmp/darklock-env
`)
	t.Setenv("DARKLOCK_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Root != "/tmp/darklock-env" {
		t.Errorf("root = %s", cfg.Paths.Root)
	}
}

func TestLoadWithoutEnvironmentFallsBackToDefaults(t *testing.T) {
	t.Setenv("DARKLOCK_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Guard.Mode() != policy.ModeAlert {
		t.Errorf("mode = %s", cfg.Guard.Mode())
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
guard:
  debounce_window: sideways
`)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "debounce_window") {
		t.Fatalf("LoadFile = %v, want debounce_window error", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `
guard:
  default_mode: paranoid
`)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "default_mode") {
		t.Fatalf("LoadFile = %v, want default_mode error", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: shouting
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted an invalid log level")
	}
}

func TestEnsurePaths(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, "paths:\n  root: "+base+"/state\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, directory := range []string{cfg.Paths.Root, cfg.Paths.Data, cfg.Paths.Secrets} {
		info, err := os.Stat(directory)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", directory, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buffer)

	logger.Info("hidden")
	logger.Warn("visible", "key", "value")

	output := buffer.String()
	if strings.Contains(output, "hidden") {
		t.Error("info line emitted at warn level")
	}
	if !strings.Contains(output, `"msg":"visible"`) {
		t.Errorf("output = %q", output)
	}
}

package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envSessionDir, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envPollInterval, "")
	t.Setenv(envMaxInFlight, "")
	t.Setenv(envMaxSubmitted, "")
	t.Setenv(envResourcesFile, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.SessionDir != defaultSessionDir {
		t.Errorf("SessionDir = %q, want %q", cfg.SessionDir, defaultSessionDir)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.MaxInFlight != 0 || cfg.MaxSubmitted != 0 {
		t.Errorf("limits = %d/%d, want unlimited", cfg.MaxInFlight, cfg.MaxSubmitted)
	}
	if cfg.ResourcesFile != defaultResourcesFile {
		t.Errorf("ResourcesFile = %q, want %q", cfg.ResourcesFile, defaultResourcesFile)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envSessionDir, "/tmp/gridrun-session")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envPollInterval, "5s")
	t.Setenv(envMaxInFlight, "16")
	t.Setenv(envMaxSubmitted, "4")
	t.Setenv(envResourcesFile, "/etc/gridrun/resources.yaml")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.SessionDir != "/tmp/gridrun-session" {
		t.Errorf("SessionDir = %q, want %q", cfg.SessionDir, "/tmp/gridrun-session")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.MaxInFlight != 16 {
		t.Errorf("MaxInFlight = %d, want 16", cfg.MaxInFlight)
	}
	if cfg.MaxSubmitted != 4 {
		t.Errorf("MaxSubmitted = %d, want 4", cfg.MaxSubmitted)
	}
	if cfg.ResourcesFile != "/etc/gridrun/resources.yaml" {
		t.Errorf("ResourcesFile = %q", cfg.ResourcesFile)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv(envPollInterval, "not-a-duration")
	t.Setenv(envMaxInFlight, "-3")
	t.Setenv(envMaxSubmitted, "many")

	cfg := Load()

	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want default", cfg.PollInterval)
	}
	if cfg.MaxInFlight != 0 || cfg.MaxSubmitted != 0 {
		t.Errorf("limits = %d/%d, want defaults", cfg.MaxInFlight, cfg.MaxSubmitted)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestLoadResources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	doc := `
resources:
  - name: local
    type: localexec
    max_cores: 8
    spool_dir: /var/spool/gridrun
  - name: containers
    type: docker
    max_cores: 4
    auth: none
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	resources, err := LoadResources(path)
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("loaded %d resources, want 2", len(resources))
	}

	local := resources[0]
	if local.Name != "local" || local.Type != "localexec" {
		t.Errorf("first resource = %s/%s", local.Name, local.Type)
	}
	if local.MaxCores != 8 {
		t.Errorf("max cores = %d, want 8", local.MaxCores)
	}
	if local.SpoolDir != "/var/spool/gridrun" {
		t.Errorf("spool dir = %q", local.SpoolDir)
	}
	if !local.Enabled {
		t.Error("loaded resource is not enabled")
	}
	if resources[1].AuthKey != "none" {
		t.Errorf("auth key = %q, want none", resources[1].AuthKey)
	}
}

func TestLoadResourcesRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", "resources:\n  - type: localexec\n"},
		{"missing type", "resources:\n  - name: local\n"},
		{"duplicate name", "resources:\n  - name: a\n    type: localexec\n  - name: a\n    type: docker\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "resources.yaml")
			if err := os.WriteFile(path, []byte(tt.doc), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadResources(path); err == nil {
				t.Fatal("LoadResources accepted a bad definition")
			}
		})
	}
}

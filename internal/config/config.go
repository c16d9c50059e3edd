package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/gc3pie/gridrun/internal/backend"
)

const (
	defaultListenAddr    = ":8080"
	defaultSessionDir    = "gridrun.session"
	defaultPollInterval  = 30 * time.Second
	defaultMaxInFlight   = 0
	defaultMaxSubmitted  = 0
	defaultResourcesFile = "resources.yaml"

	envListenAddr    = "GRIDRUN_LISTEN_ADDR"
	envSessionDir    = "GRIDRUN_SESSION_DIR"
	envLogLevel      = "GRIDRUN_LOG_LEVEL"
	envPollInterval  = "GRIDRUN_POLL_INTERVAL"
	envMaxInFlight   = "GRIDRUN_MAX_IN_FLIGHT"
	envMaxSubmitted  = "GRIDRUN_MAX_SUBMITTED"
	envResourcesFile = "GRIDRUN_RESOURCES_FILE"
)

// Config holds application configuration loaded from environment variables.
// MaxInFlight and MaxSubmitted are engine admission limits; zero means
// unlimited.
type Config struct {
	ListenAddr    string
	SessionDir    string
	LogLevel      slog.Level
	PollInterval  time.Duration
	MaxInFlight   int
	MaxSubmitted  int
	ResourcesFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		SessionDir:    defaultSessionDir,
		LogLevel:      slog.LevelInfo,
		PollInterval:  defaultPollInterval,
		MaxInFlight:   defaultMaxInFlight,
		MaxSubmitted:  defaultMaxSubmitted,
		ResourcesFile: defaultResourcesFile,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envSessionDir); v != "" {
		cfg.SessionDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv(envMaxInFlight); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv(envMaxSubmitted); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxSubmitted = n
		}
	}
	if v := os.Getenv(envResourcesFile); v != "" {
		cfg.ResourcesFile = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// resourcesFile is the on-disk shape of the resources configuration.
type resourcesFile struct {
	Resources []*backend.Resource `yaml:"resources"`
}

// LoadResources reads the YAML resource definitions at path. Every resource
// needs a unique name and a type; loaded resources start enabled.
func LoadResources(path string) ([]*backend.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resources file: %w", err)
	}

	var file resourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse resources file: %w", err)
	}

	seen := make(map[string]bool, len(file.Resources))
	for _, res := range file.Resources {
		if res.Name == "" {
			return nil, fmt.Errorf("resources file %s: resource with no name", path)
		}
		if res.Type == "" {
			return nil, fmt.Errorf("resource %q has no type", res.Name)
		}
		if seen[res.Name] {
			return nil, fmt.Errorf("duplicate resource name %q", res.Name)
		}
		seen[res.Name] = true
		res.Enabled = true
	}
	return file.Resources, nil
}

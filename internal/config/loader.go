package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand before standardizing, since templates live inside strings.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied, used when no config
// file exists yet.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18520
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	if cfg.Pipeline.ProcessorSlots <= 0 {
		cfg.Pipeline.ProcessorSlots = 1
	}
	if cfg.Pipeline.ExecutorSlots <= 0 {
		cfg.Pipeline.ExecutorSlots = 2
	}
	if cfg.Pipeline.ProcessTimeout == 0 {
		cfg.Pipeline.ProcessTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.ExecuteTimeout == 0 {
		cfg.Pipeline.ExecuteTimeout = Duration(60 * time.Second)
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.Backoff.Base == 0 {
		cfg.Pipeline.Backoff.Base = Duration(2 * time.Second)
	}
	if cfg.Pipeline.Backoff.Cap == 0 {
		cfg.Pipeline.Backoff.Cap = Duration(time.Minute)
	}
	if cfg.Pipeline.AgingThreshold == 0 {
		cfg.Pipeline.AgingThreshold = Duration(5 * time.Minute)
	}

	if cfg.Approvals.TTL == 0 {
		cfg.Approvals.TTL = Duration(24 * time.Hour)
	}
	if cfg.Approvals.SweepInterval == 0 {
		cfg.Approvals.SweepInterval = Duration(time.Minute)
	}

	if cfg.Watchdog.PollInterval == 0 {
		cfg.Watchdog.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Watchdog.Grace == 0 {
		cfg.Watchdog.Grace = Duration(30 * time.Second)
	}
	if cfg.Watchdog.RestartBase == 0 {
		cfg.Watchdog.RestartBase = Duration(time.Second)
	}
	if cfg.Watchdog.RestartCap == 0 {
		cfg.Watchdog.RestartCap = Duration(2 * time.Minute)
	}
	if cfg.Watchdog.MaxRestarts <= 0 {
		cfg.Watchdog.MaxRestarts = 5
	}
	if cfg.Watchdog.RestartWindow == 0 {
		cfg.Watchdog.RestartWindow = Duration(10 * time.Minute)
	}
	if cfg.Watchdog.HeartbeatPath == "" {
		cfg.Watchdog.HeartbeatPath = filepath.Join(StewardPath(), "heartbeat.json")
	}

	if cfg.Watchers.ManifestDir == "" {
		cfg.Watchers.ManifestDir = filepath.Join(StewardPath(), "watchers")
	}
	if cfg.Watchers.PollInterval == 0 {
		cfg.Watchers.PollInterval = Duration(10 * time.Second)
	}

	if cfg.Archive.Path == "" {
		cfg.Archive.Path = filepath.Join(StewardPath(), "archive.db")
	}
	if cfg.Archive.After == 0 {
		cfg.Archive.After = Duration(24 * time.Hour)
	}

	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = Duration(30 * time.Second)
	}
	if cfg.Actions.Timeout == 0 {
		cfg.Actions.Timeout = Duration(60 * time.Second)
	}
}

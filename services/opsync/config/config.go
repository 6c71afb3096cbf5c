// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the opsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gks281263/KMRL-sub001/pkg/extensions"
	"github.com/gks281263/KMRL-sub001/pkg/logging"
	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/session"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
	"github.com/gks281263/KMRL-sub001/services/opsync/transport"
)

// Environment overrides, applied after the file.
const (
	EnvBackendURL = "OPSYNC_BACKEND_URL"
	EnvAPIToken   = "OPSYNC_API_TOKEN"
	EnvLogLevel   = "OPSYNC_LOG_LEVEL"
	EnvConfigPath = "OPSYNC_CONFIG"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the root of opsync.yaml.
type Config struct {
	Backend   BackendConfig    `yaml:"backend"`
	Transport TransportConfig  `yaml:"transport"`
	Store     StoreConfig      `yaml:"store"`
	Session   session.Config   `yaml:"session"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Cache     CacheConfig      `yaml:"cache"`
	History   HistoryConfig    `yaml:"history"`
}

// BackendConfig is the REST client plus credentials.
type BackendConfig struct {
	backend.Config `yaml:",inline"`

	// APIToken is the bearer token. Prefer OPSYNC_API_TOKEN.
	APIToken string `yaml:"api_token,omitempty"`

	// PushPath is the WebSocket path under the base URL.
	PushPath string `yaml:"push_path"`
}

// TransportConfig tunes the push channel.
type TransportConfig struct {
	HandshakeTimeout  time.Duration           `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration           `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration           `yaml:"write_timeout"`
	Backoff           transport.BackoffPolicy `yaml:"backoff"`
}

// StoreConfig holds store policies. Reloaded live.
type StoreConfig struct {
	// DedupInserts makes incident and deployment inserts upsert by id.
	DedupInserts bool `yaml:"dedup_inserts"`
}

// LoggingConfig configures pkg/logging. Level is reloaded live.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DashboardConfig configures the HTTP view API.
type DashboardConfig struct {
	Addr string `yaml:"addr"`

	// StreamBuffer is the per-subscriber queue of pending projections.
	StreamBuffer int `yaml:"stream_buffer"`

	// Operators enables bearer-token auth with role checks. Empty means
	// every caller is the local operator.
	Operators []extensions.Operator `yaml:"operators,omitempty"`

	// AuditCapacity is the number of commands kept for GET /v1/audit.
	AuditCapacity int `yaml:"audit_capacity"`
}

// CacheConfig configures the local snapshot cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// HistoryConfig configures the InfluxDB variance recorder.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token,omitempty"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// DefaultConfig returns a working local configuration.
func DefaultConfig() Config {
	tc := transport.DefaultConfig("")
	return Config{
		Backend: BackendConfig{
			Config:   backend.DefaultConfig("http://localhost:8080"),
			PushPath: "/ws/operations",
		},
		Transport: TransportConfig{
			HandshakeTimeout:  tc.HandshakeTimeout,
			HeartbeatInterval: tc.HeartbeatInterval,
			WriteTimeout:      tc.WriteTimeout,
			Backoff:           tc.Backoff,
		},
		Session:   session.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Dashboard: DashboardConfig{Addr: ":8090", StreamBuffer: 8, AuditCapacity: extensions.DefaultAuditCapacity},
		Cache:     CacheConfig{Enabled: true, Dir: "~/.opsync/cache"},
		History: HistoryConfig{
			URL:    "http://localhost:8086",
			Org:    "kmrl",
			Bucket: "operations",
		},
	}
}

// DefaultPath is $OPSYNC_CONFIG, else ~/.opsync/opsync.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".opsync", "opsync.yaml"), nil
}

// Load reads path over the defaults, applies environment overrides, and
// validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories. The API token is
// never written.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	cfg.Backend.APIToken = ""
	cfg.History.Token = ""
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overlays the OPSYNC_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := getenv(EnvAPIToken); v != "" {
		c.Backend.APIToken = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the fields that have no safe fallback.
func (c Config) Validate() error {
	var problems []string
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("backend.base_url %q must be an absolute http(s) url", c.Backend.BaseURL))
	}
	if !strings.HasPrefix(c.Backend.PushPath, "/") {
		problems = append(problems, "backend.push_path must start with /")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}
	if c.Transport.Backoff.MaxAttempts < 0 {
		problems = append(problems, "transport.backoff.max_attempts must not be negative")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		problems = append(problems, "history.url and history.bucket are required when history is enabled")
	}
	problems = append(problems, validateOperators(c.Dashboard.Operators)...)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

var knownRoles = map[string]bool{
	extensions.RoleViewer:     true,
	extensions.RoleController: true,
	extensions.RoleSupervisor: true,
	extensions.RoleAdmin:      true,
}

func validateOperators(ops []extensions.Operator) []string {
	var problems []string
	seen := make(map[string]bool, len(ops))
	for i, op := range ops {
		switch {
		case op.ID == "":
			problems = append(problems, fmt.Sprintf("dashboard.operators[%d].id is required", i))
		case seen[op.ID]:
			problems = append(problems, fmt.Sprintf("dashboard.operators[%d].id %q is duplicated", i, op.ID))
		}
		seen[op.ID] = true
		if op.Token == "" {
			problems = append(problems, fmt.Sprintf("dashboard.operators[%d].token is required", i))
		}
		for _, r := range op.Roles {
			if !knownRoles[r] {
				problems = append(problems, fmt.Sprintf("dashboard.operators[%d] has unknown role %q", i, r))
			}
		}
	}
	return problems
}

// PushURL is the WebSocket endpoint derived from the backend URL.
func (c Config) PushURL() (string, error) {
	return transport.Endpoint(c.Backend.BaseURL, c.Backend.PushPath)
}

// TransportChannelConfig assembles the transport.Config.
func (c Config) TransportChannelConfig() (transport.Config, error) {
	u, err := c.PushURL()
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		URL:               u,
		HandshakeTimeout:  c.Transport.HandshakeTimeout,
		HeartbeatInterval: c.Transport.HeartbeatInterval,
		WriteTimeout:      c.Transport.WriteTimeout,
		Backoff:           c.Transport.Backoff,
	}, nil
}

// LogLevel parses Logging.Level. Validate has already checked it.
func (c Config) LogLevel() logging.Level {
	lvl, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

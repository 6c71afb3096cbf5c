// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvAPIToken, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := DefaultConfig()
	if cfg.Backend.BaseURL != want.Backend.BaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.Backend.BaseURL, want.Backend.BaseURL)
	}
	if cfg.Transport.Backoff.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Transport.Backoff.MaxAttempts)
	}
	if cfg.Session.ResyncInterval != 60*time.Second {
		t.Errorf("ResyncInterval = %v, want 60s", cfg.Session.ResyncInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvAPIToken, "")
	t.Setenv(EnvLogLevel, "")

	path := filepath.Join(t.TempDir(), "opsync.yaml")
	body := `
backend:
  base_url: https://ops.kmrl.example
  timeout: 5s
  push_path: /ws/live
transport:
  heartbeat_interval: 15s
  backoff:
    initial_delay: 2s
    max_attempts: 3
store:
  dedup_inserts: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://ops.kmrl.example", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Transport.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Transport.Backoff.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Transport.Backoff.MaxDelay, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Transport.Backoff.MaxAttempts)
	assert.True(t, cfg.Store.DedupInserts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	u, err := cfg.PushURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://ops.kmrl.example/ws/live", u)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  base_url: http://file.example\n"), 0o600))
	t.Setenv(EnvBackendURL, "http://env.example:9000")
	t.Setenv(EnvAPIToken, "s3cret")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "s3cret", cfg.Backend.APIToken)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_InvalidFile(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvLogLevel, "")

	tests := []struct {
		name    string
		body    string
		invalid bool
	}{
		{"malformed yaml", "backend: [\n", false},
		{"relative url", "backend:\n  base_url: ops.example\n", true},
		{"bad level", "logging:\n  level: loud\n", true},
		{"bad push path", "backend:\n  push_path: ws\n", true},
		{"history without bucket", "history:\n  enabled: true\n  bucket: \"\"\n", true},
		{"operator without token", "dashboard:\n  operators:\n    - id: ctl-1\n      roles: [controller]\n", true},
		{"duplicate operator", "dashboard:\n  operators:\n    - {id: a, token: x}\n    - {id: a, token: y}\n", true},
		{"unknown role", "dashboard:\n  operators:\n    - {id: a, token: x, roles: [driver]}\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "opsync.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if got := errors.Is(err, ErrInvalid); got != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalid) = %v, want %v (err: %v)", got, tt.invalid, err)
			}
		})
	}
}

func TestSave_RoundTripWithoutSecrets(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvAPIToken, "")
	t.Setenv(EnvLogLevel, "")

	path := filepath.Join(t.TempDir(), "nested", "opsync.yaml")
	cfg := DefaultConfig()
	cfg.Backend.APIToken = "do-not-write"
	cfg.History.Token = "nor-this"
	cfg.Store.DedupInserts = true

	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "do-not-write"))
	assert.False(t, strings.Contains(string(data), "nor-this"))

	got, err := Load(path)
	require.NoError(t, err)
	assert.True(t, got.Store.DedupInserts)
	assert.Equal(t, cfg.Transport, got.Transport)
	assert.Empty(t, got.Backend.APIToken)
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(string) string { return "" })
	assert.Equal(t, DefaultConfig().Backend.BaseURL, cfg.Backend.BaseURL)
}

func TestTransportChannelConfig(t *testing.T) {
	cfg := DefaultConfig()
	tc, err := cfg.TransportChannelConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/operations", tc.URL)
	assert.Equal(t, 30*time.Second, tc.HeartbeatInterval)
	assert.Equal(t, 5, tc.Backoff.MaxAttempts)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvAPIToken, "")
	t.Setenv(EnvLogLevel, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	var mu sync.Mutex
	var got []Config
	w, err := NewWatcher(path, func(c Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\nstore:\n  dedup_inserts: true\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Logging.Level == "debug"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := got[len(got)-1]
	mu.Unlock()
	assert.True(t, last.Store.DedupInserts)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvLogLevel, "")

	path := filepath.Join(t.TempDir(), "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	calls := make(chan Config, 4)
	w, err := NewWatcher(path, func(c Config) { calls <- c }, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))

	select {
	case c := <-calls:
		t.Fatalf("reload delivered an invalid config: %+v", c.Logging)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	w, err := NewWatcher(path, nil, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

func TestLoad_Operators(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvLogLevel, "")
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	body := "dashboard:\n  audit_capacity: 20\n  operators:\n    - id: sup-1\n      name: Meera\n      token: tok\n      roles: [supervisor]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Dashboard.Operators, 1)
	assert.Equal(t, "Meera", cfg.Dashboard.Operators[0].Name)
	assert.Equal(t, []string{"supervisor"}, cfg.Dashboard.Operators[0].Roles)
	assert.Equal(t, 20, cfg.Dashboard.AuditCapacity)
}

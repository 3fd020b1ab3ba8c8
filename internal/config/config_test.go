// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8374 {
		t.Errorf("server.port = %d, want 8374", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server.host = %q", cfg.Server.Host)
	}
	if cfg.Sync.PollInterval != 3*time.Second {
		t.Errorf("sync.poll_interval = %s, want 3s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.HeartbeatInterval != 30*time.Second {
		t.Errorf("sync.heartbeat_interval = %s, want 30s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.MaxReconnectAttempts != 10 {
		t.Errorf("sync.max_reconnect_attempts = %d, want 10", cfg.Sync.MaxReconnectAttempts)
	}
	if cfg.Store.PageSize != 100 {
		t.Errorf("store.page_size = %d, want 100", cfg.Store.PageSize)
	}
	if len(cfg.Security.CORSOrigins) != 1 || cfg.Security.CORSOrigins[0] != "*" {
		t.Errorf("security.cors_origins = %v, want [*]", cfg.Security.CORSOrigins)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLIENTDECK_SERVER_PORT", "9000")
	t.Setenv("CLIENTDECK_SYNC_POLL_INTERVAL", "5s")
	t.Setenv("CLIENTDECK_STORE_PATH", "memory")
	t.Setenv("CLIENTDECK_LOGGING_LEVEL", "debug")
	t.Setenv("CLIENTDECK_SECURITY_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Sync.PollInterval != 5*time.Second {
		t.Errorf("sync.poll_interval = %s, want 5s", cfg.Sync.PollInterval)
	}
	if cfg.Store.Path != "memory" {
		t.Errorf("store.path = %q, want memory", cfg.Store.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[0] != want[0] || cfg.Security.CORSOrigins[1] != want[1] {
		t.Errorf("security.cors_origins = %v, want %v", cfg.Security.CORSOrigins, want)
	}
}

func TestLoad_ConfigFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
  host: 127.0.0.1
sync:
  poll_interval: 7s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Env beats the file for the same key.
	t.Setenv("CLIENTDECK_SERVER_PORT", "7000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("server.port = %d, want 7000 (env over file)", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server.host = %q, want 127.0.0.1 (from file)", cfg.Server.Host)
	}
	if cfg.Sync.PollInterval != 7*time.Second {
		t.Errorf("sync.poll_interval = %s, want 7s (from file)", cfg.Sync.PollInterval)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "port out of range",
			env:     map[string]string{"CLIENTDECK_SERVER_PORT": "70000"},
			wantSub: "Server.Port",
		},
		{
			name:    "poll interval below minimum",
			env:     map[string]string{"CLIENTDECK_SYNC_POLL_INTERVAL": "50ms"},
			wantSub: "poll_interval",
		},
		{
			name:    "require_token without secret",
			env:     map[string]string{"CLIENTDECK_SECURITY_REQUIRE_TOKEN": "true"},
			wantSub: "jwt_secret",
		},
		{
			name:    "short jwt secret",
			env:     map[string]string{"CLIENTDECK_SECURITY_JWT_SECRET": "too-short"},
			wantSub: "32 characters",
		},
		{
			name:    "bad logging level",
			env:     map[string]string{"CLIENTDECK_LOGGING_LEVEL": "verbose"},
			wantSub: "Logging.Level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_Direct(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg = defaultConfig()
	cfg.Sync.ReconnectBaseDelay = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero reconnect_base_delay should fail")
	}

	cfg = defaultConfig()
	cfg.Sync.ConnectTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("negative connect_timeout should fail")
	}

	cfg = defaultConfig()
	cfg.Security.JWTSecret = strings.Repeat("s", 32)
	cfg.Security.RequireToken = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("32-char secret with require_token should validate: %v", err)
	}
}

// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package config provides layered configuration loading for the ClientDeck
// sync service using Koanf v2: built-in defaults, then an optional YAML
// config file, then environment variables (highest priority).
package config

import "time"

// Config is the root configuration for the sync service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Feed     FeedConfig     `koanf:"feed"`
	Sync     SyncConfig     `koanf:"sync"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds change-log store settings.
type StoreConfig struct {
	// Path is the SQLite database file backing the sync_log table.
	// An empty path selects the in-memory store (tests, ephemeral dev runs).
	Path string `koanf:"path"`

	// PageSize caps the number of events returned by one query.
	PageSize int `koanf:"page_size" validate:"min=1,max=1000"`
}

// FeedConfig holds the in-process change feed settings.
type FeedConfig struct {
	// Buffer is the output channel buffer of the feed. Publishing blocks
	// mutation handlers only once this buffer is full.
	Buffer int64 `koanf:"buffer" validate:"min=1"`
}

// SyncConfig holds client-facing sync protocol settings. These are served
// to clients as defaults and used by the bundled Go client library.
type SyncConfig struct {
	PollInterval         time.Duration `koanf:"poll_interval"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"min=1"`
}

// SecurityConfig holds what little auth the sync layer needs: a client
// identity to subscribe under, plus origin and rate-limit policy.
type SecurityConfig struct {
	// JWTSecret verifies optional bearer tokens on upgrade and poll
	// requests. Empty disables token verification; clients then get
	// anonymous identities.
	JWTSecret string `koanf:"jwt_secret"`

	// RequireToken rejects connections without a valid token.
	RequireToken bool `koanf:"require_token"`

	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8374,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:     "/data/clientdeck-sync.db",
			PageSize: 100,
		},
		Feed: FeedConfig{
			Buffer: 256,
		},
		Sync: SyncConfig{
			PollInterval:         3 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ConnectTimeout:       10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 10,
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			RequireToken:      false,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 300,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package main is the entry point for the ClientDeck sync server.
//
// The server keeps every open ClientDeck session in step: field edits made
// in one browser tab appear in all others within a few seconds. It exposes
// three surfaces:
//
//   - GET  /api/v1/sync    poll endpoint returning events after a cursor
//   - POST /api/v1/events  record a change event from an application backend
//   - GET  /api/v1/ws      websocket push transport
//
// # Startup order
//
//  1. Configuration: koanf v2 layered sources (defaults, config.yaml,
//     CLIENTDECK_* environment variables)
//  2. Change log store: SQLite append-only log, or in-memory with
//     STORE_PATH=memory
//  3. Change feed: in-process watermill pub/sub decoupling writers from
//     the broadcast hub
//  4. Broadcast hub and HTTP server under a suture supervision tree
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the hub closes every websocket, and the store is
// flushed and closed.
//
// # Example usage
//
// Development, in-memory store, no auth:
//
//	export CLIENTDECK_STORE_PATH=memory
//	./clientdeck-sync
//
// Production with token auth:
//
//	export CLIENTDECK_STORE_PATH=/data/clientdeck-sync.db
//	export CLIENTDECK_SECURITY_JWT_SECRET=$(openssl rand -base64 32)
//	export CLIENTDECK_SECURITY_REQUIRE_TOKEN=true
//	export CLIENTDECK_SECURITY_CORS_ORIGINS=https://app.example.com
//	./clientdeck-sync
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clientdeck/clientdeck/internal/api"
	"github.com/clientdeck/clientdeck/internal/auth"
	"github.com/clientdeck/clientdeck/internal/changefeed"
	"github.com/clientdeck/clientdeck/internal/changelog"
	"github.com/clientdeck/clientdeck/internal/config"
	"github.com/clientdeck/clientdeck/internal/hub"
	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/supervisor"
	"github.com/clientdeck/clientdeck/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger; configured logging is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("port", cfg.Server.Port).
		Bool("require_token", cfg.Security.RequireToken).
		Msg("Starting ClientDeck sync server")

	store, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open change log store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing change log store")
		}
	}()

	feed := changefeed.New(cfg.Feed.Buffer)
	defer func() {
		if err := feed.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing change feed")
		}
	}()

	recorder := changefeed.NewRecorder(store, feed)
	h := hub.New(store, recorder)
	bridge := changefeed.NewBridge(feed, h)

	verifier := auth.NewVerifier(cfg.Security.JWTSecret, cfg.Security.RequireToken)
	if !cfg.Security.RequireToken {
		logging.Warn().Msg("Token authentication is disabled, all clients are anonymous")
	}

	handler := api.NewHandler(cfg, store, recorder, h, verifier)
	router := api.NewRouter(cfg, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(services.NewHubService(h))
	tree.AddMessagingService(bridge)
	tree.AddAPIService(services.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("Services added to supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Sync server stopped gracefully")
}

// openStore picks the change log backend from configuration. The literal
// path "memory" selects the in-memory store for development and tests.
func openStore(cfg *config.Config) (changelog.Store, error) {
	if cfg.Store.Path == "" || cfg.Store.Path == "memory" {
		logging.Info().Msg("Using in-memory change log store")
		return changelog.NewMemoryStore(), nil
	}
	return changelog.NewSQLiteStore(cfg.Store.Path)
}

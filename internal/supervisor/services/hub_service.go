// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package services

import "context"

// ContextRunner matches the broadcast hub's RunWithContext method.
// Declared here instead of importing the hub package so the wrapper stays
// dependency-free and mockable.
type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// HubService runs the broadcast hub under supervision. RunWithContext
// already follows the suture contract, so this only adds the name.
type HubService struct {
	hub ContextRunner
}

// NewHubService wraps hub as a supervised service.
func NewHubService(hub ContextRunner) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

// String identifies the service in suture's event log.
func (s *HubService) String() string {
	return "broadcast-hub"
}

// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/clientdeck/clientdeck/internal/logging"
)

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// respondJSON writes v as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError writes a JSON error body.
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Success: false, Error: msg})
}

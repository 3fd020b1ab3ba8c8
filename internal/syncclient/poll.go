// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

const maxPollResponseBytes = 4 << 20 // 4MB cap on a single sync response body

// Cursor tracks the sync position for one entity type. LastSync is the
// server-reported time from the previous successful poll, never local time,
// so client clock skew cannot create gaps in the stream.
type Cursor struct {
	EntityType string
	LastSync   time.Time
}

// pollResult is the wire shape of the sync endpoint response.
type pollResult struct {
	Success    bool                 `json:"success"`
	Data       []models.ChangeEvent `json:"data"`
	ServerTime string               `json:"server_time"`
	Error      string               `json:"error,omitempty"`
}

// PollClient fetches change events over plain HTTP. It is the fallback
// transport when the websocket path is unavailable, and carries a circuit
// breaker so a dead server degrades to fast local failures instead of a
// pile-up of timed-out requests every interval.
type PollClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	cb      *gobreaker.CircuitBreaker[*pollResult]
}

// NewPollClient creates a poll client for the given server base URL
// (scheme://host:port, no path). A nil httpc gets a 10 second timeout client.
func NewPollClient(baseURL, token string, httpc *http.Client) *PollClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}

	cbName := "sync-poll"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[*pollResult](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Poll circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &PollClient{
		baseURL: baseURL,
		token:   token,
		httpc:   httpc,
		cb:      cb,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Poll fetches events recorded after the cursor position. On a successful
// response with events the returned cursor carries the server-reported
// time; an empty result or any failure returns the input cursor unchanged
// so the next cycle retries the same window. Duplicate delivery across
// retries is acceptable, gaps are not.
func (p *PollClient) Poll(ctx context.Context, cursor Cursor) ([]models.ChangeEvent, Cursor, error) {
	result, err := p.cb.Execute(func() (*pollResult, error) {
		return p.fetch(ctx, cursor)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ClientPollCycles.WithLabelValues("rejected").Inc()
		} else {
			metrics.ClientPollCycles.WithLabelValues("error").Inc()
		}
		return nil, cursor, err
	}

	metrics.ClientPollCycles.WithLabelValues("success").Inc()

	next := cursor
	if len(result.Data) > 0 {
		serverTime, perr := models.ParseSyncTime(result.ServerTime)
		if perr != nil {
			// Keep the old cursor rather than guessing from local time.
			logging.Warn().Err(perr).Str("server_time", result.ServerTime).Msg("Unparseable server time in sync response")
		} else if !serverTime.IsZero() {
			next.LastSync = serverTime
		}
	}

	return result.Data, next, nil
}

func (p *PollClient) fetch(ctx context.Context, cursor Cursor) (*pollResult, error) {
	q := url.Values{}
	q.Set("action", "sync")
	if cursor.EntityType != "" {
		q.Set("entity_type", cursor.EntityType)
	}
	if !cursor.LastSync.IsZero() {
		q.Set("last_sync", cursor.LastSync.Format(time.RFC3339Nano))
	}

	endpoint := p.baseURL + "/api/v1/sync?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync request failed: status %d", resp.StatusCode)
	}

	var result pollResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	if !result.Success {
		if result.Error != "" {
			return nil, fmt.Errorf("sync rejected: %s", result.Error)
		}
		return nil, errors.New("sync rejected by server")
	}

	return &result, nil
}

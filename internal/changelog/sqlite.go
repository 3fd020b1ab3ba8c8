// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/clientdeck/clientdeck/internal/models"
)

// schema holds the sync_log table. occurred_at is stored as unix
// nanoseconds so the index ordering is exactly chronological ordering.
const schema = `
CREATE TABLE IF NOT EXISTS sync_log (
	event_id       TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	action         TEXT NOT NULL,
	changed_fields TEXT,
	changed_by     TEXT,
	occurred_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_log_entity_time
	ON sync_log (entity_type, occurred_at);
CREATE INDEX IF NOT EXISTS idx_sync_log_time
	ON sync_log (occurred_at);
`

// SQLiteStore is the persistent Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	// appendMu serializes appends so the monotonic clamp on lastAppended
	// is race-free. Queries run concurrently.
	appendMu     sync.Mutex
	lastAppended time.Time
}

// NewSQLiteStore opens (and if needed creates) the sync_log database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sync_log schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.loadLastAppended(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// loadLastAppended primes the monotonic clamp from existing rows.
func (s *SQLiteStore) loadLastAppended() error {
	var maxNanos sql.NullInt64
	row := s.db.QueryRow(`SELECT MAX(occurred_at) FROM sync_log`)
	if err := row.Scan(&maxNanos); err != nil {
		return fmt.Errorf("read last appended time: %w", err)
	}
	if maxNanos.Valid {
		s.lastAppended = time.Unix(0, maxNanos.Int64).UTC()
	}
	return nil
}

// Append records one event. occurred_at is clamped forward to keep the log
// monotonically non-decreasing in insertion order.
func (s *SQLiteStore) Append(ctx context.Context, event *models.ChangeEvent) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.OccurredAt.Before(s.lastAppended) {
		event.OccurredAt = s.lastAppended
	}

	var changedFields []byte
	if len(event.ChangedFields) > 0 {
		b, err := json.Marshal(event.ChangedFields)
		if err != nil {
			return fmt.Errorf("marshal changed fields: %w", err)
		}
		changedFields = b
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (event_id, entity_type, entity_id, action, changed_fields, changed_by, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.EntityType, event.EntityID, event.Action,
		changedFields, event.ChangedBy, event.OccurredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append change event: %w", err)
	}

	s.lastAppended = event.OccurredAt
	return nil
}

// Query returns up to limit events strictly after the given time, ascending
// by occurred_at. An empty entityType matches all entity types.
func (s *SQLiteStore) Query(ctx context.Context, entityType string, after time.Time, limit int) ([]models.ChangeEvent, error) {
	limit = clampLimit(limit)

	query := `SELECT event_id, entity_type, entity_id, action, changed_fields, changed_by, occurred_at
		FROM sync_log WHERE occurred_at > ?`
	args := []interface{}{after.UnixNano()}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY occurred_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync_log: %w", err)
	}
	defer rows.Close()

	events := make([]models.ChangeEvent, 0, limit)
	for rows.Next() {
		var (
			ev            models.ChangeEvent
			changedFields sql.NullString
			changedBy     sql.NullString
			nanos         int64
		)
		if err := rows.Scan(&ev.EventID, &ev.EntityType, &ev.EntityID, &ev.Action,
			&changedFields, &changedBy, &nanos); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if changedFields.Valid && changedFields.String != "" {
			if err := json.Unmarshal([]byte(changedFields.String), &ev.ChangedFields); err != nil {
				return nil, fmt.Errorf("decode changed fields for %s: %w", ev.EventID, err)
			}
		}
		ev.ChangedBy = changedBy.String
		ev.OccurredAt = time.Unix(0, nanos).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync_log rows: %w", err)
	}
	return events, nil
}

// ServerTime returns the authoritative current time for poll cursors.
func (s *SQLiteStore) ServerTime() time.Time {
	return time.Now().UTC()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

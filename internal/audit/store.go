// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE EVENT STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id         TEXT PRIMARY KEY,
	timestamp  INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL,
	chat_id    INTEGER,
	command    TEXT,
	success    INTEGER NOT NULL,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_actor ON security_events(actor);
`

// Store persists audit events in SQLite for operator review queries.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the event store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	// One writer at a time keeps SQLite happy under concurrent verdicts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one event.
func (s *Store) Record(event Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (id, timestamp, event_type, actor, chat_id, command, success, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.UnixMilli(),
		event.EventType,
		event.Actor,
		event.ChatID,
		event.Command,
		boolToInt(event.Success),
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, actor, chat_id, command, success, metadata
		 FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			ts       int64
			success  int
			metadata string
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Actor, &e.ChatID, &e.Command, &success, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Success = success != 0
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than the cutoff, returning the count.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records the security-event trail for the access gate.
//
// Every verdict and administrative action produces one Event, written
// to a JSONL file sink and, when configured, a SQLite store for
// operator review. The trail is best effort: a failed write is logged
// and never changes a verdict already computed.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is a single audit trail entry. Actor fields arrive pre-masked;
// the trail never stores raw identities.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Actor     string            `json:"actor"`
	ChatID    int64             `json:"chat_id,omitempty"`
	Command   string            `json:"command,omitempty"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an Event stamped with a fresh ID and the given time.
func NewEvent(eventType, maskedActor string, success bool, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: at,
		EventType: eventType,
		Actor:     maskedActor,
		Success:   success,
	}
}

// =============================================================================
// TRAIL
// =============================================================================

// Trail fans events out to the configured sinks.
type Trail struct {
	mu      sync.Mutex
	file    *fileSink
	store   *Store
	log     *zap.Logger
	enabled bool
}

// TrailOption is a functional option for configuring a Trail.
type TrailOption func(*Trail) error

// WithFile attaches a JSONL file sink rotating past maxBytes.
func WithFile(path string, maxBytes int64) TrailOption {
	return func(t *Trail) error {
		fs, err := newFileSink(path, maxBytes)
		if err != nil {
			return err
		}
		t.file = fs
		return nil
	}
}

// WithStore attaches a SQLite event store.
func WithStore(store *Store) TrailOption {
	return func(t *Trail) error {
		t.store = store
		return nil
	}
}

// NewTrail creates a Trail with the given sinks. A Trail with no sinks
// is valid and discards events.
func NewTrail(log *zap.Logger, opts ...TrailOption) (*Trail, error) {
	t := &Trail{log: log, enabled: true}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Disabled returns a Trail that discards everything. Used in tests.
func Disabled() *Trail {
	return &Trail{log: zap.NewNop()}
}

// Record writes the event to every sink. Sink failures are logged and
// swallowed.
func (t *Trail) Record(event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		if err := t.file.write(event); err != nil {
			t.log.Warn("audit file write failed", zap.String("event_type", event.EventType), zap.Error(err))
		}
	}
	if t.store != nil {
		if err := t.store.Record(event); err != nil {
			t.log.Warn("audit store write failed", zap.String("event_type", event.EventType), zap.Error(err))
		}
	}
}

// Close flushes and closes the underlying sinks.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.file != nil {
		if err := t.file.close(); err != nil {
			firstErr = err
		}
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =============================================================================
// FILE SINK
// =============================================================================

// fileSink appends events as JSON lines, rotating past maxBytes.
type fileSink struct {
	path     string
	maxBytes int64
	f        *os.File
	written  int64
}

func newFileSink(path string, maxBytes int64) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat audit log: %w", err)
	}
	return &fileSink{path: path, maxBytes: maxBytes, f: f, written: info.Size()}, nil
}

func (fs *fileSink) write(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	line = append(line, '\n')

	if fs.maxBytes > 0 && fs.written+int64(len(line)) > fs.maxBytes {
		if err := fs.rotate(); err != nil {
			return err
		}
	}

	n, err := fs.f.Write(line)
	fs.written += int64(n)
	return err
}

// rotate moves the current log aside with a timestamp suffix and starts
// a fresh file. One rotation generation is kept per timestamp second.
func (fs *fileSink) rotate() error {
	if err := fs.f.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", fs.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(fs.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	fs.f = f
	fs.written = 0
	return nil
}

func (fs *fileSink) close() error {
	return fs.f.Close()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// POLICY FILE WATCHER
// =============================================================================

// Watcher observes the on-disk policy file and warns when it changes.
//
// The running policy is immutable, so the watcher never reloads anything.
// It exists to tell the operator that the file on disk has diverged from
// the policy the process is enforcing and a restart is required.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *zap.Logger
	debounce time.Duration
	cancel   context.CancelFunc
}

// NewWatcher creates a watcher for the policy file at path.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		log:      log,
		debounce: 2 * time.Second,
	}
	return w, nil
}

// Start begins watching. It watches the parent directory rather than the
// file itself so that editors which replace the file (write to temp,
// rename) are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.processEvents(ctx)
	return nil
}

// processEvents coalesces bursts of write events into a single warning.
func (w *Watcher) processEvents(ctx context.Context) {
	var lastWarned time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if time.Since(lastWarned) < w.debounce {
				continue
			}
			lastWarned = time.Now()
			w.log.Warn("policy file changed on disk; running policy is unchanged, restart to apply",
				zap.String("path", w.path),
				zap.String("op", event.Op.String()),
			)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("policy watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}

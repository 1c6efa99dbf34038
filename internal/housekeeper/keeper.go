// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package housekeeper runs the background sweeps that keep the gate's
// in-memory stores bounded: expired sessions, lapsed blocks, and aged
// notification-suppression entries.
package housekeeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/chatgate/internal/audit"
	"github.com/jeranaias/chatgate/internal/block"
	"github.com/jeranaias/chatgate/internal/notify"
	"github.com/jeranaias/chatgate/internal/session"
)

// passTimeout bounds a single sweep pass so a stuck store cannot stall
// shutdown.
const passTimeout = 10 * time.Second

// =============================================================================
// KEEPER
// =============================================================================

// Keeper periodically sweeps the gate's stores.
type Keeper struct {
	sessions *session.Store
	blocks   *block.Registry
	throttle *notify.Throttle
	interval time.Duration
	log      *zap.Logger

	// store, when set, gets old audit events pruned past retention.
	store     *audit.Store
	retention time.Duration

	now func() time.Time
}

// Option is a functional option for configuring a Keeper.
type Option func(*Keeper)

// WithClock replaces the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		k.now = now
	}
}

// WithAuditRetention enables pruning of the audit event store. Events
// older than retention are removed on each pass.
func WithAuditRetention(store *audit.Store, retention time.Duration) Option {
	return func(k *Keeper) {
		k.store = store
		k.retention = retention
	}
}

// New creates a Keeper sweeping the given stores every interval.
func New(
	sessions *session.Store,
	blocks *block.Registry,
	throttle *notify.Throttle,
	interval time.Duration,
	log *zap.Logger,
	opts ...Option,
) *Keeper {
	k := &Keeper{
		sessions: sessions,
		blocks:   blocks,
		throttle: throttle,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run sweeps on the configured interval until ctx is cancelled. It
// blocks; callers run it in a goroutine.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.log.Info("housekeeper started", zap.Duration("interval", k.interval))

	for {
		select {
		case <-ctx.Done():
			k.log.Info("housekeeper stopped")
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every store. Exported so operators and
// tests can force a pass outside the timer.
func (k *Keeper) Sweep(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	now := k.now()

	sessions := k.sessions.SweepExpired(passCtx, now)
	blocks := k.blocks.Sweep(now)
	throttles := k.throttle.Sweep(now)

	if k.store != nil {
		if _, err := k.store.PruneBefore(now.Add(-k.retention)); err != nil {
			k.log.Warn("audit store prune failed", zap.Error(err))
		}
	}

	if sessions+blocks+throttles > 0 {
		k.log.Debug("housekeeping pass complete",
			zap.Int("expired_sessions", sessions),
			zap.Int("expired_blocks", blocks),
			zap.Int("aged_throttles", throttles),
		)
	}
}

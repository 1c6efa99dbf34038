// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package block tracks actors under a temporary penalty.
//
// The registry owns both the live blocks and the pre-block failure
// counters: an unauthorized actor accumulates failures in the same
// record that becomes the block once the threshold is crossed.
//
// Expiry is lazy: a record whose deadline has passed is treated as
// absent by every read, whether or not the housekeeper has swept it yet.
package block

import (
	"sync"
	"time"

	"github.com/jeranaias/chatgate/internal/actor"
)

// =============================================================================
// BLOCK RECORD
// =============================================================================

// Record tracks authorization failures and the resulting block for one actor.
type Record struct {
	// FailureCount is the number of consecutive authorization failures.
	FailureCount int

	// BlockedUntil is when the block expires. Zero means not blocked.
	BlockedUntil time.Time

	// Reason describes what triggered the block.
	Reason string

	// FirstFailure and LastFailure bound the current failure series.
	FirstFailure time.Time
	LastFailure  time.Time
}

// active reports whether the record carries a live block at now.
func (r *Record) active(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// Remaining returns the time left on the block at now, or zero.
func (r *Record) Remaining(now time.Time) time.Duration {
	if !r.active(now) {
		return 0
	}
	return r.BlockedUntil.Sub(now)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the shared, concurrent store of blocks and failure counters.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	maxFailures   int
	blockDuration time.Duration
}

// NewRegistry creates a Registry with the given block threshold and duration.
func NewRegistry(maxFailures int, blockDuration time.Duration) *Registry {
	return &Registry{
		records:       make(map[string]*Record),
		maxFailures:   maxFailures,
		blockDuration: blockDuration,
	}
}

// IsBlocked reports whether the actor has a live block at now. A record
// whose deadline has passed is non-blocking even before it is swept.
func (r *Registry) IsBlocked(id actor.Identity, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id.Key()]
	return exists && record.active(now)
}

// RecordFailure notes one authorization failure for the actor and
// returns the updated failure count plus whether this failure crossed
// the threshold and created a block.
//
// A record whose block has expired is logically absent: the series
// restarts from zero instead of instantly re-blocking.
func (r *Registry) RecordFailure(id actor.Identity, reason string, now time.Time) (count int, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.Key()
	record, exists := r.records[key]
	if !exists || (!record.BlockedUntil.IsZero() && !record.active(now)) {
		record = &Record{FirstFailure: now}
		r.records[key] = record
	}

	// A live block absorbs further failures without counting them.
	if record.active(now) {
		return record.FailureCount, true
	}

	record.FailureCount++
	record.LastFailure = now

	if record.FailureCount >= r.maxFailures {
		record.BlockedUntil = now.Add(r.blockDuration)
		record.Reason = reason
		return record.FailureCount, true
	}
	return record.FailureCount, false
}

// Block places or extends a block on the actor until the given deadline.
// The upsert is idempotent: a later call replaces the deadline and
// reason rather than stacking a second penalty.
func (r *Registry) Block(id actor.Identity, until time.Time, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.Key()
	record, exists := r.records[key]
	if !exists {
		record = &Record{}
		r.records[key] = record
	}
	record.BlockedUntil = until
	record.Reason = reason
}

// Unblock removes the actor's record entirely. Administrative override.
func (r *Registry) Unblock(id actor.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.Key()
	if _, exists := r.records[key]; !exists {
		return false
	}
	delete(r.records, key)
	return true
}

// Status returns a copy of the actor's record, or nil if none exists.
func (r *Registry) Status(id actor.Identity) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id.Key()]
	if !exists {
		return nil
	}
	out := *record
	return &out
}

// =============================================================================
// SWEEP AND STATS
// =============================================================================

// Sweep removes expired blocks and stale failure series, returning the
// number of records removed. Called by the housekeeper.
//
// A failure series with no block is kept for twice the block duration
// after its last failure, then forgotten.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	staleAfter := r.blockDuration * 2
	for key, record := range r.records {
		switch {
		case !record.BlockedUntil.IsZero() && !record.active(now):
			delete(r.records, key)
			removed++
		case record.BlockedUntil.IsZero() && now.Sub(record.LastFailure) > staleAfter:
			delete(r.records, key)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time summary of registry state.
type Stats struct {
	Tracked int `json:"tracked"`
	Blocked int `json:"blocked"`
}

// GetStats returns registry statistics evaluated at now.
func (r *Registry) GetStats(now time.Time) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Tracked: len(r.records)}
	for _, record := range r.records {
		if record.active(now) {
			stats.Blocked++
		}
	}
	return stats
}

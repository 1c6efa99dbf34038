// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify delivers throttled, masked operator alerts.
//
// Two hard contracts live here: the throttle's check-and-record is
// atomic, so two concurrent failures cannot both slip through the
// suppression window; and every identity field is masked before an
// alert leaves this package.
package notify

import (
	"sync"
	"time"

	"github.com/jeranaias/chatgate/internal/actor"
)

// EventClass categorizes an operator alert for suppression purposes.
type EventClass string

const (
	// EventUnauthorized is an authorization failure on a restricted command.
	EventUnauthorized EventClass = "unauthorized_attempt"

	// EventBlocked is a block being placed on an actor.
	EventBlocked EventClass = "actor_blocked"

	// EventUnrestrictedUnauthorized is an unrestricted command used by an
	// actor outside the authorized set. Low severity, bootstrap traffic.
	EventUnrestrictedUnauthorized EventClass = "unrestricted_unauthorized"

	// EventSecondFactorExhausted is an actor running out of code attempts.
	EventSecondFactorExhausted EventClass = "second_factor_exhausted"
)

// =============================================================================
// THROTTLE
// =============================================================================

// Throttle suppresses duplicate alerts for the same (actor, event) pair
// inside a cool-down window.
type Throttle struct {
	mu       sync.Mutex
	lastSent map[throttleKey]time.Time
	window   time.Duration
}

type throttleKey struct {
	actor string
	event EventClass
}

// NewThrottle creates a Throttle with the given suppression window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		lastSent: make(map[throttleKey]time.Time),
		window:   window,
	}
}

// ShouldNotify reports whether an alert for the pair may be sent at now,
// and records the send time when it may. Check and record are one
// atomic step under the throttle lock.
func (t *Throttle) ShouldNotify(id actor.Identity, event EventClass, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := throttleKey{actor: id.Key(), event: event}
	if last, exists := t.lastSent[key]; exists && now.Sub(last) < t.window {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Sweep drops suppression entries whose window has long passed,
// returning the number removed. Called by the housekeeper to bound
// memory; an entry older than the window no longer suppresses anything.
func (t *Throttle) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, last := range t.lastSent {
		if now.Sub(last) >= t.window {
			delete(t.lastSent, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of live suppression entries.
func (t *Throttle) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSent)
}

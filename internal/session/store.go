// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/chatgate/internal/actor"
	"github.com/jeranaias/chatgate/internal/util"
)

// =============================================================================
// STATES
// =============================================================================

// State is the authentication progress of one actor.
type State string

const (
	// StateUnauthenticated is the initial state of every session.
	StateUnauthenticated State = "unauthenticated"

	// StateProcessing means a second-factor challenge has been issued
	// and the store is awaiting a code.
	StateProcessing State = "processing"

	// StateAuthenticated means the actor proved possession of the
	// second factor; valid until the idle timeout.
	StateAuthenticated State = "authenticated"

	// StateBlocked mirrors a live block registry entry.
	StateBlocked State = "blocked"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStaleState is returned by Transition when the session is no
	// longer in the expected state. The caller re-reads and either
	// retries or returns the verdict matching the new state.
	ErrStaleState = errors.New("session state changed concurrently")

	// ErrNoSession is returned for operations on an unknown actor.
	ErrNoSession = errors.New("no session for actor")
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one actor's authentication progress record.
type Session struct {
	Actor        actor.Identity
	State        State
	CreatedAt    time.Time
	LastActivity time.Time

	// TOTPAttempts counts failed second-factor submissions. Reset to
	// zero exactly on a successful verification and nowhere else.
	TOTPAttempts int

	// Referer records which handler or command path opened the session.
	Referer string
}

// Expired reports whether an authenticated session has been idle beyond
// timeout at the supplied wall-clock time. Pure: sessions in any other
// state never expire by this definition, they are swept by inactivity.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return s.State == StateAuthenticated && now.Sub(s.LastActivity) > timeout
}

// =============================================================================
// STORE
// =============================================================================

// Store is the shared, concurrent session store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locks   *util.KeyedMutex
	timeout time.Duration
}

// NewStore creates a Store with the given idle timeout.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    util.NewKeyedMutex(),
		timeout:  timeout,
	}
}

// Timeout returns the configured idle timeout.
func (st *Store) Timeout() time.Duration {
	return st.timeout
}

// WithActor runs fn while holding the actor's exclusive section. All
// multi-step mutations for one actor must run inside it so that two
// concurrent requests cannot both observe the same state and both act
// on it.
func (st *Store) WithActor(id actor.Identity, fn func()) {
	st.locks.With(id.Key(), fn)
}

// GetOrCreate returns a snapshot of the actor's session, creating it in
// StateUnauthenticated if absent. Concurrent calls for the same actor
// observe a single record, never two.
func (st *Store) GetOrCreate(id actor.Identity, referer string, now time.Time) Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := id.Key()
	s, exists := st.sessions[key]
	if !exists {
		s = &Session{
			Actor:        id,
			State:        StateUnauthenticated,
			CreatedAt:    now,
			LastActivity: now,
			Referer:      referer,
		}
		st.sessions[key] = s
	}
	return *s
}

// Get returns a snapshot of the actor's session if one exists.
func (st *Store) Get(id actor.Identity) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, exists := st.sessions[id.Key()]
	if !exists {
		return Session{}, false
	}
	return *s, true
}

// Transition moves the session from expected to next. It fails with
// ErrStaleState, mutating nothing, if the current state differs from
// expected.
func (st *Store) Transition(id actor.Identity, expected, next State) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, exists := st.sessions[id.Key()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSession, id.Key())
	}
	if s.State != expected {
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleState, expected, s.State)
	}
	s.State = next
	return nil
}

// Touch refreshes the session's activity timestamp. Called on every
// request an authenticated actor makes.
func (st *Store) Touch(id actor.Identity, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, exists := st.sessions[id.Key()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSession, id.Key())
	}
	s.LastActivity = now
	return nil
}

// RecordAttempt increments the failed second-factor counter and returns
// the new count.
func (st *Store) RecordAttempt(id actor.Identity, now time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, exists := st.sessions[id.Key()]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrNoSession, id.Key())
	}
	s.TOTPAttempts++
	s.LastActivity = now
	return s.TOTPAttempts, nil
}

// ResetAttempts zeroes the failed second-factor counter. Called only on
// successful verification.
func (st *Store) ResetAttempts(id actor.Identity) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, exists := st.sessions[id.Key()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSession, id.Key())
	}
	s.TOTPAttempts = 0
	return nil
}

// Remove deletes the actor's session. Used by the housekeeper and on
// explicit invalidation.
func (st *Store) Remove(id actor.Identity) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id.Key())
}

// =============================================================================
// SWEEP AND STATS
// =============================================================================

// SweepExpired removes sessions idle beyond the store timeout, returning
// the number removed. It iterates a snapshot of keys and re-checks each
// candidate under the per-actor lock immediately before removal, so a
// session touched after the snapshot was taken survives. The context
// cancels the sweep between records; each removal is independent and
// idempotent.
func (st *Store) SweepExpired(ctx context.Context, now time.Time) int {
	st.mu.RLock()
	keys := make([]string, 0, len(st.sessions))
	for key := range st.sessions {
		keys = append(keys, key)
	}
	st.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return removed
		}
		st.locks.With(key, func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			s, exists := st.sessions[key]
			if exists && now.Sub(s.LastActivity) > st.timeout {
				delete(st.sessions, key)
				removed++
			}
		})
	}
	return removed
}

// Stats is a point-in-time summary of store contents by state.
type Stats struct {
	Total           int `json:"total"`
	Unauthenticated int `json:"unauthenticated"`
	Processing      int `json:"processing"`
	Authenticated   int `json:"authenticated"`
	Blocked         int `json:"blocked"`
}

// GetStats returns session counts per state.
func (st *Store) GetStats() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	stats := Stats{Total: len(st.sessions)}
	for _, s := range st.sessions {
		switch s.State {
		case StateUnauthenticated:
			stats.Unauthenticated++
		case StateProcessing:
			stats.Processing++
		case StateAuthenticated:
			stats.Authenticated++
		case StateBlocked:
			stats.Blocked++
		}
	}
	return stats
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks per-actor authentication sessions.
//
// Each authorized actor has at most one session walking a four-state
// machine: unauthenticated, processing (awaiting a second-factor code),
// authenticated, and blocked. Transitions are compare-and-set: a
// transition whose expected state no longer holds fails with
// ErrStaleState instead of clobbering a concurrent change.
//
// # Key Types
//
//   - Store: concurrent session store with idle-timeout sweeping
//   - Session: immutable snapshot of one actor's session
//   - State: the session state enum
//
// # Usage
//
// Create a store with a 15-minute idle timeout:
//
//	store := session.NewStore(15 * time.Minute)
//
// Serialize all work for one actor through the store's keyed lock:
//
//	store.WithActor(id, func() {
//	    s := store.GetOrCreate(id, referer, time.Now())
//	    // inspect s.State, call Transition / Touch / RecordAttempt
//	})
//
// Only authenticated sessions expire; the housekeeper calls
// SweepExpired periodically to remove them.
package session

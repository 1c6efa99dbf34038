// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared concurrency helpers for chatgate.
package util

import "sync"

// =============================================================================
// KEYED MUTEX
// =============================================================================

// KeyedMutex provides one exclusive lock per string key. Operations on
// different keys proceed independently; operations on the same key are
// serialized. Lock entries are reference counted and removed as soon as
// the last holder releases them, so the map does not grow with the
// number of keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyedLock),
	}
}

// Lock acquires the exclusive lock for key, blocking until it is available.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	entry, exists := k.locks[key]
	if !exists {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the lock for key. It must be called exactly once per
// Lock, by the goroutine holding it.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	entry, exists := k.locks[key]
	if !exists {
		k.mu.Unlock()
		panic("util: unlock of unheld keyed mutex: " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// With runs fn while holding the lock for key.
func (k *KeyedMutex) With(key string, fn func()) {
	k.Lock(key)
	defer k.Unlock(key)
	fn()
}

// Held returns the number of keys currently tracked. Intended for tests.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

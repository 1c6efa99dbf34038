// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatgate/internal/actor"
)

var bob = actor.Identity{UserID: 1002, ChatID: 7}

func TestGetOrCreate_SingleRecordUnderConcurrency(t *testing.T) {
	st := NewStore(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	created := make([]Session, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			created[n] = st.GetOrCreate(bob, "/status", now)
		}(i)
	}
	wg.Wait()

	// Every caller observed the same record.
	for _, s := range created {
		require.Equal(t, StateUnauthenticated, s.State)
		require.Equal(t, bob, s.Actor)
	}
	require.Equal(t, 1, st.GetStats().Total)
}

func TestTransition_CompareAndSet(t *testing.T) {
	st := NewStore(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate(bob, "/status", now)

	require.NoError(t, st.Transition(bob, StateUnauthenticated, StateProcessing))

	// Stale expectation fails without mutating.
	err := st.Transition(bob, StateUnauthenticated, StateProcessing)
	require.ErrorIs(t, err, ErrStaleState)

	s, ok := st.Get(bob)
	require.True(t, ok)
	require.Equal(t, StateProcessing, s.State)
}

func TestTransition_UnknownActor(t *testing.T) {
	st := NewStore(15 * time.Minute)
	err := st.Transition(bob, StateUnauthenticated, StateProcessing)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestTransition_OnlyOneWinnerUnderConcurrency(t *testing.T) {
	st := NewStore(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate(bob, "/status", now)

	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if st.Transition(bob, StateUnauthenticated, StateProcessing) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}

func TestExpired_PureCheck(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	timeout := 15 * time.Minute

	s := Session{State: StateAuthenticated, LastActivity: now}
	require.False(t, s.Expired(now.Add(14*time.Minute), timeout))
	require.False(t, s.Expired(now.Add(15*time.Minute), timeout))
	require.True(t, s.Expired(now.Add(16*time.Minute), timeout))

	// Only authenticated sessions expire by this definition.
	s.State = StateProcessing
	require.False(t, s.Expired(now.Add(time.Hour), timeout))
}

func TestRecordAttempt_And_Reset(t *testing.T) {
	st := NewStore(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate(bob, "/status", now)

	n, err := st.RecordAttempt(bob, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = st.RecordAttempt(bob, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, st.ResetAttempts(bob))
	s, _ := st.Get(bob)
	require.Equal(t, 0, s.TOTPAttempts)
}

func TestSweepExpired_RemovesIdleKeepsActive(t *testing.T) {
	st := NewStore(15 * time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	idle := actor.Identity{UserID: 2001}
	busy := actor.Identity{UserID: 2002}
	st.GetOrCreate(idle, "/a", base)
	st.GetOrCreate(busy, "/b", base)
	require.NoError(t, st.Touch(busy, base.Add(20*time.Minute)))

	removed := st.SweepExpired(context.Background(), base.Add(21*time.Minute))
	require.Equal(t, 1, removed)

	_, ok := st.Get(idle)
	require.False(t, ok)
	_, ok = st.Get(busy)
	require.True(t, ok)
}

func TestSweepExpired_TouchDuringSweepWins(t *testing.T) {
	st := NewStore(15 * time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate(bob, "/status", base)

	// A touch committed before the sweep reaches the record must keep it
	// alive: the sweep re-checks expiry under the per-actor lock.
	st.WithActor(bob, func() {
		require.NoError(t, st.Touch(bob, base.Add(30*time.Minute)))
	})

	removed := st.SweepExpired(context.Background(), base.Add(16*time.Minute))
	require.Equal(t, 0, removed)
}

func TestSweepExpired_Cancellable(t *testing.T) {
	st := NewStore(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 50; i++ {
		st.GetOrCreate(actor.Identity{UserID: i}, "/a", base)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled sweep stops between records; nothing forces it to
	// finish the pass.
	removed := st.SweepExpired(ctx, base.Add(time.Hour))
	require.Equal(t, 0, removed)
	require.Equal(t, 50, st.GetStats().Total)
}

func TestRemove(t *testing.T) {
	st := NewStore(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate(bob, "/status", now)

	st.Remove(bob)
	_, ok := st.Get(bob)
	require.False(t, ok)

	// Removing an absent session is a no-op.
	st.Remove(bob)
}

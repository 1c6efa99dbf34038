// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/chatgate/internal/actor"
)

var carol = actor.Identity{UserID: 1234567, ChatID: 42, Name: "Carol Danvers"}

// =============================================================================
// THROTTLE TESTS
// =============================================================================

func TestThrottle_SuppressesInsideWindow(t *testing.T) {
	th := NewThrottle(5 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, th.ShouldNotify(carol, EventUnauthorized, now))
	require.False(t, th.ShouldNotify(carol, EventUnauthorized, now.Add(time.Minute)))
	require.False(t, th.ShouldNotify(carol, EventUnauthorized, now.Add(4*time.Minute)))
	require.True(t, th.ShouldNotify(carol, EventUnauthorized, now.Add(5*time.Minute)))
}

func TestThrottle_PairsAreIndependent(t *testing.T) {
	th := NewThrottle(5 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	other := actor.Identity{UserID: 999}

	require.True(t, th.ShouldNotify(carol, EventUnauthorized, now))
	// Different event class for the same actor is a different pair.
	require.True(t, th.ShouldNotify(carol, EventBlocked, now))
	// Same event class for a different actor is a different pair.
	require.True(t, th.ShouldNotify(other, EventUnauthorized, now))
}

func TestThrottle_AtomicUnderConcurrency(t *testing.T) {
	th := NewThrottle(5 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	passed := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.ShouldNotify(carol, EventUnauthorized, now) {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one concurrent caller wins the window.
	require.Equal(t, 1, passed)
}

func TestThrottle_Sweep(t *testing.T) {
	th := NewThrottle(5 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	th.ShouldNotify(carol, EventUnauthorized, now)
	th.ShouldNotify(carol, EventBlocked, now.Add(4*time.Minute))
	require.Equal(t, 2, th.Tracked())

	require.Equal(t, 1, th.Sweep(now.Add(5*time.Minute)))
	require.Equal(t, 1, th.Tracked())
}

// =============================================================================
// MASKING TESTS
// =============================================================================

func TestMaskID(t *testing.T) {
	tests := []struct {
		id   int64
		want string
	}{
		{1234567, "12***67"},
		{123456789, "12*****89"},
		{12345, "12*45"},
		{1234, "****"},
		{42, "**"},
		{-1234567, "-12***67"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, MaskID(tt.id))
	}
}

func TestMaskName(t *testing.T) {
	require.Equal(t, "C**** D******", MaskName("Carol Danvers"))
	require.Equal(t, "B**", MaskName("Bob"))
	require.Equal(t, "*", MaskName("X"))
	require.Equal(t, "(unknown)", MaskName(""))
	require.Equal(t, "(unknown)", MaskName("   "))
}

// =============================================================================
// NOTIFIER TESTS
// =============================================================================

// captureSink records delivered alerts for assertions.
type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *captureSink) first() Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts[0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNotifier_DeliversMaskedAlert(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(NewThrottle(5*time.Minute), sink, 600, zap.NewNop())
	defer n.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, n.Dispatch(carol, EventUnauthorized, "/restart", "authorization failure", now))

	waitFor(t, func() bool { return sink.count() == 1 })

	alert := sink.first()
	require.NotEmpty(t, alert.ID)
	require.Equal(t, EventUnauthorized, alert.EventClass)
	require.Equal(t, "12***67", alert.MaskedActorID)
	require.Equal(t, "C**** D******", alert.MaskedActorName)
	require.Equal(t, int64(42), alert.ChatID)
	require.Equal(t, "/restart", alert.Command)

	// The raw identity must not appear anywhere in the payload.
	require.NotContains(t, alert.MaskedActorID, "1234567")
	require.NotContains(t, alert.MaskedActorName, "Carol")
}

func TestNotifier_SuppressionSwallowsDuplicates(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(NewThrottle(5*time.Minute), sink, 600, zap.NewNop())
	defer n.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, n.Dispatch(carol, EventUnauthorized, "/restart", "", now))
	require.False(t, n.Dispatch(carol, EventUnauthorized, "/restart", "", now.Add(time.Minute)))
	require.False(t, n.Dispatch(carol, EventUnauthorized, "/restart", "", now.Add(2*time.Minute)))

	waitFor(t, func() bool { return sink.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sink.count())
}

// failingSink always errors; delivery failures must be swallowed.
type failingSink struct{ calls sync.WaitGroup }

func (f *failingSink) Send(context.Context, Alert) error {
	f.calls.Done()
	return context.DeadlineExceeded
}

func TestNotifier_DeliveryErrorIsSwallowed(t *testing.T) {
	sink := &failingSink{}
	sink.calls.Add(1)
	n := NewNotifier(NewThrottle(time.Minute), sink, 600, zap.NewNop())
	defer n.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, n.Dispatch(carol, EventBlocked, "/restart", "", now))
	sink.calls.Wait() // Dispatch already returned true; the error stayed inside
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package housekeeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/chatgate/internal/actor"
	"github.com/jeranaias/chatgate/internal/block"
	"github.com/jeranaias/chatgate/internal/notify"
	"github.com/jeranaias/chatgate/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweep_RemovesExpiredEntriesEverywhere(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sessions := session.NewStore(15 * time.Minute)
	blocks := block.NewRegistry(3, 15*time.Minute)
	throttle := notify.NewThrottle(5 * time.Minute)

	id := actor.Identity{UserID: 42, ChatID: 42, Name: "Test"}
	s := sessions.GetOrCreate(id, "/status", clk.Now())
	require.NoError(t, sessions.Transition(id, s.State, session.StateAuthenticated))
	blocks.Block(id, clk.Now().Add(time.Minute), "test")
	throttle.ShouldNotify(id, notify.EventUnauthorized, clk.Now())

	k := New(sessions, blocks, throttle, time.Minute, zap.NewNop(), WithClock(clk.Now))

	// Nothing has expired yet.
	k.Sweep(context.Background())
	_, ok := sessions.Get(id)
	require.True(t, ok)
	require.NotNil(t, blocks.Status(id))
	require.Equal(t, 1, throttle.Tracked())

	clk.Advance(time.Hour)
	k.Sweep(context.Background())

	_, ok = sessions.Get(id)
	require.False(t, ok)
	require.Nil(t, blocks.Status(id))
	require.Zero(t, throttle.Tracked())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	sessions := session.NewStore(15 * time.Minute)
	blocks := block.NewRegistry(3, 15*time.Minute)
	throttle := notify.NewThrottle(5 * time.Minute)

	k := New(sessions, blocks, throttle, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("housekeeper did not stop after cancel")
	}
}

func TestRun_SweepsOnInterval(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sessions := session.NewStore(15 * time.Minute)
	blocks := block.NewRegistry(3, 15*time.Minute)
	throttle := notify.NewThrottle(5 * time.Minute)

	id := actor.Identity{UserID: 7, ChatID: 7, Name: "Test"}
	blocks.Block(id, clk.Now().Add(time.Minute), "test")
	clk.Advance(time.Hour)

	k := New(sessions, blocks, throttle, 5*time.Millisecond, zap.NewNop(), WithClock(clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	require.Eventually(t, func() bool { return blocks.Status(id) == nil },
		time.Second, 5*time.Millisecond)
}

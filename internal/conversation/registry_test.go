// ABOUTME: Tests for the manager Registry
// ABOUTME: Singleton creation under concurrency, unknown ids, sweeping and shutdown

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

func TestRegistry_GetOrCreateIsSingletonPerConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, runner.PredictableModel)

	const callers = 20
	got := make([]*Manager, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			m, err := h.registry.GetOrCreate(t.Context(), conv.ID)
			assert.NoError(t, err)
			got[i] = m
		})
	}
	wg.Wait()

	for _, m := range got {
		assert.Same(t, got[0], m)
	}
	assert.Equal(t, 1, h.registry.Len())
}

func TestRegistry_UnknownConversation(t *testing.T) {
	h := newHarness(t)

	_, err := h.registry.GetOrCreate(t.Context(), "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, h.registry.Len())
}

func TestRegistry_SweepEvictsOnlyIdleUnwatched(t *testing.T) {
	h := newHarness(t)
	idle := h.newConversation(t, runner.PredictableModel)
	watched := h.newConversation(t, runner.PredictableModel)
	busy := h.newConversation(t, gatedModel)

	h.manager(t, idle.ID)
	h.manager(t, watched.ID)
	busyMgr := h.manager(t, busy.ID)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	ch, _ := h.bcast.Subscribe(ctx, watched.ID, 0)
	receive(t, ch)

	_, err := busyMgr.Send(t.Context(), SendRequest{Text: "hold on"})
	require.NoError(t, err)
	h.gate.waitStarted(t)

	assert.Equal(t, 0, h.registry.Sweep(time.Hour), "recent activity keeps everything")

	assert.Equal(t, 1, h.registry.Sweep(0))
	_, ok := h.registry.Get(idle.ID)
	assert.False(t, ok)
	_, ok = h.registry.Get(watched.ID)
	assert.True(t, ok)
	_, ok = h.registry.Get(busy.ID)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{busy.ID}, h.registry.Working())

	// A swept conversation comes back on demand.
	again := h.manager(t, idle.ID)
	assert.Equal(t, idle.ID, again.ID())
}

func TestRegistry_JanitorSweepsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, runner.PredictableModel)
	h.manager(t, conv.ID)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.registry.RunJanitor(ctx, 5*time.Millisecond, 0)
	}()

	assert.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRegistry_ShutdownStopsWorkAndRefusesNewManagers(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, gatedModel)
	other := h.newConversation(t, runner.PredictableModel)
	m := h.manager(t, conv.ID)

	_, err := m.Send(t.Context(), SendRequest{Text: "go"})
	require.NoError(t, err)
	h.gate.waitStarted(t)

	h.registry.Shutdown(t.Context())
	assert.False(t, m.IsWorking())

	_, err = h.registry.GetOrCreate(t.Context(), other.ID)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistry_GetOrCreateKeepsManagerFromSweep(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, runner.PredictableModel)
	m := h.manager(t, conv.ID)

	m.mu.Lock()
	m.lastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	again := h.manager(t, conv.ID)
	assert.Same(t, m, again)
	assert.Equal(t, 0, h.registry.Sweep(time.Minute))
}

func TestRegistry_SweptManagerRefusesWork(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, runner.PredictableModel)
	stale := h.manager(t, conv.ID)

	require.Equal(t, 1, h.registry.Sweep(0))

	_, err := stale.Send(t.Context(), SendRequest{Text: "hello"})
	assert.ErrorIs(t, err, errEvicted)
	assert.ErrorIs(t, stale.Resume(t.Context(), ""), errEvicted)
	assert.Empty(t, h.log(t, conv.ID))

	// The service goes back through the registry for a fresh manager.
	_, err = h.svc.Send(t.Context(), conv.ID, SendRequest{Text: "hello"})
	require.NoError(t, err)
	fresh, ok := h.registry.Get(conv.ID)
	require.True(t, ok)
	assert.NotSame(t, stale, fresh)
	waitIdle(t, fresh)
	assert.Len(t, h.log(t, conv.ID), 2)
}

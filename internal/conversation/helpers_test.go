// ABOUTME: Shared fixtures for conversation tests
// ABOUTME: In-memory store, scripted runners and a gated runner for mid-turn states

package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

const gatedModel = "gated"

// gatedRunner emits one agent message invoking a tool, then blocks until
// released (emitting the tool result) or cancelled (emitting afterCancel, if
// set, like a runner finishing its current step).
type gatedRunner struct {
	release     chan struct{}
	started     chan string
	afterCancel func(invocationID string) *runner.Event

	releaseOnce sync.Once

	mu    sync.Mutex
	calls int
}

// Release lets every current and future run complete normally.
func (g *gatedRunner) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		release: make(chan struct{}),
		started: make(chan string, 8),
	}
}

func (g *gatedRunner) Run(ctx context.Context, req *runner.Request) (<-chan *runner.Event, error) {
	g.mu.Lock()
	g.calls++
	id := "inv-" + string(rune('a'+g.calls-1))
	g.mu.Unlock()

	ch := make(chan *runner.Event, 4)
	go func() {
		defer close(ch)
		ch <- &runner.Event{
			Type: runner.EventMessage,
			Kind: content.KindAgent,
			Content: []content.Block{
				content.Text("running a slow tool"),
				content.Invocation(id, "bash", json.RawMessage(`{"command":"sleep 100"}`)),
			},
			Usage: &content.Usage{InputTokens: 1000, OutputTokens: 50},
		}
		g.started <- id

		select {
		case <-g.release:
			now := time.Now().UTC()
			ch <- &runner.Event{
				Type: runner.EventMessage,
				Kind: content.KindTool,
				Content: []content.Block{content.Result(content.ToolResult{
					InvocationID: id, Output: json.RawMessage(`"done"`), StartedAt: now, EndedAt: now,
				})},
			}
			ch <- &runner.Event{Type: runner.EventDone}
		case <-ctx.Done():
			if g.afterCancel != nil {
				ch <- g.afterCancel(id)
			}
		}
	}()
	return ch, nil
}

func (g *gatedRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("gated runner never started")
		return ""
	}
}

type harness struct {
	store    *store.MemoryStore
	runners  *runner.Registry
	bcast    *Broadcaster
	registry *Registry
	svc      *Service
	gate     *gatedRunner
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, store.NewMemoryStore(), ManagerConfig{RetryBackoff: time.Millisecond, AppendRetries: 2})
}

func newHarnessWithStore(t *testing.T, st *store.MemoryStore, cfg ManagerConfig) *harness {
	t.Helper()

	runners := runner.NewRegistry(runner.PredictableModel)
	runners.Register(runner.PredictableModel, runner.NewScripted(runner.Echo(0)))
	gate := newGatedRunner()
	runners.Register(gatedModel, gate)

	bcast := NewBroadcaster(st, 0, nil)
	registry := NewRegistry(st, runners, bcast, cfg, nil)
	svc := New(st, registry, bcast, runners, nil)

	t.Cleanup(func() {
		gate.Release()
		registry.Shutdown(context.Background())
		bcast.Close()
	})

	return &harness{store: st, runners: runners, bcast: bcast, registry: registry, svc: svc, gate: gate}
}

func (h *harness) newConversation(t *testing.T, model string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{Model: model, Cwd: "/work"}
	require.NoError(t, h.store.CreateConversation(t.Context(), conv, "test conversation"))
	return conv
}

func (h *harness) manager(t *testing.T, id string) *Manager {
	t.Helper()
	m, err := h.registry.GetOrCreate(t.Context(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) log(t *testing.T, id string) []*store.Message {
	t.Helper()
	msgs, err := h.store.Read(t.Context(), id, 0)
	require.NoError(t, err)
	return msgs
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	assert.Eventually(t, func() bool { return !m.IsWorking() }, 3*time.Second, 5*time.Millisecond)
}

func kinds(msgs []*store.Message) []content.Kind {
	out := make([]content.Kind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

// deafRunner emits one agent message invoking a tool, then ignores
// cancellation until woken, when it emits a late message and closes.
type deafRunner struct {
	started chan struct{}
	wake    chan struct{}
	closed  chan struct{}
}

func newDeafRunner() *deafRunner {
	return &deafRunner{
		started: make(chan struct{}),
		wake:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (d *deafRunner) Run(_ context.Context, _ *runner.Request) (<-chan *runner.Event, error) {
	ch := make(chan *runner.Event)
	go func() {
		defer close(d.closed)
		defer close(ch)
		ch <- &runner.Event{
			Type: runner.EventMessage,
			Kind: content.KindAgent,
			Content: []content.Block{
				content.Invocation("deaf-1", "bash", json.RawMessage(`{"command":"yes"}`)),
			},
		}
		close(d.started)
		<-d.wake
		ch <- &runner.Event{
			Type:    runner.EventMessage,
			Kind:    content.KindAgent,
			Content: []content.Block{content.Text("too late")},
		}
	}()
	return ch, nil
}

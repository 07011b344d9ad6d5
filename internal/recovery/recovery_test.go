// ABOUTME: Tests for startup recovery of interrupted conversations
// ABOUTME: Includes the full restart scenario through a real SQLite file and conversation service

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/conversation"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

type resumeRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *resumeRecorder) Resume(ctx context.Context, id, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

func (r *resumeRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newConversation(t *testing.T, st store.Store, name string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{Model: runner.PredictableModel}
	require.NoError(t, st.CreateConversation(t.Context(), conv, name))
	return conv
}

func appendMsg(t *testing.T, st store.Store, id string, kind content.Kind, blocks ...content.Block) {
	t.Helper()
	_, err := st.Append(t.Context(), id, &store.NewMessage{Kind: kind, Content: blocks})
	require.NoError(t, err)
}

// midTurn leaves conversation id with an agent message invoking the given
// tools and no results, as a crash would.
func midTurn(t *testing.T, st store.Store, id string, invocationIDs ...string) {
	t.Helper()
	appendMsg(t, st, id, content.KindUser, content.Text("list the files"))
	blocks := []content.Block{content.Text("Let me look.")}
	for _, inv := range invocationIDs {
		blocks = append(blocks, content.Invocation(inv, "bash", json.RawMessage(`{"command":"ls"}`)))
	}
	appendMsg(t, st, id, content.KindAgent, blocks...)
	require.NoError(t, st.SetAgentWorking(t.Context(), id, true))
}

func read(t *testing.T, st store.Store, id string) []*store.Message {
	t.Helper()
	msgs, err := st.Read(t.Context(), id, 0)
	require.NoError(t, err)
	return msgs
}

func TestRun_ClosesEveryOpenInvocation(t *testing.T) {
	st := store.NewMemoryStore()
	conv := newConversation(t, st, "interrupted")
	midTurn(t, st, conv.ID, "inv-1", "inv-2")

	rec := &resumeRecorder{}
	report, err := New(st, rec, Config{}, nil).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Interrupted)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Failed)

	msgs := read(t, st, conv.ID)
	require.Len(t, msgs, 3)
	last := msgs[2]
	assert.Equal(t, content.KindTool, last.Kind)

	results := content.Results(last.Content)
	require.Len(t, results, 2)
	for i, want := range []string{"inv-1", "inv-2"} {
		assert.Equal(t, want, results[i].InvocationID)
		assert.True(t, results[i].IsError)
		assert.Equal(t, InterruptedResultText, results[i].OutputText())
	}
	assert.Empty(t, store.UnresolvedInvocations(msgs))

	got, err := st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, got.AgentWorking)
}

func TestRun_ResumesRepairedConversations(t *testing.T) {
	st := store.NewMemoryStore()
	broken := newConversation(t, st, "broken")
	midTurn(t, st, broken.ID, "inv-1")
	healthy := newConversation(t, st, "healthy")
	appendMsg(t, st, healthy.ID, content.KindUser, content.Text("hi"))
	appendMsg(t, st, healthy.ID, content.KindAgent, content.Text("hello"))

	rec := &resumeRecorder{}
	m := New(st, rec, Config{}, nil)
	_, err := m.Run(t.Context())
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, []string{broken.ID}, rec.ids())
}

func TestRun_ResumeFailureDoesNotFailRepair(t *testing.T) {
	st := store.NewMemoryStore()
	conv := newConversation(t, st, "broken")
	midTurn(t, st, conv.ID, "inv-1")

	m := New(st, &resumeRecorder{err: errors.New("runner offline")}, Config{}, nil)
	report, err := m.Run(t.Context())
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, 1, report.Repaired)
	assert.Empty(t, store.UnresolvedInvocations(read(t, st, conv.ID)))
}

func TestRun_PartiallyResolvedRunClosesOnlyTheRest(t *testing.T) {
	st := store.NewMemoryStore()
	conv := newConversation(t, st, "partial")
	midTurn(t, st, conv.ID, "inv-1", "inv-2")
	now := time.Now().UTC()
	appendMsg(t, st, conv.ID, content.KindTool, content.Result(content.ToolResult{
		InvocationID: "inv-1", Output: json.RawMessage(`"ok"`), StartedAt: now, EndedAt: now,
	}))

	_, err := New(st, nil, Config{}, nil).Run(t.Context())
	require.NoError(t, err)

	msgs := read(t, st, conv.ID)
	require.Len(t, msgs, 4)
	results := content.Results(msgs[3].Content)
	require.Len(t, results, 1)
	assert.Equal(t, "inv-2", results[0].InvocationID)
}

func TestRun_ClearsStaleWorkingFlag(t *testing.T) {
	st := store.NewMemoryStore()
	conv := newConversation(t, st, "stale")
	appendMsg(t, st, conv.ID, content.KindUser, content.Text("hi"))
	appendMsg(t, st, conv.ID, content.KindAgent, content.Text("hello"))
	require.NoError(t, st.SetAgentWorking(t.Context(), conv.ID, true))

	rec := &resumeRecorder{}
	m := New(st, rec, Config{}, nil)
	report, err := m.Run(t.Context())
	require.NoError(t, err)
	m.Wait()

	assert.Zero(t, report.Interrupted)
	assert.Len(t, read(t, st, conv.ID), 2, "a complete log is left untouched")
	assert.Empty(t, rec.ids())

	got, err := st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, got.AgentWorking)
}

func TestRun_SkipsArchived(t *testing.T) {
	st := store.NewMemoryStore()
	conv := newConversation(t, st, "archived")
	midTurn(t, st, conv.ID, "inv-1")
	require.NoError(t, st.SetArchived(t.Context(), conv.ID, true))

	report, err := New(st, nil, Config{}, nil).Run(t.Context())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Len(t, read(t, st, conv.ID), 2)
}

func TestRun_PagesThroughEveryConversation(t *testing.T) {
	st := store.NewMemoryStore()
	var ids []string
	for i := range 23 {
		conv := newConversation(t, st, fmt.Sprintf("conversation %d", i))
		midTurn(t, st, conv.ID, "inv-1")
		ids = append(ids, conv.ID)
	}

	rec := &resumeRecorder{}
	m := New(st, rec, Config{PageSize: 5, Concurrency: 3}, nil)
	report, err := m.Run(t.Context())
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, 23, report.Scanned)
	assert.Equal(t, 23, report.Repaired)
	assert.ElementsMatch(t, ids, rec.ids())
	for _, id := range ids {
		assert.Empty(t, store.UnresolvedInvocations(read(t, st, id)))
	}
}

// failingAppender fails appends for one conversation only.
type failingAppender struct {
	*store.MemoryStore
	badID string
}

func (f *failingAppender) Append(ctx context.Context, id string, msg *store.NewMessage) (*store.Message, error) {
	if id == f.badID {
		return nil, errors.New("disk I/O error")
	}
	return f.MemoryStore.Append(ctx, id, msg)
}

func TestRun_OneFailureDoesNotAbortOthers(t *testing.T) {
	mem := store.NewMemoryStore()
	bad := newConversation(t, mem, "bad")
	midTurn(t, mem, bad.ID, "inv-1")
	good := newConversation(t, mem, "good")
	midTurn(t, mem, good.ID, "inv-1")

	report, err := New(&failingAppender{MemoryStore: mem, badID: bad.ID}, nil, Config{Concurrency: 1}, nil).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Interrupted)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, report.Failed)

	assert.Len(t, store.UnresolvedInvocations(read(t, mem, bad.ID)), 1)
	assert.Empty(t, store.UnresolvedInvocations(read(t, mem, good.ID)))
}

func TestRun_ListFailureIsAnError(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = New(st, nil, Config{}, nil).Run(t.Context())
	assert.Error(t, err)
}

// TestRestartScenario drives a conversation into a tool call, stops the
// process without repairing, then starts a fresh stack on the same database.
func TestRestartScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	// First process: the agent invokes a tool and the server goes down.
	st1, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	hold := runner.NewScripted(runner.Fixed(
		runner.Step{Event: &runner.Event{
			Type: runner.EventMessage,
			Kind: content.KindAgent,
			Content: []content.Block{
				content.Text("Running the build."),
				content.Invocation("inv-build", "bash", json.RawMessage(`{"command":"make"}`)),
			},
		}},
		runner.Step{Hold: true},
	))
	runners1 := runner.NewRegistry("hold")
	runners1.Register("hold", hold)
	bcast1 := conversation.NewBroadcaster(st1, 0, nil)
	reg1 := conversation.NewRegistry(st1, runners1, bcast1, conversation.ManagerConfig{}, nil)
	svc1 := conversation.New(st1, reg1, bcast1, runners1, nil)

	conv, _, err := svc1.NewConversation(t.Context(), conversation.NewConversationRequest{Message: "build it", Model: "hold"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs, err := st1.Read(t.Context(), conv.ID, 0)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	reg1.Shutdown(t.Context())
	bcast1.Close()
	require.NoError(t, st1.Close())

	// Second process: recover, then the agent picks the conversation back up.
	st2, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() })

	before, err := st2.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.True(t, before.AgentWorking)
	require.Len(t, store.UnresolvedInvocations(read(t, st2, conv.ID)), 1)

	runners2 := runner.NewRegistry(runner.PredictableModel)
	runners2.Register(runner.PredictableModel, runner.NewScripted(runner.Echo(0)))
	runners2.Register("hold", runner.NewScripted(runner.Fixed(runner.Step{Event: runner.AgentText("The build was interrupted; retrying.")})))
	bcast2 := conversation.NewBroadcaster(st2, 0, nil)
	reg2 := conversation.NewRegistry(st2, runners2, bcast2, conversation.ManagerConfig{}, nil)
	svc2 := conversation.New(st2, reg2, bcast2, runners2, nil)
	t.Cleanup(func() {
		reg2.Shutdown(context.Background())
		bcast2.Close()
	})

	rec := New(st2, svc2, Config{}, nil)
	report, err := rec.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	rec.Wait()

	require.Eventually(t, func() bool {
		msgs := read(t, st2, conv.ID)
		return len(msgs) == 4
	}, 2*time.Second, 5*time.Millisecond)

	m, ok := reg2.Get(conv.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return !m.IsWorking() }, 2*time.Second, 5*time.Millisecond)

	msgs := read(t, st2, conv.ID)
	assert.Equal(t, []content.Kind{content.KindUser, content.KindAgent, content.KindTool, content.KindAgent},
		[]content.Kind{msgs[0].Kind, msgs[1].Kind, msgs[2].Kind, msgs[3].Kind})
	assert.Equal(t, InterruptedResultText, content.Results(msgs[2].Content)[0].OutputText())
	assert.Equal(t, "The build was interrupted; retrying.", msgs[3].Content[0].Text)
	assert.Empty(t, store.UnresolvedInvocations(msgs))

	after, err := st2.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, after.AgentWorking)
}

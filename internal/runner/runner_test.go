// ABOUTME: Tests for the scripted runner, echo script and model registry
// ABOUTME: Verifies terminal events, cancellation and the post-cancel extra step

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/content"
)

func userRequest(text string) *Request {
	return &Request{
		ConversationID: "c1",
		Model:          PredictableModel,
		Transcript: []Turn{
			{Kind: content.KindUser, Content: []content.Block{content.Text(text)}},
		},
	}
}

func collect(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timeout waiting for runner to finish")
		}
	}
}

func TestScripted_AppendsImplicitDone(t *testing.T) {
	r := NewScripted(Fixed(Step{Event: AgentText("hi")}))

	ch, err := r.Run(t.Context(), userRequest("x"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventMessage, events[0].Type)
	assert.Equal(t, EventDone, events[1].Type)
}

func TestScripted_StopsAtTerminal(t *testing.T) {
	r := NewScripted(Fixed(
		Step{Event: &Event{Type: EventError, Error: "boom"}},
		Step{Event: AgentText("never")},
	))

	ch, err := r.Run(t.Context(), userRequest("x"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "boom", events[0].Error)
}

func TestScripted_CancelCutsDelay(t *testing.T) {
	r := NewScripted(Fixed(Step{Delay: time.Hour, Event: AgentText("late")}))

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := r.Run(ctx, userRequest("x"))
	require.NoError(t, err)

	cancel()
	assert.Empty(t, collect(t, ch))
}

func TestScripted_HoldEmitsAfterCancel(t *testing.T) {
	r := NewScripted(Fixed(
		Step{Event: AgentText("first")},
		Step{Hold: true, Event: AgentText("straggler")},
	))

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := r.Run(ctx, userRequest("x"))
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Content[0].Text)

	cancel()
	rest := collect(t, ch)
	require.Len(t, rest, 1)
	assert.Equal(t, "straggler", rest[0].Content[0].Text)
}

func TestEcho(t *testing.T) {
	r := NewScripted(Echo(0))

	t.Run("echoes text", func(t *testing.T) {
		ch, err := r.Run(t.Context(), userRequest("hello there"))
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 2)
		assert.Equal(t, "hello there", events[0].Content[0].Text)
		assert.NotZero(t, events[0].Usage.ContextWindowUsed())
	})

	t.Run("tool round trip", func(t *testing.T) {
		ch, err := r.Run(t.Context(), userRequest("tool: bash ls -la"))
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 4)

		inv := content.Invocations(events[0].Content)
		require.Len(t, inv, 1)
		assert.Equal(t, "bash", inv[0].Name)

		res := content.Results(events[1].Content)
		require.Len(t, res, 1)
		assert.Equal(t, inv[0].ID, res[0].InvocationID)
		assert.Equal(t, "ls -la", res[0].OutputText())
		assert.Equal(t, content.KindTool, events[1].Kind)
		assert.Equal(t, EventDone, events[3].Type)
	})

	t.Run("error", func(t *testing.T) {
		ch, err := r.Run(t.Context(), userRequest("error: model overloaded"))
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, "model overloaded", events[0].Error)
	})
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(PredictableModel)
	echo := NewScripted(Echo(0))
	reg.Register(PredictableModel, echo)
	reg.Register("other", NewScripted(Fixed()))

	r, model, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, PredictableModel, model)
	assert.Same(t, echo, r)

	_, _, err = reg.Resolve("gpt-nope")
	assert.ErrorIs(t, err, ErrUnknownModel)

	assert.Equal(t, []string{"other", PredictableModel}, reg.Models())
}

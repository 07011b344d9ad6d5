// ABOUTME: Tests for the working predicate, slugs and the in-memory store
// ABOUTME: The predicate cases cover trailing runs, bundled results and later turns

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/content"
)

func msg(kind content.Kind, blocks ...content.Block) *Message {
	return &Message{Kind: kind, Content: blocks}
}

func resolvedBy(id string) content.Block {
	return content.Result(content.ToolResult{InvocationID: id})
}

func TestUnresolvedInvocations(t *testing.T) {
	tests := []struct {
		name     string
		messages []*Message
		want     []string
	}{
		{
			name:     "empty log",
			messages: nil,
		},
		{
			name: "plain text turn",
			messages: []*Message{
				msg(content.KindUser, content.Text("hi")),
				msg(content.KindAgent, content.Text("hello")),
			},
		},
		{
			name: "open invocations",
			messages: []*Message{
				msg(content.KindUser, content.Text("go")),
				msg(content.KindAgent,
					content.Invocation("a", "bash", nil),
					content.Invocation("b", "read", nil)),
			},
			want: []string{"a", "b"},
		},
		{
			name: "partially resolved",
			messages: []*Message{
				msg(content.KindAgent,
					content.Invocation("a", "bash", nil),
					content.Invocation("b", "read", nil)),
				msg(content.KindTool, resolvedBy("a")),
			},
			want: []string{"b"},
		},
		{
			name: "fully resolved then text",
			messages: []*Message{
				msg(content.KindAgent, content.Invocation("a", "bash", nil)),
				msg(content.KindTool, resolvedBy("a")),
				msg(content.KindAgent, content.Text("done")),
			},
		},
		{
			name: "only the trailing run counts",
			messages: []*Message{
				msg(content.KindAgent, content.Invocation("old", "bash", nil)),
				msg(content.KindUser, content.Text("never mind")),
				msg(content.KindAgent, content.Invocation("new", "bash", nil)),
				msg(content.KindTool, resolvedBy("new")),
			},
		},
		{
			name: "result bundled in same message",
			messages: []*Message{
				msg(content.KindAgent, content.Invocation("a", "bash", nil), resolvedBy("a")),
			},
		},
		{
			name: "user message does not resolve",
			messages: []*Message{
				msg(content.KindAgent, content.Invocation("a", "bash", nil)),
				msg(content.KindUser, content.Text("hurry up")),
			},
			want: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnresolvedInvocations(tt.messages)
			var ids []string
			for _, inv := range got {
				ids = append(ids, inv.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestContextWindowSize(t *testing.T) {
	msgs := []*Message{
		{Kind: content.KindAgent, Usage: &content.Usage{InputTokens: 10}},
		{Kind: content.KindAgent, Usage: &content.Usage{InputTokens: 40, OutputTokens: 2}},
		{Kind: content.KindTool},
	}
	assert.Equal(t, uint64(42), ContextWindowSize(msgs))
	assert.Zero(t, ContextWindowSize(nil))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"  --Fix:   the   BUILD!! ", "fix-the-build"},
		{"one two three four five six seven eight", "one-two-three-four-five-six"},
		{"", "conversation"},
		{"???", "conversation"},
		{"naïve café", "na-ve-caf"},
		{"abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "Slugify(%q)", tt.in)
	}
}

func TestMemoryStore_FailAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv := createConversation(t, s, "faulty")

	boom := errors.New("disk full")
	s.FailAppends(2, boom)

	_, err := s.Append(ctx, conv.ID, userText("a"))
	assert.ErrorIs(t, err, boom)
	_, err = s.Append(ctx, conv.ID, userText("b"))
	assert.ErrorIs(t, err, boom)

	m, err := s.Append(ctx, conv.ID, userText("c"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.SequenceID, "failed appends leave no gap")
}

func TestMemoryStore_MatchesSQLiteSemantics(t *testing.T) {
	for name, s := range map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			a := createConversation(t, s, "dup")
			b := createConversation(t, s, "dup")
			assert.Equal(t, "dup-2", b.Slug)

			_, err := s.Append(ctx, a.ID, &NewMessage{
				Kind:      content.KindAgent,
				Content:   []content.Block{content.Text("x")},
				Usage:     &content.Usage{InputTokens: 7},
				CreatedAt: time.Now().Add(time.Minute),
			})
			require.NoError(t, err)

			got, err := s.GetConversation(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), got.ContextWindow)

			list, err := s.ListConversations(ctx, ListParams{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, a.ID, list[0].ID)

			require.NoError(t, s.DeleteConversation(ctx, a.ID))
			msgs, err := s.Read(ctx, a.ID, 0)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

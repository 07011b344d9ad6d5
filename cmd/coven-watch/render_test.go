package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/reconcile"
)

func TestRenderer_PrintsEachTurnOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, DisplayConfig{ShowTools: true, MaxOutput: 20})

	conv := &api.Conversation{Slug: "list-files"}
	user := reconcile.Turn{MessageID: "m1", Sequence: 1, Kind: content.KindUser, Text: "list the files"}
	pending := reconcile.Turn{MessageID: "optimistic-1", Kind: content.KindUser, Text: "and again", Optimistic: true}
	agent := reconcile.Turn{MessageID: "m2", Sequence: 2, Kind: content.KindAgent, Text: "Running `ls`.",
		Tools: []reconcile.ToolCall{{ID: "t1", Name: "ls", Input: []byte(`{"args":"-la"}`), Status: reconcile.ToolRunning}}}

	r.update(&reconcile.Snapshot{Status: reconcile.StatusConnected, Conversation: conv, Turns: []reconcile.Turn{user}})
	r.update(&reconcile.Snapshot{Status: reconcile.StatusConnected, Conversation: conv, Working: true,
		Turns: []reconcile.Turn{user, agent, pending}})

	done := agent
	done.Tools = []reconcile.ToolCall{{ID: "t1", Name: "ls", Status: reconcile.ToolOK, Output: "a.txt\nb.txt"}}
	r.update(&reconcile.Snapshot{Status: reconcile.StatusConnected, Conversation: conv,
		Turns: []reconcile.Turn{user, done}})

	want := "-- connected to list-files --\n" +
		"you> list the files\n" +
		"agent> Running `ls`.\n" +
		"  [tool] ls {\"args\":\"-la\"}\n" +
		"  ... working\n" +
		"  [done] ls\n" +
		"         a.txt b.txt\n"
	assert.Equal(t, want, buf.String())
}

func TestRenderer_ReloadDoesNotReprint(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, DisplayConfig{})

	turns := []reconcile.Turn{
		{MessageID: "m1", Sequence: 1, Kind: content.KindUser, Text: "hi"},
		{MessageID: "m2", Sequence: 2, Kind: content.KindError, Text: "runner failed"},
	}
	r.update(&reconcile.Snapshot{Status: reconcile.StatusConnected, Turns: turns})
	r.update(&reconcile.Snapshot{Status: reconcile.StatusReconnecting, Turns: turns})
	r.update(&reconcile.Snapshot{Status: reconcile.StatusConnected, Turns: turns[:1]})

	assert.Equal(t, "-- connected --\nyou> hi\nerror: runner failed\n-- reconnecting --\n-- connected --\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", *defaultConfig(), false},
		{"empty server", Config{}, true},
		{"bad scheme", Config{Server: "ftp://x"}, true},
		{"negative output", Config{Server: "https://x", Display: DisplayConfig{MaxOutput: -1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
